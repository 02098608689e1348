package jobservice

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scenagent/mobiletaskctl/internal/orchestrator"
	"github.com/scenagent/mobiletaskctl/internal/stagnation"
)

const runtimeConfigKey = "runtime_config"

// RuntimeConfig is the subset of orchestrator knobs the Job Service can
// tune without a restart, matching the original's runtime-patchable
// settings file but narrowed to what this module's orchestrator exposes
// rather than LLM credentials (those stay in the process environment).
type RuntimeConfig struct {
	MaxStep              int     `json:"max_step"`
	StagnationThreshold  float64 `json:"stagnation_threshold"`
	ErrorThresholdWindow int     `json:"error_threshold_window"`
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxStep:              orchestrator.DefaultMaxStep,
		StagnationThreshold:  stagnation.DefaultThreshold,
		ErrorThresholdWindow: 2,
	}
}

func (s *Service) loadRuntimeConfig() RuntimeConfig {
	data, err := s.jobs.GetRaw(runtimeConfigKey)
	if err != nil {
		return defaultRuntimeConfig()
	}
	var cfg RuntimeConfig
	if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
		return defaultRuntimeConfig()
	}
	return cfg
}

func (s *Service) handleConfig(c *gin.Context) {
	cfg := s.loadRuntimeConfig()
	var patch RuntimeConfig
	if err := c.ShouldBindJSON(&patch); err != nil {
		errResp(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if patch.MaxStep > 0 {
		cfg.MaxStep = patch.MaxStep
	}
	if patch.StagnationThreshold > 0 {
		cfg.StagnationThreshold = patch.StagnationThreshold
	}
	if patch.ErrorThresholdWindow > 0 {
		cfg.ErrorThresholdWindow = patch.ErrorThresholdWindow
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		errResp(c, http.StatusInternalServerError, "marshal config: "+err.Error())
		return
	}
	if err := s.jobs.PutRaw(runtimeConfigKey, data); err != nil {
		errResp(c, http.StatusInternalServerError, "persist config: "+err.Error())
		return
	}
	okResp(c, cfg)
}
