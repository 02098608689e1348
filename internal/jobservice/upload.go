package jobservice

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleUpload accepts either a scenario script (.json) or an APK (.apk)
// and saves it under a token name, keyed by extension — the single-endpoint
// counterpart to the original's dedicated /upload/scenario route.
func (s *Service) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		errResp(c, http.StatusBadRequest, "file is required")
		return
	}

	suffix := strings.ToLower(filepath.Ext(header.Filename))
	var subdir, kind string
	switch suffix {
	case ".json":
		subdir, kind = "scenarios", "scenario"
	case ".apk":
		subdir, kind = "apks", "apk"
	default:
		errResp(c, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s. Only .json and .apk are allowed.", suffix))
		return
	}

	token := uuid.NewString()
	dir := filepath.Join(s.cfg.ArtifactRoot, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		errResp(c, http.StatusInternalServerError, "create upload dir: "+err.Error())
		return
	}
	dest := filepath.Join(dir, token+suffix)
	if err := c.SaveUploadedFile(header, dest); err != nil {
		errResp(c, http.StatusInternalServerError, "save upload: "+err.Error())
		return
	}

	okResp(c, gin.H{"type": kind, "token": token, "filename": header.Filename})
}

// handleUploadScenario is the original's dedicated scenario-only upload
// route: same storage, but rejects anything but .json up front.
func (s *Service) handleUploadScenario(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		errResp(c, http.StatusBadRequest, "file is required")
		return
	}
	if strings.ToLower(filepath.Ext(header.Filename)) != ".json" {
		errResp(c, http.StatusBadRequest, "only .json is supported")
		return
	}

	token := uuid.NewString()
	dir := filepath.Join(s.cfg.ArtifactRoot, "scenarios")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		errResp(c, http.StatusInternalServerError, "create upload dir: "+err.Error())
		return
	}
	dest := filepath.Join(dir, token+".json")
	if err := c.SaveUploadedFile(header, dest); err != nil {
		errResp(c, http.StatusInternalServerError, "save upload: "+err.Error())
		return
	}

	okResp(c, gin.H{"scenario_token": token, "filename": header.Filename})
}
