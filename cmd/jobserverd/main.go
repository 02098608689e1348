// Command jobserverd is the Job Service daemon: it opens the durable job
// store, wires the device pool and worker pool, and serves the HTTP API
// that accepts/queues/stops runs and streams back their artifacts. It
// supervises each run by spawning cmd/taskctl as a child process rather
// than running the control loop in-process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/scenagent/mobiletaskctl/internal/jobservice"
	"github.com/scenagent/mobiletaskctl/internal/jobstore"
	"github.com/scenagent/mobiletaskctl/internal/obslog"
)

// loadConfig reads jobserverd's settings from (in ascending precedence)
// built-in defaults, an optional config.yaml next to the binary or at
// $JOBSERVERD_CONFIG, and JOBSERVERD_-prefixed environment variables —
// the config-file-plus-env-override layering viper exists for in the
// wider example pack's CLI tools, applied here to the Job Service instead
// of a REPL.
func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("artifact_root", "./runs")
	v.SetDefault("addr", ":8080")
	v.SetDefault("adb_path", "adb")
	v.SetDefault("taskctl_path", "taskctl")
	v.SetDefault("queue_size", 64)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if cfgFile := os.Getenv("JOBSERVERD_CONFIG"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	_ = v.ReadInConfig() // absent config.yaml is fine; defaults + env still apply

	v.SetEnvPrefix("jobserverd")
	v.AutomaticEnv()
	return v
}

func main() {
	_ = godotenv.Load(".env")
	v := loadConfig()

	logger := obslog.Component(
		zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger(),
		"jobserverd",
	)

	artifactRoot := v.GetString("artifact_root")
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(artifactRoot, "jobs.db")
	}
	addr := v.GetString("addr")
	adbPath := v.GetString("adb_path")
	taskctlPath := v.GetString("taskctl_path")
	deviceIDs := splitNonEmpty(v.GetString("device_ids"), ",")
	queueSize := v.GetInt("queue_size")

	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create artifact root")
	}
	if len(deviceIDs) == 0 {
		logger.Fatal().Msg("device_ids must list at least one device serial (JOBSERVERD_DEVICE_IDS or config.yaml device_ids)")
	}

	store, err := jobstore.New(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	storeDone := make(chan struct{})
	go store.Run(storeDone)
	go func() {
		<-ctx.Done()
		close(storeDone)
	}()

	svc, err := jobservice.New(jobservice.Config{
		ArtifactRoot: artifactRoot,
		QueueSize:    queueSize,
		TaskctlPath:  taskctlPath,
	}, deviceIDs, adbPath, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build job service")
	}

	go svc.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: svc.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Strs("devices", deviceIDs).Msg("jobserverd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("serve")
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
