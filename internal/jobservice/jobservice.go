// Package jobservice is the HTTP job orchestrator: it accepts run requests,
// queues them behind a worker pool bound to the device pool's capacity,
// supervises each run as a subprocess, and serves status/artifact lookups —
// the Go rebuild of the original's FastAPI job server, with the
// device-pool acquire/release and per-user single-flight rules preserved.
package jobservice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/scenagent/mobiletaskctl/internal/devicepool"
	"github.com/scenagent/mobiletaskctl/internal/jobstore"
	"github.com/scenagent/mobiletaskctl/internal/obslog"
	"github.com/scenagent/mobiletaskctl/internal/orchestrator"
)

// gracefulStopTimeout is how long Stop waits after SIGTERM before escalating
// to SIGKILL, matching spec's "graceful then force after ~5s" contract.
const gracefulStopTimeout = 5 * time.Second

// RunRequest is the payload accepted by the /run endpoint.
type RunRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Instruction    string `json:"instruction" binding:"required"`
	AppName        string `json:"app_name" binding:"required"`
	PerceptionMode string `json:"perception_mode"` // "vllm" | "som", defaults to "vllm"
	MaxStep        int    `json:"max_step"`
	ADBPath        string `json:"adb_path"`
	HDCPath        string `json:"hdc_path"`
	Platform       string `json:"platform"` // "android" | "harmonyos", defaults to "android"
}

// Config binds a Service to its runtime environment.
type Config struct {
	ArtifactRoot string // parent directory each job's run directory is created under
	QueueSize    int    // task_queue depth; requests beyond this are rejected with 503
	TaskctlPath  string // path to the taskctl binary the worker spawns per job; defaults to "taskctl" on PATH
}

// Service wires a device pool, a durable job store, and a worker pool that
// runs one job at a time per device.
type Service struct {
	cfg     Config
	devices *devicepool.Pool
	jobs    *jobstore.Store
	ids     *snowflake.Node
	log     zerolog.Logger

	queue chan queuedJob

	mu      sync.Mutex
	running map[string]*runningJob // job ID -> live run, for /stop
}

type queuedJob struct {
	jobID string
	req   RunRequest
}

// runningJob tracks one job's supervised subprocess so Stop can signal it.
// cancel unblocks execute's wait select; the stop-wins race flag lets
// runOne distinguish a stopped job from one that merely exited non-zero.
type runningJob struct {
	cancel context.CancelFunc
	stopAt *time.Time
	mu     sync.Mutex
}

func (r *runningJob) markStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.stopAt = &now
}

func (r *runningJob) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAt != nil
}

// New builds a Service. deviceIDs seeds the device pool; store must already
// be running its write-queue drain goroutine.
func New(cfg Config, deviceIDs []string, adbPath string, store *jobstore.Store, logger zerolog.Logger) (*Service, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskctlPath == "" {
		cfg.TaskctlPath = "taskctl"
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("jobservice: snowflake node: %w", err)
	}
	return &Service{
		cfg:     cfg,
		devices: devicepool.New(deviceIDs, adbPath),
		jobs:    store,
		ids:     node,
		log:     obslog.Component(logger, "jobservice"),
		queue:   make(chan queuedJob, cfg.QueueSize),
		running: make(map[string]*runningJob),
	}, nil
}

// Submit enqueues a run request under the user's single-flight slot. It
// returns the new job ID, or ok=false with the job ID already occupying the
// user's slot when one is in flight.
func (s *Service) Submit(req RunRequest) (jobID string, ok bool, existingJobID string) {
	jobID = s.ids.Generate().String()

	started, existing := s.devices.TryStartUserJob(req.UserID, jobID)
	if !started {
		return "", false, existing
	}

	if err := s.jobs.Create(jobstore.Record{
		JobID:  jobID,
		UserID: req.UserID,
		Status: jobstore.StatusQueued,
	}); err != nil {
		s.devices.FinishUserJob(req.UserID, jobID)
		return "", false, ""
	}

	select {
	case s.queue <- queuedJob{jobID: jobID, req: req}:
		return jobID, true, ""
	default:
		s.devices.FinishUserJob(req.UserID, jobID)
		_, _ = s.jobs.Update(jobID, func(r *jobstore.Record) {
			r.Status = jobstore.StatusFailed
			r.Error = "queue full"
		})
		return jobID, false, ""
	}
}

// Stop flags a running (or still-queued) job as stopped and cancels its
// context if it has one. It is idempotent: stopping an already-terminal job
// is a no-op that reports the existing terminal status.
func (s *Service) Stop(jobID string) (jobstore.Record, error) {
	rec, err := s.jobs.Get(jobID)
	if err != nil {
		return jobstore.Record{}, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	s.mu.Lock()
	run, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		run.markStopped()
		run.cancel()
	}

	return s.jobs.Update(jobID, func(r *jobstore.Record) {
		if !r.Status.Terminal() {
			r.Status = jobstore.StatusStopped
			r.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		}
	})
}

// Status returns the current job record.
func (s *Service) Status(jobID string) (jobstore.Record, error) {
	return s.jobs.Get(jobID)
}

// Run starts the worker pool. One goroutine per device — Acquire blocks the
// worker until a device frees up, so the pool never runs more jobs
// concurrently than it has devices.
func (s *Service) Run(ctx context.Context) {
	for i := 0; i < s.devices.Size(); i++ {
		go s.worker(ctx)
	}
	<-ctx.Done()
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-s.queue:
			s.runOne(ctx, qj)
		}
	}
}

func (s *Service) runOne(ctx context.Context, qj queuedJob) {
	log := s.log.With().Str("job_id", qj.jobID).Str("user_id", qj.req.UserID).Logger()

	defer s.devices.FinishUserJob(qj.req.UserID, qj.jobID)

	if rec, err := s.jobs.Get(qj.jobID); err == nil && rec.Status.Terminal() {
		log.Info().Msg("job stopped while queued, skipping")
		return
	}

	deviceID, err := s.devices.Acquire(ctx)
	if err != nil {
		_, _ = s.jobs.Update(qj.jobID, func(r *jobstore.Record) {
			r.Status = jobstore.StatusStopped
		})
		return
	}
	defer s.devices.Release(deviceID)

	if !s.devices.EnsureConnected(ctx, deviceID) {
		log.Warn().Str("device_id", deviceID).Msg("device unreachable, failing job")
		_, _ = s.jobs.Update(qj.jobID, func(r *jobstore.Record) {
			if r.Status.Terminal() {
				return
			}
			r.Status = jobstore.StatusFailed
			r.DeviceID = deviceID
			r.Error = "device unreachable"
			r.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &runningJob{cancel: cancel}
	s.mu.Lock()
	s.running[qj.jobID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, qj.jobID)
		s.mu.Unlock()
	}()

	runDir := filepath.Join(s.cfg.ArtifactRoot, qj.jobID)
	if err := os.MkdirAll(filepath.Join(runDir, "images"), 0o755); err != nil {
		_, _ = s.jobs.Update(qj.jobID, func(r *jobstore.Record) {
			r.Status = jobstore.StatusFailed
			r.Error = fmt.Sprintf("create run dir: %v", err)
		})
		return
	}

	started, _ := s.jobs.Update(qj.jobID, func(r *jobstore.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = jobstore.StatusRunning
		r.DeviceID = deviceID
		r.RunDir = runDir
		r.StartedAt = time.Now().UTC().Format(time.RFC3339)
	})
	if started.Status != jobstore.StatusRunning {
		log.Info().Msg("job stopped while waiting for a device, skipping")
		return
	}

	log.Info().Str("device_id", deviceID).Str("run_dir", runDir).Msg("job started")

	result, runErr := s.execute(runCtx, qj.req, qj.jobID, deviceID, runDir)

	finishedAt := time.Now().UTC().Format(time.RFC3339)
	_, _ = s.jobs.Update(qj.jobID, func(r *jobstore.Record) {
		if run.wasStopped() {
			r.Status = jobstore.StatusStopped
		} else if runErr != nil {
			r.Status = jobstore.StatusFailed
			r.Error = runErr.Error()
		} else if result.Completed {
			r.Status = jobstore.StatusSuccess
		} else {
			r.Status = jobstore.StatusFailed
			r.Error = "task not completed within the step budget"
		}
		r.FinishedAt = finishedAt
	})

	if runErr != nil {
		log.Error().Err(runErr).Msg("job finished with error")
	} else {
		log.Info().Bool("completed", result.Completed).Msg("job finished")
	}
}

// execute spawns the job's taskctl subprocess and supervises it: each job
// gets its own process, own device driver, own LLM client, so a wedged run
// on one device can never bleed state into another and a stop can be
// enforced at the OS level rather than hoping an in-process goroutine
// notices its context was cancelled. It blocks until the subprocess exits,
// is stopped (SIGTERM, escalating to SIGKILL after gracefulStopTimeout), or
// ctx is cancelled for some other reason (e.g. service shutdown).
func (s *Service) execute(ctx context.Context, req RunRequest, jobID, deviceID, runDir string) (orchestrator.Result, error) {
	runtimeCfg := s.loadRuntimeConfig()

	perceptionMode := req.PerceptionMode
	if perceptionMode == "" {
		perceptionMode = "vllm"
	}
	maxStep := req.MaxStep
	if maxStep <= 0 {
		maxStep = runtimeCfg.MaxStep
	}
	platform := req.Platform
	if platform == "" {
		platform = "android"
	}

	args := []string{
		"--user-id", req.UserID,
		"--instruction", req.Instruction,
		"--app-name", req.AppName,
		"--run-dir", runDir,
		"--device-id", deviceID,
		"--platform", platform,
		"--perception-mode", perceptionMode,
		"--max-step", strconv.Itoa(maxStep),
		"--stagnation-threshold", strconv.FormatFloat(runtimeCfg.StagnationThreshold, 'f', -1, 64),
		"--error-threshold-window", strconv.Itoa(runtimeCfg.ErrorThresholdWindow),
		"--tricks-path", filepath.Join(s.cfg.ArtifactRoot, "tricks.json"),
	}
	if req.ADBPath != "" {
		args = append(args, "--adb-path", req.ADBPath)
	}
	if req.HDCPath != "" {
		args = append(args, "--hdc-path", req.HDCPath)
	}

	cmd := exec.Command(s.cfg.TaskctlPath, args...)
	cmd.Env = append(os.Environ(), "TASKCTL_TASK_ID="+s.ids.Generate().String())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return orchestrator.Result{}, fmt.Errorf("jobservice: start taskctl: %w", err)
	}

	_, _ = s.jobs.Update(jobID, func(r *jobstore.Record) {
		r.PID = cmd.Process.Pid
		r.Command = append([]string{s.cfg.TaskctlPath}, args...)
		r.RunDirs = append(r.RunDirs, runDir)
	})

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitDone:
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case runErr = <-waitDone:
		case <-time.After(gracefulStopTimeout):
			_ = cmd.Process.Kill()
			runErr = <-waitDone
		}
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return orchestrator.Result{}, fmt.Errorf("jobservice: taskctl: %w: %s", runErr, msg)
		}
		return orchestrator.Result{}, fmt.Errorf("jobservice: taskctl: %w", runErr)
	}
	return orchestrator.Result{Completed: true}, nil
}
