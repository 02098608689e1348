package jobservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/scenagent/mobiletaskctl/internal/jobstore"
	"github.com/scenagent/mobiletaskctl/internal/orchestrator"
	"github.com/scenagent/mobiletaskctl/internal/stagnation"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := jobstore.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := make(chan struct{})
	go store.Run(done)
	t.Cleanup(func() { close(done) })

	svc, err := New(Config{ArtifactRoot: t.TempDir(), QueueSize: 2}, []string{"emulator-5554"}, "adb", store, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestSubmit_SecondRequestFromSameUserIsRejected(t *testing.T) {
	s := newTestService(t)
	req := RunRequest{UserID: "alice", Instruction: "turn on wifi", AppName: "Settings"}

	jobID, ok, existing := s.Submit(req)
	if !ok || jobID == "" || existing != "" {
		t.Fatalf("expected first submit to succeed, got ok=%v jobID=%q existing=%q", ok, jobID, existing)
	}

	_, ok2, existing2 := s.Submit(req)
	if ok2 || existing2 != jobID {
		t.Fatalf("expected second submit to be rejected with existing %q, got ok=%v existing=%q", jobID, ok2, existing2)
	}
}

func TestSubmit_QueueFullReleasesUserSlot(t *testing.T) {
	s := newTestService(t)

	// Fill the queue (size 2) without draining it — no worker is running.
	// Each fill uses a distinct user so the single-flight gate doesn't
	// reject the second submission before it ever reaches the queue.
	for i, user := range []string{"userA1", "userA2"} {
		if _, ok, _ := s.Submit(RunRequest{UserID: user, Instruction: "x", AppName: "Y"}); !ok {
			t.Fatalf("expected submit %d to succeed", i)
		}
	}

	jobID, ok, _ := s.Submit(RunRequest{UserID: "userB", Instruction: "x", AppName: "Y"})
	if ok {
		t.Fatal("expected submit to fail once the queue is full")
	}

	rec, err := s.jobs.Get(jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != jobstore.StatusFailed {
		t.Errorf("expected failed status for a queue-full submission, got %q", rec.Status)
	}

	// The user's single-flight slot must be released so they can retry.
	if _, ok, existing := s.devices.TryStartUserJob("userB", "job-retry"); !ok || existing != "" {
		t.Errorf("expected userB's slot to be free after queue-full rejection, ok=%v existing=%q", ok, existing)
	}
}

func TestStop_IdempotentOnTerminalJob(t *testing.T) {
	s := newTestService(t)
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Stop("job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != jobstore.StatusSuccess {
		t.Errorf("expected stop to leave a terminal job's status untouched, got %q", rec.Status)
	}
}

func TestStop_QueuedJobBecomesStopped(t *testing.T) {
	s := newTestService(t)
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusQueued}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Stop("job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != jobstore.StatusStopped {
		t.Errorf("expected queued job to become stopped, got %q", rec.Status)
	}
}

func TestRunOne_SkipsJobStoppedWhileQueued(t *testing.T) {
	s := newTestService(t)
	qj := queuedJob{jobID: "job-1", req: RunRequest{UserID: "alice", Instruction: "x", AppName: "Y"}}
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", UserID: "alice", Status: jobstore.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stop("job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// runOne must notice the job is already terminal and return without
	// touching the device pool or attempting to execute anything.
	s.runOne(context.Background(), qj)

	rec, err := s.jobs.Get("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != jobstore.StatusStopped {
		t.Errorf("expected job to remain stopped, got %q", rec.Status)
	}

	// The device must still be idle — runOne must never have called Acquire.
	acquireCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.devices.Acquire(acquireCtx); err != nil {
		t.Errorf("expected the device to still be idle, acquire failed: %v", err)
	}
}

func TestHandleStatus_UnknownJobReturns404(t *testing.T) {
	s := newTestService(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/no-such-job", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleDownload_AliasResolvesToRunDirFile(t *testing.T) {
	s := newTestService(t)
	runDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(runDir, "task_results.json"), []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusSuccess, RunDir: runDir}); err != nil {
		t.Fatal(err)
	}

	router := s.Router()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/download/job-1/task_results", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("got body %q", body)
	}
}

func TestHandleDownload_PathTraversalIsRejected(t *testing.T) {
	s := newTestService(t)
	runDir := t.TempDir()
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusSuccess, RunDir: runDir}); err != nil {
		t.Fatal(err)
	}

	router := s.Router()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/download/job-1/../../../../etc/passwd", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected traversal attempt to be rejected, got 200: %s", w.Body.String())
	}
}

func TestHandleDownload_UnknownArtifactReturns404(t *testing.T) {
	s := newTestService(t)
	runDir := t.TempDir()
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusSuccess, RunDir: runDir}); err != nil {
		t.Fatal(err)
	}

	router := s.Router()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/download/job-1/images/step_0.png", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing artifact, got %d", w.Code)
	}
}

// fakeTaskctl writes an executable shell script standing in for the real
// taskctl binary, so execute()'s subprocess-supervision path can be
// exercised without a compiled taskctl binary on PATH.
func fakeTaskctl(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskctl")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestExecute_SpawnsSubprocessAndTracksPID(t *testing.T) {
	s := newTestService(t)
	s.cfg.TaskctlPath = fakeTaskctl(t, "exit 0\n")

	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusRunning}); err != nil {
		t.Fatal(err)
	}

	result, err := s.execute(context.Background(), RunRequest{UserID: "alice", Instruction: "turn on wifi", AppName: "Settings"}, "job-1", "emulator-5554", t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Completed {
		t.Error("expected Completed=true on a zero exit")
	}

	rec, err := s.jobs.Get("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PID == 0 {
		t.Error("expected PID to be recorded")
	}
	if len(rec.Command) == 0 || !strings.Contains(rec.Command[0], "taskctl") {
		t.Errorf("expected Command to record the taskctl invocation, got %v", rec.Command)
	}
}

func TestExecute_NonZeroExitIsAnError(t *testing.T) {
	s := newTestService(t)
	s.cfg.TaskctlPath = fakeTaskctl(t, "echo boom >&2\nexit 1\n")

	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusRunning}); err != nil {
		t.Fatal(err)
	}

	_, err := s.execute(context.Background(), RunRequest{UserID: "alice", Instruction: "x", AppName: "Y"}, "job-1", "emulator-5554", t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected captured stderr in error, got %v", err)
	}
}

func TestExecute_ContextCancelSendsSIGTERM(t *testing.T) {
	s := newTestService(t)
	s.cfg.TaskctlPath = fakeTaskctl(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n")

	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusRunning}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := s.execute(ctx, RunRequest{UserID: "alice", Instruction: "x", AppName: "Y"}, "job-1", "emulator-5554", t.TempDir())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected the trapped SIGTERM to exit cleanly, got %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("expected execute to return well before the SIGKILL escalation timeout")
	}
}

func TestHandleReport_AggregatesCompletedJobs(t *testing.T) {
	s := newTestService(t)
	router := s.Router()

	runDir := filepath.Join(s.cfg.ArtifactRoot, "job-1")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "task_results.json"), []byte(`{"goal":"turn on wifi","task_status":"completed","execution_steps":3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.jobs.Create(jobstore.Record{JobID: "job-1", Status: jobstore.StatusSuccess, RunDir: runDir}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/report", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "turn on wifi") {
		t.Errorf("expected aggregated CSV to contain the job's goal, got %q", w.Body.String())
	}
}

func TestJobstoreList_ReturnsCreatedJobIDs(t *testing.T) {
	s := newTestService(t)
	if err := s.jobs.Create(jobstore.Record{JobID: "job-a", Status: jobstore.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	if err := s.jobs.Create(jobstore.Record{JobID: "job-b", Status: jobstore.StatusQueued}); err != nil {
		t.Fatal(err)
	}

	ids, err := s.jobs.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found["job-a"] || !found["job-b"] {
		t.Errorf("expected both job IDs in list, got %v", ids)
	}
}

func TestHandleConfig_DefaultsThenPatches(t *testing.T) {
	s := newTestService(t)
	router := s.Router()

	if got := s.loadRuntimeConfig(); got.MaxStep != orchestrator.DefaultMaxStep {
		t.Fatalf("expected default max step before any patch, got %d", got.MaxStep)
	}

	body, _ := json.Marshal(RuntimeConfig{MaxStep: 40})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	cfg := s.loadRuntimeConfig()
	if cfg.MaxStep != 40 {
		t.Errorf("expected patched max step 40, got %d", cfg.MaxStep)
	}
	if cfg.StagnationThreshold != stagnation.DefaultThreshold {
		t.Errorf("expected unpatched field to keep its default, got %v", cfg.StagnationThreshold)
	}
}

func TestHandleUpload_RejectsUnsupportedExtension(t *testing.T) {
	s := newTestService(t)
	router := s.Router()

	var buf bytes.Buffer
	w0 := multipart.NewWriter(&buf)
	fw, _ := w0.CreateFormFile("file", "notes.txt")
	_, _ = fw.Write([]byte("hello"))
	_ = w0.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", w0.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unsupported extension, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpload_SavesScenarioJSON(t *testing.T) {
	s := newTestService(t)
	router := s.Router()

	var buf bytes.Buffer
	w0 := multipart.NewWriter(&buf)
	fw, _ := w0.CreateFormFile("file", "scenario.json")
	_, _ = fw.Write([]byte(`{"steps":[]}`))
	_ = w0.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", w0.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	entries, err := os.ReadDir(filepath.Join(s.cfg.ArtifactRoot, "scenarios"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one saved scenario file, got %d", len(entries))
	}
}
