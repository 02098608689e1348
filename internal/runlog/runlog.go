// Package runlog is the per-run artifact writer: it owns everything an
// orchestrator run leaves on disk besides step screenshots — the rolling
// chat transcript, the line-prefixed terminal log, and the three final
// summary documents (task_results.json, script.json, infopool.json). It is
// the Go counterpart of the original's ReportService plus its terminal
// echo, adapted from the teacher's tasklog.Registry JSONL-writer idiom:
// nil-safe methods, one mutex-protected file handle per concern, and a
// Close that never leaves a dangling file descriptor.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChatTurn is one logged agent call, written as a single JSONL line,
// grounded on the original log service's append_chat_log entry shape
// (step, role, output) — prompt text itself is out of scope, so only the
// parsed output each agent committed to state is recorded.
type ChatTurn struct {
	Step   int    `json:"step"`
	Role   string `json:"role"` // "planner" | "executor" | "reflector" | "path_summarizer" | "recorder" | "task_judge"
	Output string `json:"output"`
}

// Writer owns one run's chat log and terminal log files. Create one per
// run; call Close when the run ends.
type Writer struct {
	runDir string

	mu       sync.Mutex
	chatFile *os.File
	termFile *os.File
}

// New creates the chat/ and terminallog/ subdirectories under runDir and
// opens their append-only log files.
func New(runDir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(runDir, "chat"), 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create chat dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "terminallog"), 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create terminallog dir: %w", err)
	}

	chatFile, err := os.OpenFile(filepath.Join(runDir, "chat", "chat_log.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open chat log: %w", err)
	}
	termFile, err := os.OpenFile(filepath.Join(runDir, "terminallog", "stdout.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = chatFile.Close()
		return nil, fmt.Errorf("runlog: open terminal log: %w", err)
	}

	return &Writer{runDir: runDir, chatFile: chatFile, termFile: termFile}, nil
}

// Chat appends one agent turn to chat_log.jsonl.
func (w *Writer) Chat(step int, role, output string) {
	if w == nil {
		return
	}
	line, err := json.Marshal(ChatTurn{Step: step, Role: role, Output: output})
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chatFile == nil {
		return
	}
	_, _ = fmt.Fprintf(w.chatFile, "%s\n", line)
}

// Printf writes one line-prefixed entry to terminallog/stdout.log,
// matching spec.md's command-echoing convention: every line is stamped
// with a timestamp so the log reads like a supervised subprocess's
// captured stdout.
func (w *Writer) Printf(format string, args ...any) {
	if w == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.termFile == nil {
		return
	}
	_, _ = fmt.Fprintf(w.termFile, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

// Close flushes and closes both log files. Safe to call once; a nil
// receiver or a second call are both no-ops.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if w.chatFile != nil {
		firstErr = w.chatFile.Close()
		w.chatFile = nil
	}
	if w.termFile != nil {
		if err := w.termFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.termFile = nil
	}
	return firstErr
}

// TaskResults is the shape persisted to task_results.json — the run's
// final, user-facing summary. Grounded on the original ReportService's
// save_task_results, dropping its output-language translation (a
// prompt-library concern this module treats as out of scope).
type TaskResults struct {
	Goal            string         `json:"goal"`
	StartDTime      string         `json:"start_dtime"`
	FinishDTime     string         `json:"finish_dtime"`
	StepLimit       float64        `json:"step_limit"`
	TaskStatus      string         `json:"task_status"`
	TestStatusReport string        `json:"test_status_report"`
	TokenUsage      map[string]int `json:"token_usage,omitempty"`
	TotalTokens     int            `json:"total_tokens"`
	ExecutionSteps  int            `json:"execution_steps"`
}

// SaveTaskResults writes task_results.json under runDir.
func SaveTaskResults(runDir string, r TaskResults) error {
	return writeJSON(filepath.Join(runDir, "task_results.json"), r)
}

// ScriptSubgoal is one entry in script.json's subgoal list.
type ScriptSubgoal struct {
	Subgoal string `json:"subgoal"`
}

// Script is the shape persisted to script.json: the plan the planner
// committed to and the subgoals it was broken into, grounded on the
// original ReportService's save_script_data.
type Script struct {
	TotalPlan string          `json:"total_plan"`
	Subgoals  []ScriptSubgoal `json:"subgoals"`
}

// SaveScript writes script.json under runDir.
func SaveScript(runDir string, s Script) error {
	return writeJSON(filepath.Join(runDir, "script.json"), s)
}

// Infopool is the shape persisted to infopool.json: the full planning
// history a human reviewer or the reporting module reads back, grounded
// on the original ReportService's save_infopool_data.
type Infopool struct {
	Plans                    []string `json:"plans"`
	CompletedSubgoals        []string `json:"completed_subgoals"`
	CompletedSubgoalsSummary []string `json:"completed_subgoals_summary"`
	Progress                 []string `json:"progress"`
	TotalPlan                string   `json:"total_plan"`
}

// SaveInfopool writes infopool.json under runDir.
func SaveInfopool(runDir string, p Infopool) error {
	return writeJSON(filepath.Join(runDir, "infopool.json"), p)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runlog: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runlog: write %s: %w", filepath.Base(path), err)
	}
	return nil
}
