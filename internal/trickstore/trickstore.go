// Package trickstore persists the per-app tips the Task Judge agent
// extracts at the end of a run (spec §9): a single JSON file keyed by app
// name, deduplicated on (type, title, content), shared across every task
// run against that app rather than scoped to one run's log directory.
package trickstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/scenagent/mobiletaskctl/internal/types"
)

// Entry is one persisted trick, enriched with the provenance fields the
// original records alongside the bare type/title/content.
type Entry struct {
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Tags            []string `json:"tags,omitempty"`
	EvidenceSteps   []int    `json:"evidence_steps,omitempty"`
	CreatedAt       string   `json:"created_at"`
	RunDir          string   `json:"run_dir"`
	TaskInstruction string   `json:"task_instruction"`
	TaskStatus      string   `json:"task_status"`
}

// Store is a single JSON file, mutex-serialized against concurrent task
// runs appending to it.
type Store struct {
	mu   sync.Mutex
	path string
}

// New binds a Store to a file path. The file is created on first Persist
// call; Top returns an empty result if it does not exist yet.
func New(path string) *Store { return &Store{path: path} }

// Persist appends any tricks not already recorded for appName, keyed by
// (Type, Title, Content). An empty tricks slice is a no-op — it does not
// even open the file.
func (s *Store) Persist(appName string, tricks []types.Trick, runDir, taskInstruction, taskStatus, createdAt string) error {
	if len(tricks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}

	bucket := data[appName]
	seen := make(map[[3]string]bool, len(bucket))
	for _, e := range bucket {
		seen[[3]string{e.Type, e.Title, e.Content}] = true
	}

	for _, t := range tricks {
		if t.Title == "" && t.Content == "" {
			continue
		}
		key := [3]string{t.Type, t.Title, t.Content}
		if seen[key] {
			continue
		}
		seen[key] = true
		bucket = append(bucket, Entry{
			Type: t.Type, Title: t.Title, Content: t.Content,
			CreatedAt: createdAt, RunDir: runDir,
			TaskInstruction: taskInstruction, TaskStatus: taskStatus,
		})
	}
	data[appName] = bucket
	return s.save(data)
}

// Top returns up to k tricks for appName, most recently persisted first —
// the shape the orchestrator injects into the planner/executor additional
// knowledge hints at the start of a new run against the same app.
func (s *Store) Top(appName string, k int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	bucket := data[appName]
	if k <= 0 || k > len(bucket) {
		k = len(bucket)
	}
	out := make([]Entry, 0, k)
	for i := len(bucket) - 1; i >= 0 && len(out) < k; i-- {
		out = append(out, bucket[i])
	}
	return out, nil
}

func (s *Store) load() (map[string][]Entry, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trickstore: read: %w", err)
	}
	var m map[string][]Entry
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("trickstore: unmarshal: %w", err)
	}
	if m == nil {
		m = map[string][]Entry{}
	}
	return m, nil
}

func (s *Store) save(data map[string][]Entry) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("trickstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return fmt.Errorf("trickstore: write: %w", err)
	}
	return nil
}
