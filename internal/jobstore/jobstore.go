// Package jobstore persists Job Service job records to LevelDB so a
// status lookup survives a Job Service restart — the durable half of the
// original's JSON-per-job JobStore, rebuilt on the teacher's async-write
// LevelDB pattern instead of one file per job.
package jobstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// Status is the job lifecycle state. Exactly one terminal state
// ("success", "failed", "stopped") is ever reached, from "queued" or
// "running".
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Terminal reports whether s is one of the three states a job never
// leaves once reached.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusStopped
}

// Record is one job's full persisted state.
type Record struct {
	JobID      string   `json:"job_id"`
	UserID     string   `json:"user_id"`
	Status     Status   `json:"status"`
	CreatedAt  string   `json:"created_at"`
	StartedAt  string   `json:"started_at,omitempty"`
	FinishedAt string   `json:"finished_at,omitempty"`
	DeviceID   string   `json:"device_id,omitempty"`
	RunDir     string   `json:"run_dir,omitempty"`
	RunDirs    []string `json:"run_dirs,omitempty"`
	Command    []string `json:"command,omitempty"`
	PID        int      `json:"pid,omitempty"`
	Error      string   `json:"error,omitempty"`
}

const writeQueueSize = 256

// Store is the LevelDB-backed job record table. Create/Get are
// synchronous (status lookups must reflect the latest write); Update is
// async, matching the teacher's memory Store's "hot path never blocks on
// disk" write pattern, since update calls happen from the worker's
// process-supervision hot loop.
type Store struct {
	db      *leveldb.DB
	writeCh chan Record

	mu    sync.Mutex
	cache map[string]Record // read-through cache, avoids a LevelDB round trip on every Get
}

// New opens (or creates) a LevelDB database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", dbPath, err)
	}
	s := &Store{
		db:      db,
		writeCh: make(chan Record, writeQueueSize),
		cache:   make(map[string]Record),
	}
	return s, nil
}

// Run drains the async write queue until done is closed, then closes
// the database. Callers start this once in a background goroutine.
func (s *Store) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			s.drain()
			if err := s.db.Close(); err != nil {
				slog.Warn("jobstore: close error", "error", err)
			}
			return
		case rec := <-s.writeCh:
			s.persist(rec)
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case rec := <-s.writeCh:
			s.persist(rec)
		default:
			return
		}
	}
}

// Create writes a brand-new job record synchronously, so a subsequent
// Get from any caller (including a concurrent status poll) observes it
// immediately.
func (s *Store) Create(rec Record) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.persist(rec)
}

// Update merges fn's mutation into the stored record and enqueues the
// result for async persistence. The in-memory cache is updated
// synchronously so an immediately-following Get sees the change even
// before the write queue drains.
func (s *Store) Update(jobID string, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	rec, ok := s.cache[jobID]
	s.mu.Unlock()
	if !ok {
		var err error
		rec, err = s.Get(jobID)
		if err != nil {
			return Record{}, err
		}
	}
	fn(&rec)

	s.mu.Lock()
	s.cache[jobID] = rec
	s.mu.Unlock()

	select {
	case s.writeCh <- rec:
	default:
		slog.Warn("jobstore: write queue full, persisting synchronously", "job_id", jobID)
		if err := s.persist(rec); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Get returns the record for jobID, preferring the in-memory cache.
func (s *Store) Get(jobID string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.cache[jobID]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}

	data, err := s.db.Get([]byte(jobID), nil)
	if err != nil {
		return Record{}, fmt.Errorf("jobstore: get %s: %w", jobID, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("jobstore: unmarshal %s: %w", jobID, err)
	}
	s.mu.Lock()
	s.cache[jobID] = rec
	s.mu.Unlock()
	return rec, nil
}

// PutRaw stores an arbitrary byte blob under key, bypassing the Record
// schema — used for small singleton documents like the Job Service's
// runtime-tunable config that don't fit the per-job record shape.
func (s *Store) PutRaw(key string, data []byte) error {
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("jobstore: put raw %s: %w", key, err)
	}
	return nil
}

// GetRaw returns the byte blob stored under key.
func (s *Store) GetRaw(key string) ([]byte, error) {
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: get raw %s: %w", key, err)
	}
	return data, nil
}

// List returns every job ID currently persisted, for batch operations
// like internal/reporting's aggregate summary — it is the one place this
// store needs a full scan rather than a point lookup, so it iterates the
// underlying LevelDB directly instead of going through the cache.
func (s *Store) List() ([]string, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		key := string(iter.Key())
		if key == runtimeConfigKeyPlaceholder {
			continue
		}
		ids = append(ids, key)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	return ids, nil
}

// runtimeConfigKeyPlaceholder mirrors jobservice's runtimeConfigKey
// constant so List can skip the singleton config document — duplicated
// here rather than imported, since jobstore must not depend on jobservice.
const runtimeConfigKeyPlaceholder = "runtime_config"

func (s *Store) persist(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobstore: marshal %s: %w", rec.JobID, err)
	}
	if err := s.db.Put([]byte(rec.JobID), data, nil); err != nil {
		return fmt.Errorf("jobstore: put %s: %w", rec.JobID, err)
	}
	s.mu.Lock()
	s.cache[rec.JobID] = rec
	s.mu.Unlock()
	return nil
}
