// Package devicepool hands out device IDs to the Job Service's worker
// pool: a buffered-channel queue instead of the teacher's pub/sub bus, but
// the same "non-blocking publish, blocking subscribe" channel shape.
package devicepool

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// connectSettleDelay gives a freshly-issued "adb connect" a moment to land
// before the follow-up state check, matching the original's fixed 1s pause.
const connectSettleDelay = 1 * time.Second

const defaultAdbPath = "adb"

// Pool is a fixed set of device IDs, checked out one at a time. Devices
// never leave the pool permanently — Release always returns a checked-out
// ID to circulation, even one that later turns out to be offline; the
// EnsureConnected preflight the Job Service runs after each Acquire
// catches that.
type Pool struct {
	idle    chan string
	all     map[string]bool
	adbPath string

	mu   sync.Mutex
	user map[string]string // user ID -> job ID currently occupying that user's single flight slot
}

// New builds a Pool from a fixed device ID list. adbPath defaults to "adb"
// on the PATH when empty.
func New(deviceIDs []string, adbPath string) *Pool {
	if adbPath == "" {
		adbPath = defaultAdbPath
	}
	p := &Pool{
		idle:    make(chan string, len(deviceIDs)),
		all:     make(map[string]bool, len(deviceIDs)),
		adbPath: adbPath,
		user:    make(map[string]string),
	}
	for _, id := range deviceIDs {
		p.all[id] = true
		p.idle <- id
	}
	return p
}

// Size reports how many devices this pool manages in total.
func (p *Pool) Size() int { return len(p.all) }

// Acquire blocks until a device is idle or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case id := <-p.idle:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release returns deviceID to the idle pool. Releasing an ID that is not
// part of this Pool is a silent no-op — the original's release() has the
// same "only known devices" guard. Release does not check whether a known
// ID is currently checked out.
func (p *Pool) Release(deviceID string) {
	if p.all[deviceID] {
		p.idle <- deviceID
	}
}

// EnsureConnected reports whether deviceID is reachable, attempting one
// "adb connect" for network device IDs (those containing ":") that come
// back offline. A non-network device ID that is offline cannot be
// auto-repaired and this reports false.
func (p *Pool) EnsureConnected(ctx context.Context, deviceID string) bool {
	if !p.isOffline(ctx, deviceID) {
		return true
	}
	if !strings.Contains(deviceID, ":") {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(cctx, p.adbPath, "connect", deviceID).Run()
	time.Sleep(connectSettleDelay)
	return !p.isOffline(ctx, deviceID)
}

func (p *Pool) isOffline(ctx context.Context, deviceID string) bool {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, p.adbPath, "-s", deviceID, "get-state").CombinedOutput()
	if err != nil {
		return true
	}
	return !strings.Contains(string(out), "device")
}

// TryStartUserJob records jobID as user's active job if the user has none
// in flight. It reports whether the claim succeeded — the per-user
// single-flight gate the Job Service's /run endpoint enforces.
func (p *Pool) TryStartUserJob(userID, jobID string) (ok bool, existingJobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, busy := p.user[userID]; busy {
		return false, existing
	}
	p.user[userID] = jobID
	return true, ""
}

// FinishUserJob clears user's active job slot, but only if it still holds
// jobID — a stale release (e.g. a superseded job) must not clobber a
// newer one.
func (p *Pool) FinishUserJob(userID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user[userID] == jobID {
		delete(p.user, userID)
	}
}
