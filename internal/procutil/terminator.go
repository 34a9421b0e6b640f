// Package procutil provides cross-platform process-tree termination for
// every subprocess the orchestrator owns (upstream MCP servers and
// isolation hosts). Killing only the direct child is not enough: MCP
// servers launched through npx/uvx and sandbox runners routinely spawn
// their own descendants, which must not outlive an unload or teardown.
package procutil

import (
	"log/slog"
	"sync"
	"time"
)

const defaultGracePeriod = 2 * time.Second

// Terminator tracks spawned subprocess pids and kills whole process
// trees. Terminate is idempotent: a pid that already exited is a no-op.
type Terminator struct {
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[int]string // pid -> label, for diagnostics only.
}

// NewTerminator creates a Terminator with the default grace period.
func NewTerminator(logger *slog.Logger) *Terminator {
	return &Terminator{
		grace:   defaultGracePeriod,
		logger:  logger,
		tracked: make(map[int]string),
	}
}

// Track registers a live subprocess pid. The label identifies the owner
// in logs (e.g. "upstream:github" or "sandbox-host").
func (t *Terminator) Track(pid int, label string) {
	if pid <= 0 {
		return
	}
	t.mu.Lock()
	t.tracked[pid] = label
	t.mu.Unlock()
}

// Untrack removes a pid from tracking once it is confirmed terminated.
func (t *Terminator) Untrack(pid int) {
	t.mu.Lock()
	delete(t.tracked, pid)
	t.mu.Unlock()
}

// Terminate kills the process tree rooted at pid: graceful signal first,
// forceful kill after the grace period. Returns nil for dead or unknown
// pids.
func (t *Terminator) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}

	t.mu.Lock()
	label := t.tracked[pid]
	t.mu.Unlock()

	err := killTree(pid, t.grace)
	if err != nil {
		t.logger.Warn("process tree termination failed",
			slog.Int("pid", pid),
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return err
	}

	t.Untrack(pid)
	return nil
}

// TerminateAll kills every tracked process tree. Used during shutdown.
func (t *Terminator) TerminateAll() {
	t.mu.Lock()
	pids := make([]int, 0, len(t.tracked))
	for pid := range t.tracked {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		_ = t.Terminate(pid)
	}
}

// Tracked returns the number of pids currently tracked.
func (t *Terminator) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}
