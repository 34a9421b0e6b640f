//go:build unix

package procutil

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// killTree terminates the process group rooted at pid. Children are
// spawned with Setpgid (see SetSysProcAttr), so a negative pid reaches
// the whole tree. SIGTERM first, SIGKILL after the grace period if the
// group leader is still alive.
func killTree(pid int, grace time.Duration) error {
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil // Already gone.
		}
		return err
	}

	// Poll for exit during the grace period; signal 0 probes liveness.
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// signalGroup signals the process group, falling back to the single
// process when the child was not started with its own group.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
		return err
	}
	return syscall.Kill(pid, sig)
}

// SetSysProcAttr puts the child in its own process group so the whole
// tree can be signalled as one unit.
func SetSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
