//go:build windows

package procutil

import (
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// killTree terminates pid and all descendants. Windows has no process
// groups in the POSIX sense, so taskkill's tree kill is used directly.
// The grace period is unused: /T /F is already the forceful path.
func killTree(pid int, _ time.Duration) error {
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		// "not found" means the tree already exited — idempotent no-op.
		if strings.Contains(strings.ToLower(string(out)), "not found") {
			return nil
		}
		return err
	}
	return nil
}

// SetSysProcAttr is a no-op on Windows; taskkill /T handles descendants
// without group membership.
func SetSysProcAttr(_ *exec.Cmd) {}
