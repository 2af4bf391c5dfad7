//go:build windows

package browser

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {
	// Job-object management is not wired on Windows; the browser is
	// signaled directly by PID.
}

// terminateProcess has no graceful signal on Windows; both paths kill.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// canExecute reports whether path exists as a regular file. Windows has
// no execute bit; existence is the discovery criterion.
func canExecute(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
