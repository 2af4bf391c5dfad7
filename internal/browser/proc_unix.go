//go:build !windows

package browser

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr places the browser in its own process group so signals
// reach the whole browser process tree.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup signals the process group when one exists, falling back
// to the process itself.
func signalGroup(pid int, sig unix.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}

// terminateProcess requests graceful termination.
func terminateProcess(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killProcess forcefully terminates the process.
func killProcess(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// canExecute reports whether path is a regular file with an execute bit.
func canExecute(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
