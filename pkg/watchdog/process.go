package watchdog

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Spawn starts exe with args as a detached process in its own session, with
// stdout and stderr appended to logPath. It returns the child's PID.
func Spawn(exe string, args []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open watchdog log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start watchdog: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release watchdog process: %w", err)
	}
	return pid, nil
}

// Stop asks the watchdog with pid to exit. A process that is already gone is
// not an error.
func Stop(pid int) error {
	if pid <= 0 || pid == os.Getpid() {
		return nil
	}
	return terminate(pid)
}

// Running reports whether pid names a live process.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}
