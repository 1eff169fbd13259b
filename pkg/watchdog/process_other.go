//go:build !unix

package watchdog

import (
	"os"
	"syscall"
)

func detachAttr() *syscall.SysProcAttr { return nil }

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
