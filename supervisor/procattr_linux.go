//go:build linux

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// sysProcAttr puts the child in its own process group, and asks the kernel to SIGKILL it if we die first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// signalGroup signals the whole process group of p, so that anything the child forked goes away too.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
