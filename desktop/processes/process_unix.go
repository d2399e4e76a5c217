//go:build unix

package processes

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// The sidecar leads its own process group so that helpers it forks are
// signalled together with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func interruptProcessTree(p *os.Process) error {
	return signalProcessGroup(p, syscall.SIGINT)
}

func killProcessTree(p *os.Process) error {
	return signalProcessGroup(p, syscall.SIGKILL)
}
