//go:build !unix

package processes

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// os.Interrupt is not supported on Windows; Signal then fails and the caller
// falls back to Kill.
func interruptProcessTree(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killProcessTree(p *os.Process) error {
	return p.Kill()
}
