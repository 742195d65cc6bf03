//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func configureCommand(cmd *exec.Cmd) {}

// There is no SIGTERM here, so both phases kill.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
