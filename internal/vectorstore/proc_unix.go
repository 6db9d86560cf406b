//go:build !windows

package vectorstore

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so a terminal ^C aimed
// at us does not also reach the store.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
