package driver

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the engine go away with us.
func killAfterParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
