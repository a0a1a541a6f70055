package mcp

import (
	"os/exec"
	"syscall"
)

// setProcAttr asks the kernel to kill the subprocess when the host
// process dies, so servers never outlive the registry that owns them.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
