//go:build unix

package rexec

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group and replaces the
// default cancel behavior with a group-wide kill, so cancellation reaches
// grandchildren forked by the interpreter.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the whole group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return cmd.Process.Kill()
	}
}
