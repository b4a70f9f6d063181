//go:build !windows

package tools

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts cmd as the leader of a new process group and
// makes cancellation kill the whole group, so background children go too.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
