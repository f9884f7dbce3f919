//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

const sessionsSupported = true

func shellCandidates() []string {
	return []string{"bash", "sh"}
}

func shellArgs(script string) []string {
	return []string{"-c", script}
}

// setProcGroup puts the child in its own process group so signals reach
// the whole command tree, not just the shell.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
