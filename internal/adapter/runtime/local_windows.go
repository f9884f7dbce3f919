//go:build windows

package runtime

import (
	"os"
	"os/exec"
)

const sessionsSupported = false

func shellCandidates() []string {
	if comspec := os.Getenv("ComSpec"); comspec != "" {
		return []string{comspec, "cmd.exe"}
	}
	return []string{"cmd.exe"}
}

func shellArgs(script string) []string {
	return []string{"/C", script}
}

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense; both signals become a
// plain kill of the shell process.
func interruptGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
