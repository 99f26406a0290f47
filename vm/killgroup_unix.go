//go:build unix

package vm

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killProcessGroup signals the whole process group QemuStartCommand
// created with Setpgid, so helper processes QEMU itself spawns (e.g. a
// slirp helper) do not outlive it. A child that does not lead its own
// group (e.g. one started by a substitute StartCommand) is killed alone.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err == nil && pgid == cmd.Process.Pid {
			unix.Kill(-pgid, syscall.SIGKILL)
		} else {
			cmd.Process.Kill()
		}
	}
	cmd.Wait()
}
