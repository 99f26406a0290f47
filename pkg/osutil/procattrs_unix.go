//go:build unix

package osutil

import (
	"os/exec"
	"syscall"
)

// setProcAttrs places the child in its own process group so that a later
// group-kill (see vm.Machine.Release) reaps helper processes the emulator
// may have spawned, not just the direct child.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
