//go:build !unix

package osutil

import "os/exec"

func setProcAttrs(cmd *exec.Cmd) {}
