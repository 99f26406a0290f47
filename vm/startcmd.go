package vm

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"vmtestdriver/pkg/machineconfig"
	"vmtestdriver/pkg/osutil"
)

// StartCommand builds and launches the guest subprocess. It is the one
// collaborator callers are expected to substitute (e.g. to drive a
// different emulator, or to wrap the real one for a dry-run test of the
// Machine Handle itself).
type StartCommand interface {
	// Args returns the emulator argv, given the paths of the monitor and
	// shell unix sockets the handle has already bound.
	Args(monitorPath, shellPath string) ([]string, error)
	// Run starts the subprocess with cwd, env and stdout/stderr wired the
	// way the handle requires (detached stdin, captured stdout+stderr
	// merged onto the returned reader).
	Run(stateDir, sharedDir string, args []string) (cmd *exec.Cmd, stdout io.ReadCloser, err error)
}

// QemuStartCommand is the default StartCommand: it assembles the flag set
// from §6 of the driver spec and runs qemu-system-* (or whatever binary the
// config names).
type QemuStartCommand struct {
	Binary string
	CPU    int
	Mem    int
	Image  string
	Kernel string
	Extra  []string

	AllowReboot bool
}

// NewQemuStartCommand builds a QemuStartCommand from a machineconfig.Config.
func NewQemuStartCommand(cfg *machineconfig.Config) *QemuStartCommand {
	return &QemuStartCommand{
		Binary:      cfg.Qemu,
		CPU:         cfg.CPU,
		Mem:         cfg.Mem,
		Image:       cfg.Image,
		Kernel:      cfg.Kernel,
		Extra:       cfg.ExtraArgs,
		AllowReboot: cfg.AllowReboot,
	}
}

func (c *QemuStartCommand) Args(monitorPath, shellPath string) ([]string, error) {
	if c.Binary == "" {
		return nil, fmt.Errorf("qemu: binary not set")
	}
	args := []string{
		"-m", strconv.Itoa(c.Mem),
		"-smp", strconv.Itoa(c.CPU),
		"-monitor", "unix:" + monitorPath,
		"-chardev", "socket,id=shell,path=" + shellPath,
		"-device", "virtio-serial",
		"-device", "virtconsole,chardev=shell",
		"-serial", "stdio",
	}
	if !c.AllowReboot {
		args = append(args, "-no-reboot")
	}
	if displayAvailable() {
		args = append(args, "-nographic")
	}
	if c.Image != "" {
		args = append(args, "-drive", "file="+c.Image+",format=raw")
	}
	if c.Kernel != "" {
		args = append(args, "-kernel", c.Kernel, "-append", "root=/dev/sda console=ttyS0")
	}
	if opts := os.Getenv("QEMU_OPTS"); opts != "" {
		args = append(args, strings.Fields(opts)...)
	}
	args = append(args, c.Extra...)
	return args, nil
}

func displayAvailable() bool {
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

func (c *QemuStartCommand) Run(stateDir, sharedDir string, args []string) (*exec.Cmd, io.ReadCloser, error) {
	cmd := osutil.Command(c.Binary, args...)
	cmd.Dir = stateDir
	cmd.Env = buildEnvironment(stateDir, sharedDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = cmd.Stdout // merge stderr onto the same pipe the serial reader consumes
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	return cmd, stdout, nil
}

// buildEnvironment merges the current environment with the three variables
// the guest's start script relies on. Returning the merged environment (rather than
// chaining dict(...).update(...) the way the original driver's
// BaseStartCommand.build_environment did, which silently returns None) is
// the one behavioral fix callers depend on.
func buildEnvironment(stateDir, sharedDir string) []string {
	env := os.Environ()
	env = append(env,
		"TMPDIR="+stateDir,
		"SHARED_DIR="+sharedDir,
		"USE_TMPDIR=1",
	)
	return env
}
