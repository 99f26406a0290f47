package vm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"vmtestdriver/internal/uds"
	"vmtestdriver/pkg/log"
	"vmtestdriver/pkg/machineconfig"
	"vmtestdriver/pkg/metrics"
	"vmtestdriver/pkg/osutil"
)

// Machine is a handle to one guest: it owns the subprocess, the three
// channels into it (monitor, shell, serial), and the
// fresh → booted → connected → shut state machine described in §3/§4 of
// the driver spec. release() is an emergency exit valid from any booted
// state.
type Machine struct {
	name        string
	tmpDir      string
	stateDir    string
	sharedDir   string
	monitorPath string
	shellPath   string

	keepState bool

	startCommand StartCommand
	logSerial    log.Logger
	logState     log.Logger

	latency *metrics.LatencyTracker

	mu        sync.Mutex
	process   *exec.Cmd
	pid       int
	monitor   *monitorChannel
	shellConn *shellChannel
	lastLines *lineQueue
	reader    *serialReader

	booted    bool
	connected bool

	group singleflight.Group
}

// Config groups the constructor arguments for Machine, mirroring the
// original driver's Machine.__init__.
type Config struct {
	Name         string
	TmpDir       string
	StartCommand StartCommand
	LogSerial    log.Logger
	LogState     log.Logger
	KeepState    bool
	AllowReboot  bool
}

// NewMachine builds a Machine handle. It does not start anything: call
// Start or Connect (or any test-vocabulary operation, which implicitly
// connects) to boot the guest.
func NewMachine(cfg Config) (*Machine, error) {
	name := cfg.Name
	if name == "" {
		name = "machine"
	}
	m := &Machine{
		name:         name,
		tmpDir:       cfg.TmpDir,
		startCommand: cfg.StartCommand,
		logSerial:    cfg.LogSerial,
		logState:     cfg.LogState,
		keepState:    cfg.KeepState,
		latency:      metrics.NewLatencyTracker(20),
		lastLines:    newLineQueue(),
	}
	m.sharedDir = filepath.Join(m.tmpDir, "shared-xchg")
	if err := osutil.MkdirForHandle(m.sharedDir); err != nil {
		return nil, fmt.Errorf("vm %s: creating shared dir: %w", name, err)
	}

	m.stateDir = filepath.Join(m.tmpDir, "vm-state-"+name)
	m.monitorPath = filepath.Join(m.stateDir, "monitor")
	m.shellPath = filepath.Join(m.stateDir, "shell")

	if !m.keepState && osutil.IsExist(m.stateDir) {
		if err := os.RemoveAll(m.stateDir); err != nil {
			return nil, fmt.Errorf("vm %s: clearing state dir: %w", name, err)
		}
		m.logState.Log(fmt.Sprintf("    -> delete state @ %s", m.stateDir))
	}
	if err := osutil.MkdirForHandle(m.stateDir); err != nil {
		return nil, fmt.Errorf("vm %s: creating state dir: %w", name, err)
	}

	return m, nil
}

// NewMachineFromConfig is a convenience constructor wiring the default
// QemuStartCommand from a machineconfig.Config.
func NewMachineFromConfig(name, tmpDir string, cfg *machineconfig.Config, logSerial, logState log.Logger) (*Machine, error) {
	return NewMachine(Config{
		Name:         name,
		TmpDir:       tmpDir,
		StartCommand: NewQemuStartCommand(cfg),
		LogSerial:    logSerial,
		LogState:     logState,
		KeepState:    cfg.KeepState,
		AllowReboot:  cfg.AllowReboot,
	})
}

func (m *Machine) log(format string, args ...any) {
	m.logState.Log(fmt.Sprintf(format, args...))
}

func (m *Machine) nested(message string) log.Region {
	return log.Nested(m.logState, message)
}

// IsUp reports whether the machine is booted and its shell connected.
func (m *Machine) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted && m.connected
}

// Start boots the guest subprocess if it is not already running. Start is
// idempotent, and concurrent callers racing to start the same handle
// observe exactly one boot sequence.
func (m *Machine) Start() error {
	_, err, _ := m.group.Do("start", func() (any, error) {
		return nil, m.start()
	})
	return err
}

func (m *Machine) start() error {
	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.log("start")

	if !m.keepState {
		if err := os.RemoveAll(m.stateDir); err != nil {
			return fmt.Errorf("vm %s: clearing state dir: %w", m.name, err)
		}
		if err := osutil.MkdirForHandle(m.stateDir); err != nil {
			return fmt.Errorf("vm %s: creating state dir: %w", m.name, err)
		}
	}

	monitorLn, err := uds.Listen(m.monitorPath)
	if err != nil {
		return &SocketSetupFailedError{Path: m.monitorPath, Err: err}
	}
	shellLn, err := uds.Listen(m.shellPath)
	if err != nil {
		return &SocketSetupFailedError{Path: m.shellPath, Err: err}
	}

	args, err := m.startCommand.Args(m.monitorPath, m.shellPath)
	if err != nil {
		return err
	}
	proc, stdout, err := m.startCommand.Run(m.stateDir, m.sharedDir, args)
	if err != nil {
		return err
	}

	monitorConn, err := uds.AcceptOne(monitorLn)
	if err != nil {
		proc.Process.Kill()
		return &SocketSetupFailedError{Path: m.monitorPath, Err: err}
	}
	shellConn, err := uds.AcceptOne(shellLn)
	if err != nil {
		proc.Process.Kill()
		return &SocketSetupFailedError{Path: m.shellPath, Err: err}
	}

	lines := newLineQueue()
	reader := newSerialReader(stdout, lines, m.logSerial)
	go reader.run()

	monitor := newMonitorChannel(monitorConn)
	if _, err := monitor.prime(); err != nil {
		proc.Process.Kill()
		return err
	}

	m.mu.Lock()
	m.process = proc
	m.pid = proc.Process.Pid
	m.monitor = monitor
	m.shellConn = newShellChannel(shellConn)
	m.lastLines = lines
	m.reader = reader
	m.booted = true
	m.mu.Unlock()

	metrics.Transition(m.name, "start")
	m.log("QEMU running (pid %d)", m.pid)
	return nil
}

// Connect ensures the guest is booted and its root shell stream primed.
// Connect is idempotent and race-safe in the same way as Start.
func (m *Machine) Connect() error {
	_, err, _ := m.group.Do("connect", func() (any, error) {
		return nil, m.connect()
	})
	return err
}

func (m *Machine) connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	region := m.nested("wait for the VM to finish booting")
	defer region.Close()

	if err := m.Start(); err != nil {
		return err
	}

	m.log("connect to guest root shell")
	m.mu.Lock()
	shellConn := m.shellConn
	m.mu.Unlock()
	if err := shellConn.prime(); err != nil {
		return fmt.Errorf("vm %s: priming shell: %w", m.name, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	metrics.Transition(m.name, "connect")
	return nil
}

// waitForShutdown blocks until the subprocess exits and clears boot state.
func (m *Machine) waitForShutdown() {
	m.mu.Lock()
	booted := m.booted
	proc := m.process
	reader := m.reader
	m.mu.Unlock()
	if !booted {
		return
	}

	region := m.nested("wait for the VM to power off")
	defer region.Close()

	proc.Wait()
	if reader != nil {
		reader.wait()
	}

	m.mu.Lock()
	m.pid = 0
	m.booted = false
	m.connected = false
	m.mu.Unlock()
}

// Shutdown sends a graceful poweroff over the shell and waits for the
// subprocess to exit. No-op if the machine is not booted.
func (m *Machine) Shutdown() error {
	m.mu.Lock()
	booted := m.booted
	shellConn := m.shellConn
	m.mu.Unlock()
	if !booted {
		return nil
	}

	m.log("regular shutdown")
	if err := shellConn.send("poweroff\n"); err != nil {
		return err
	}
	m.waitForShutdown()
	metrics.Transition(m.name, "shutdown")
	m.log("shell round-trip latency: p50=%s p95=%s",
		m.latency.Quantile(0.5), m.latency.Quantile(0.95))
	return nil
}

// Crash simulates a power cut: it quits the emulator via the monitor
// rather than asking the guest to shut down cleanly.
func (m *Machine) Crash() error {
	m.mu.Lock()
	booted := m.booted
	m.mu.Unlock()
	if !booted {
		return nil
	}

	m.log("simulate forced crash")
	if _, err := m.SendMonitorCommand("quit"); err != nil {
		return err
	}
	m.waitForShutdown()
	metrics.Transition(m.name, "crash")
	return nil
}

// Release unconditionally kills the subprocess and its process group. It
// is best-effort and never returns an error, matching the original
// driver's release(), which is documented to return bool but never
// actually does.
func (m *Machine) Release() {
	m.mu.Lock()
	pid := m.pid
	proc := m.process
	monitor := m.monitor
	shellConn := m.shellConn
	m.booted = false
	m.connected = false
	m.pid = 0
	m.mu.Unlock()
	if pid == 0 || proc == nil {
		return
	}
	m.log("kill me (pid %d)", pid)
	if monitor != nil {
		monitor.close()
	}
	if shellConn != nil {
		shellConn.close()
	}
	killProcessGroup(proc)
	metrics.Transition(m.name, "release")
}

// Block makes the machine unreachable on its secondary network link
// (virtio-net-pci.1), keeping the primary link up so the driver can keep
// talking to the guest.
func (m *Machine) Block() error {
	_, err := m.SendMonitorCommand("set_link virtio-net-pci.1 off")
	return err
}

// Unblock restores connectivity disabled by Block.
func (m *Machine) Unblock() error {
	_, err := m.SendMonitorCommand("set_link virtio-net-pci.1 on")
	return err
}

// Execute runs command in the guest root shell, connecting first if
// necessary, and returns its exit status and combined output.
func (m *Machine) Execute(command string) (int, string, error) {
	if err := m.Connect(); err != nil {
		return 0, "", err
	}
	m.mu.Lock()
	shellConn := m.shellConn
	m.mu.Unlock()

	start := time.Now()
	status, output, err := shellConn.run(command)
	m.latency.Observe(time.Since(start))
	return status, output, err
}

// SendMonitorCommand sends a low-level monitor command and returns the
// reply (including its trailing prompt marker).
func (m *Machine) SendMonitorCommand(command string) (string, error) {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor == nil {
		return "", fmt.Errorf("vm %s: monitor not connected", m.name)
	}
	m.log("send monitor command: %s", command)
	return monitor.send(command)
}
