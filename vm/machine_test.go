package vm

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmtestdriver/pkg/log"
)

type nopLogger struct{}

func (nopLogger) Log(string) {}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	dir := t.TempDir()
	m, err := NewMachine(Config{
		Name:      "uut",
		TmpDir:    dir,
		LogSerial: nopLogger{},
		LogState:  nopLogger{},
	})
	require.NoError(t, err)
	return m
}

func TestNewMachineCreatesStateAndSharedDirs(t *testing.T) {
	m := newTestMachine(t)
	info, err := os.Stat(m.stateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = os.Stat(m.sharedDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewMachineClearsStateDirUnlessKeepState(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "vm-state-uut")
	require.NoError(t, os.MkdirAll(stateDir, 0o700))
	marker := filepath.Join(stateDir, "stale")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o600))

	m, err := NewMachine(Config{Name: "uut", TmpDir: dir, LogSerial: nopLogger{}, LogState: nopLogger{}})
	require.NoError(t, err)
	_, err = os.Stat(m.stateDir)
	require.NoError(t, err)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestNewMachineKeepsStateDirWhenKeepStateSet(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "vm-state-uut")
	require.NoError(t, os.MkdirAll(stateDir, 0o700))
	marker := filepath.Join(stateDir, "kept")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o600))

	_, err := NewMachine(Config{Name: "uut", TmpDir: dir, KeepState: true, LogSerial: nopLogger{}, LogState: nopLogger{}})
	require.NoError(t, err)
	_, err = os.Stat(marker)
	assert.NoError(t, err)
}

func TestIsUpFalseBeforeStart(t *testing.T) {
	m := newTestMachine(t)
	assert.False(t, m.IsUp())
}

func TestSendMonitorCommandErrorsWithoutConnection(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.SendMonitorCommand("quit")
	assert.Error(t, err)
}

func TestReleaseIsNoOpWhenNeverStarted(t *testing.T) {
	m := newTestMachine(t)
	assert.NotPanics(t, func() { m.Release() })
}

func TestShutdownIsNoOpWhenNotBooted(t *testing.T) {
	m := newTestMachine(t)
	assert.NoError(t, m.Shutdown())
}

var _ log.Logger = nopLogger{}

// fakeStartCommand is a stand-in StartCommand: it runs a short-lived real
// subprocess (so Machine's process-group supervision and wait-for-exit
// paths run unmodified) while two goroutines dial in on the monitor and
// shell sockets Machine has already bound, playing the emulator side of
// both protocols. This is the substitution seam StartCommand exists for.
type fakeStartCommand struct {
	shellReply func(command string) (status int, output string)
}

func (f *fakeStartCommand) Args(monitorPath, shellPath string) ([]string, error) {
	return []string{monitorPath, shellPath}, nil
}

func (f *fakeStartCommand) Run(stateDir, sharedDir string, args []string) (*exec.Cmd, io.ReadCloser, error) {
	monitorPath, shellPath := args[0], args[1]

	cmd := exec.Command("sh", "-c", "sleep 0.3")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	go playMonitor(monitorPath)
	go playShell(shellPath, f.shellReply)

	return cmd, stdout, nil
}

func dialRetry(path string) (net.Conn, error) {
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	return nil, lastErr
}

func playMonitor(path string) {
	conn, err := dialRetry(path)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte("QEMU fake monitor\n(qemu) "))
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("(qemu) "))
	}
}

var shellFramePattern = regexp.MustCompile(`^\( (.*) \); echo '\|\!=EOF' \$\?\n$`)

func playShell(path string, reply func(command string) (int, string)) {
	conn, err := dialRetry(path)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte("welcome to the fake guest shell\n"))
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		status, output := 0, ""
		if reply != nil {
			if match := shellFramePattern.FindStringSubmatch(string(buf[:n])); match != nil {
				status, output = reply(match[1])
			}
		}
		conn.Write([]byte(fmt.Sprintf("%s|!=EOF %d", output, status)))
	}
}

func newLiveTestMachine(t *testing.T, shellReply func(command string) (int, string)) *Machine {
	t.Helper()
	m, err := NewMachine(Config{
		Name:         "uut",
		TmpDir:       t.TempDir(),
		StartCommand: &fakeStartCommand{shellReply: shellReply},
		LogSerial:    nopLogger{},
		LogState:     nopLogger{},
	})
	require.NoError(t, err)
	return m
}

func TestMachineStartBootsAndIsIdempotent(t *testing.T) {
	m := newLiveTestMachine(t, nil)
	require.NoError(t, m.Start())
	assert.True(t, m.booted)
	assert.NotZero(t, m.pid)

	// a second Start while already booted must be a no-op, not a re-boot.
	pid := m.pid
	require.NoError(t, m.Start())
	assert.Equal(t, pid, m.pid)

	m.Release()
}

func TestMachineConnectAndExecuteRoundTrips(t *testing.T) {
	m := newLiveTestMachine(t, func(command string) (int, string) {
		if command == "false" {
			return 1, ""
		}
		return 0, "ok\n"
	})
	require.NoError(t, m.Connect())
	assert.True(t, m.IsUp())

	status, output, err := m.Execute("true")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "ok\n", output)

	status, _, err = m.Execute("false")
	require.NoError(t, err)
	assert.Equal(t, 1, status)

	m.Release()
}

func TestMachineSucceedAndFail(t *testing.T) {
	m := newLiveTestMachine(t, func(command string) (int, string) {
		if command == "false" {
			return 1, ""
		}
		return 0, "ok\n"
	})
	defer m.Release()

	out, err := m.Succeed("true")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	_, err = m.Succeed("false")
	var cmdErr *CommandFailedError
	assert.ErrorAs(t, err, &cmdErr)

	_, err = m.Fail("false")
	require.NoError(t, err)

	_, err = m.Fail("true")
	var unexpectedErr *CommandUnexpectedlySucceededError
	assert.ErrorAs(t, err, &unexpectedErr)
}

func TestMachineShutdownWaitsForSubprocessExit(t *testing.T) {
	m := newLiveTestMachine(t, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown())
	assert.False(t, m.booted)
	assert.False(t, m.connected)
}

func TestMachineCrashQuitsViaMonitor(t *testing.T) {
	m := newLiveTestMachine(t, nil)
	require.NoError(t, m.Start())
	require.NoError(t, m.Crash())
	assert.False(t, m.booted)
}

func TestMachineWaitForUnitFailsFastOnFailedState(t *testing.T) {
	m := newLiveTestMachine(t, func(command string) (int, string) {
		if regexp.MustCompile(`show "broken\.service"`).MatchString(command) {
			return 0, "ActiveState=failed\n"
		}
		return 0, ""
	})
	defer m.Release()

	err := m.WaitForUnit("broken.service", "")
	var unitErr *UnitFailedError
	assert.ErrorAs(t, err, &unitErr)
	assert.Equal(t, "broken.service", unitErr.Unit)
}

func TestMachineWaitForUnitSucceedsWhenActive(t *testing.T) {
	m := newLiveTestMachine(t, func(command string) (int, string) {
		if regexp.MustCompile(`show "multi-user\.target"`).MatchString(command) {
			return 0, "ActiveState=active\n"
		}
		return 0, ""
	})
	defer m.Release()

	require.NoError(t, m.WaitForUnit("multi-user.target", ""))
}
