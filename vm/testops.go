package vm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"vmtestdriver/pkg/keymap"
	"vmtestdriver/pkg/metrics"
	"vmtestdriver/pkg/osutil"
	"vmtestdriver/pkg/retry"
)

// Succeed executes each command in order and requires a zero exit status,
// returning the concatenated stdout/stderr of all of them.
func (m *Machine) Succeed(commands ...string) (string, error) {
	var output strings.Builder
	for _, command := range commands {
		region := m.nested("must succeed: " + command)
		status, out, err := m.Execute(command)
		region.Close()
		if err != nil {
			return output.String(), err
		}
		if status != 0 {
			m.log("output: %s", out)
			metrics.CommandOutcome(m.name, "failed")
			return output.String(), &CommandFailedError{Command: command, Status: status, Output: out}
		}
		metrics.CommandOutcome(m.name, "succeeded")
		output.WriteString(out)
	}
	return output.String(), nil
}

// Fail executes each command in order and requires a non-zero exit status.
func (m *Machine) Fail(commands ...string) (string, error) {
	var output strings.Builder
	for _, command := range commands {
		region := m.nested("must fail: " + command)
		status, out, err := m.Execute(command)
		region.Close()
		if err != nil {
			return output.String(), err
		}
		if status == 0 {
			metrics.CommandOutcome(m.name, "unexpectedly_succeeded")
			return output.String(), &CommandUnexpectedlySucceededError{Command: command, Output: out}
		}
		metrics.CommandOutcome(m.name, "failed_as_expected")
		output.WriteString(out)
	}
	return output.String(), nil
}

// WaitUntilSucceeds retries command until it exits zero, returning its
// final output, or times out per pkg/retry.
func (m *Machine) WaitUntilSucceeds(command string) (string, error) {
	var output string
	region := m.nested("wait for success: " + command)
	defer region.Close()
	err := retry.Do(func(bool) bool {
		status, out, execErr := m.Execute(command)
		output = out
		return execErr == nil && status == 0
	}, 0)
	if _, ok := err.(*retry.TimeoutError); ok {
		metrics.RetryTimeout(m.name, "wait_until_succeeds")
	}
	return output, err
}

// WaitUntilFails retries command until it exits non-zero.
func (m *Machine) WaitUntilFails(command string) (string, error) {
	var output string
	region := m.nested("wait for failure: " + command)
	defer region.Close()
	err := retry.Do(func(bool) bool {
		status, out, execErr := m.Execute(command)
		output = out
		return execErr == nil && status != 0
	}, 0)
	if _, ok := err.(*retry.TimeoutError); ok {
		metrics.RetryTimeout(m.name, "wait_until_fails")
	}
	return output, err
}

// Systemctl runs a systemctl query, optionally scoped to a user's session
// bus (empty user means the system bus).
func (m *Machine) Systemctl(query, user string) (int, string, error) {
	if user != "" {
		quoted := strings.ReplaceAll(query, "'", "\\'")
		command := fmt.Sprintf(
			"su -l %s --shell /bin/sh -c $'XDG_RUNTIME_DIR=/run/user/`id -u` systemctl --user %s'",
			user, quoted)
		return m.Execute(command)
	}
	return m.Execute("systemctl " + query)
}

// GetUnitInfo parses `systemctl show` output for unit into a key/value map.
func (m *Machine) GetUnitInfo(unit, user string) (map[string]string, error) {
	status, lines, err := m.Systemctl(fmt.Sprintf(`--no-pager show "%s"`, unit), user)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		userStr := ""
		if user != "" {
			userStr = fmt.Sprintf(" under user %q", user)
		}
		return nil, fmt.Errorf("retrieving systemctl info for unit %q%s failed with exit code %d", unit, userStr, status)
	}

	linePattern := regexp.MustCompile(`^([^=]+)=(.*)$`)
	info := make(map[string]string)
	for _, line := range strings.Split(lines, "\n") {
		if match := linePattern.FindStringSubmatch(line); match != nil {
			info[match[1]] = match[2]
		}
	}
	return info, nil
}

// WaitForUnit blocks until unit reaches the "active" state, failing fast on
// "failed", or on "inactive" with no pending jobs.
func (m *Machine) WaitForUnit(unit, user string) error {
	region := m.nested(fmt.Sprintf("waiting for unit %s", unit))
	defer region.Close()

	var fatal error
	err := retry.Do(func(bool) bool {
		info, infoErr := m.GetUnitInfo(unit, user)
		if infoErr != nil {
			fatal = infoErr
			return true
		}
		state := info["ActiveState"]
		if state == "failed" {
			fatal = &UnitFailedError{Unit: unit}
			return true
		}
		if state == "inactive" {
			_, jobs, jobsErr := m.Systemctl("list-jobs --full 2>&1", user)
			if jobsErr == nil && strings.Contains(jobs, "No jobs") {
				info, infoErr = m.GetUnitInfo(unit, user)
				if infoErr == nil && info["ActiveState"] == state {
					fatal = &UnitInactiveNoJobsError{Unit: unit}
					return true
				}
			}
		}
		return state == "active"
	}, 0)
	if fatal != nil {
		return fatal
	}
	return err
}

// RequireUnitState asserts unit is currently in want (defaulting to
// "active" when want is empty).
func (m *Machine) RequireUnitState(unit, want string) error {
	if want == "" {
		want = "active"
	}
	region := m.nested(fmt.Sprintf("check if unit %q has reached state %q", unit, want))
	defer region.Close()

	info, err := m.GetUnitInfo(unit, "")
	if err != nil {
		return err
	}
	got := info["ActiveState"]
	if got != want {
		return &RequireUnitStateError{Unit: unit, Want: want, Got: got}
	}
	return nil
}

// WaitForFile retries until filename exists in the guest filesystem.
func (m *Machine) WaitForFile(filename string) error {
	region := m.nested("wait for file " + filename)
	defer region.Close()
	return retry.Do(func(bool) bool {
		status, _, err := m.Execute("test -e " + filename)
		return err == nil && status == 0
	}, 0)
}

// WaitForOpenPort retries until port is listening on the guest loopback.
func (m *Machine) WaitForOpenPort(port int) error {
	region := m.nested(fmt.Sprintf("wait for TCP port %d", port))
	defer region.Close()
	return retry.Do(func(bool) bool {
		status, _, err := m.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return err == nil && status == 0
	}, 0)
}

// WaitForClosedPort retries until port is no longer listening.
func (m *Machine) WaitForClosedPort(port int) error {
	return retry.Do(func(bool) bool {
		status, _, err := m.Execute(fmt.Sprintf("nc -z localhost %d", port))
		return err == nil && status != 0
	}, 0)
}

// GetTTYText dumps the visible contents of the given virtual console.
func (m *Machine) GetTTYText(tty string) (string, error) {
	_, output, err := m.Execute(fmt.Sprintf(
		"fold -w$(stty -F /dev/tty%s size | awk '{print $2}') /dev/vcs%s", tty, tty))
	return output, err
}

// WaitForTTYMatches retries GetTTYText until pattern matches its output.
func (m *Machine) WaitForTTYMatches(tty, pattern string) error {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	region := m.nested(fmt.Sprintf("wait for %s to appear on tty %s", pattern, tty))
	defer region.Close()
	return retry.Do(func(last bool) bool {
		text, err := m.GetTTYText(tty)
		if err != nil {
			return false
		}
		if matcher.MatchString(text) {
			return true
		}
		if last {
			m.log("Last attempt failed to match /%s/ on TTY%s: current text was:\n\n%s", pattern, tty, text)
		}
		return false
	}, 0)
}

// SendKey sends a single low-level key to the emulator, running it through
// the character-to-scancode compatibility table first.
func (m *Machine) SendKey(key string) error {
	_, err := m.SendMonitorCommand("sendkey " + keymap.Translate(key))
	return err
}

// SendChars sends a sequence of characters one key event at a time.
func (m *Machine) SendChars(chars []string) error {
	region := m.nested(fmt.Sprintf("send keys %v", chars))
	defer region.Close()
	for _, char := range chars {
		if err := m.SendKey(char); err != nil {
			return err
		}
	}
	return nil
}

// Sleep sleeps the *guest*, not the host, for secs seconds.
func (m *Machine) Sleep(secs int) error {
	_, err := m.Succeed(fmt.Sprintf("sleep %d", secs))
	return err
}

// ForwardPort exposes a guest TCP port on the host for interactive use.
func (m *Machine) ForwardPort(hostPort, guestPort int) error {
	_, err := m.SendMonitorCommand(fmt.Sprintf("hostfwd_add tcp::%d-:%d", hostPort, guestPort))
	return err
}

// Screenshot takes a VGA framebuffer dump and converts it to PNG at
// filename (bare names are written under $out, or the working directory).
func (m *Machine) Screenshot(filename string) error {
	outDir := os.Getenv("out")
	if outDir == "" {
		var err error
		outDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	if wordPattern.MatchString(filename) {
		filename = filepath.Join(outDir, filename+".png")
	}
	tmp := filename + ".ppm"

	region := m.nested("make screenshot " + filename)
	defer region.Close()

	if _, err := m.SendMonitorCommand("screendump " + tmp); err != nil {
		return err
	}
	defer os.Remove(tmp)

	convert := fmt.Sprintf("pnmtopng %s > %s", tmp, filename)
	if _, err := osutil.RunCmd(time.Minute, "", "sh", "-c", convert); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ImageConversionFailedError{ExitCode: exitCode}
	}
	return nil
}

var wordPattern = regexp.MustCompile(`^\w+$`)

// CopyFromHostViaShell copies a regular file into the guest by base64
// framing it over the shell channel. Works without a shared directory but
// does not scale to large files; prefer CopyFromHost when possible.
func (m *Machine) CopyFromHostViaShell(source, target string) error {
	content, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	encoded := base64Encode(content)
	_, err = m.Succeed(
		fmt.Sprintf("mkdir -p $(dirname %s)", target),
		fmt.Sprintf("echo -n %s | base64 -d > %s", encoded, target),
	)
	return err
}

// CopyFromHost copies source (file or directory) into the guest at target
// via the shared directory, which the guest is expected to mount at
// /tmp/shared. QemuStartCommand only passes its host path to the emulator
// as SHARED_DIR; it does not add a shared-folder device itself.
func (m *Machine) CopyFromHost(source, target string) error {
	sharedTemp, vmSharedTemp, cleanup, err := m.makeSharedTempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	base := filepath.Base(filepath.Clean(source))
	hostIntermediate := filepath.Join(sharedTemp, base)
	vmIntermediate := filepath.Join(vmSharedTemp, base)

	if err := copyPath(source, hostIntermediate); err != nil {
		return err
	}
	if _, err := m.Succeed(shellQuoteCommand("mkdir", "-p", filepath.Dir(target))); err != nil {
		return err
	}
	_, err = m.Succeed(shellQuoteCommand("cp", "-r", vmIntermediate, target))
	return err
}

// CopyFromVM copies source (file or directory) out of the guest into
// targetDir on the host (relative to $out, or the working directory) via
// the shared directory.
func (m *Machine) CopyFromVM(source, targetDir string) error {
	outDir := os.Getenv("out")
	if outDir == "" {
		var err error
		outDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	sharedTemp, vmSharedTemp, cleanup, err := m.makeSharedTempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	base := filepath.Base(filepath.Clean(source))
	vmIntermediate := filepath.Join(vmSharedTemp, base)
	intermediate := filepath.Join(sharedTemp, base)

	if _, err := m.Succeed(shellQuoteCommand("mkdir", "-p", vmSharedTemp)); err != nil {
		return err
	}
	if _, err := m.Succeed(shellQuoteCommand("cp", "-r", source, vmIntermediate)); err != nil {
		return err
	}

	absTarget := filepath.Join(outDir, targetDir, base)
	if err := os.MkdirAll(filepath.Dir(absTarget), 0o755); err != nil {
		return err
	}
	return copyPath(intermediate, absTarget)
}

// makeSharedTempDir creates a uniquely named subdirectory of the shared
// directory, visible on the host at sharedTemp and on the guest at
// vmSharedTemp, returning a cleanup func that removes the host side.
func (m *Machine) makeSharedTempDir() (sharedTemp, vmSharedTemp string, cleanup func(), err error) {
	name := uuid.NewString()
	sharedTemp = filepath.Join(m.sharedDir, name)
	if err := os.MkdirAll(sharedTemp, 0o700); err != nil {
		return "", "", nil, err
	}
	vmSharedTemp = filepath.Join("/tmp/shared", name)
	return sharedTemp, vmSharedTemp, func() { os.RemoveAll(sharedTemp) }, nil
}

// GetScreenTextVariants OCRs the current framebuffer with three tesseract
// engine modes and returns all three text variants.
func (m *Machine) GetScreenTextVariants() ([]string, error) {
	return m.getScreenTextVariants([]int{0, 1, 2})
}

// GetScreenText returns the single OCR variant the original driver treats
// as its best default (oem mode 2, LSTM+legacy combined).
func (m *Machine) GetScreenText() (string, error) {
	variants, err := m.getScreenTextVariants([]int{2})
	if err != nil {
		return "", err
	}
	return variants[0], nil
}

func (m *Machine) getScreenTextVariants(modelIDs []int) ([]string, error) {
	dir, err := os.MkdirTemp("", "vmtestdriver-ocr-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	screenshotPath := filepath.Join(dir, "ppm")
	if _, err := m.SendMonitorCommand("screendump " + screenshotPath); err != nil {
		return nil, err
	}
	return performOCR(screenshotPath, modelIDs)
}

// WaitForText retries GetScreenTextVariants until regex matches one of the
// OCR variants.
func (m *Machine) WaitForText(pattern string) error {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	region := m.nested(fmt.Sprintf("wait for %s to appear on screen", pattern))
	defer region.Close()
	return retry.Do(func(last bool) bool {
		variants, err := m.GetScreenTextVariants()
		if err != nil {
			return false
		}
		for _, text := range variants {
			if matcher.MatchString(text) {
				return true
			}
		}
		if last {
			m.log("Last OCR attempt failed. Text was: %v", variants)
		}
		return false
	}, 0)
}

// WaitForConsoleText blocks, buffering serial lines, until pattern matches
// the accumulated console text (which may span multiple lines).
func (m *Machine) WaitForConsoleText(pattern string) error {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	m.log("wait for %s to appear on console", pattern)

	m.mu.Lock()
	lines := m.lastLines
	m.mu.Unlock()

	var console strings.Builder
	for {
		line, ok := lines.pop()
		if !ok {
			return fmt.Errorf("vm %s: console closed before %q matched", m.name, pattern)
		}
		console.WriteString(line)
		console.WriteByte('\n')
		if matcher.MatchString(console.String()) {
			return nil
		}
	}
}

// WaitForX blocks until systemd reports the graphical target reached and
// the X11 socket exists.
func (m *Machine) WaitForX() error {
	region := m.nested("wait for the X11 server")
	defer region.Close()
	return retry.Do(func(bool) bool {
		status, _, err := m.Execute(`journalctl -b SYSLOG_IDENTIFIER=systemd | grep "Reached target Current graphical"`)
		if err != nil || status != 0 {
			return false
		}
		status, _, err = m.Execute("[ -e /tmp/.X11-unix/X0 ]")
		return err == nil && status == 0
	}, 0)
}

// GetWindowNames lists the open X window titles via xwininfo. Does not
// work against a Wayland compositor.
func (m *Machine) GetWindowNames() ([]string, error) {
	out, err := m.Succeed(`xwininfo -root -tree | sed 's/.*0x[0-9a-f]* "\([^"]*\)".*/\1/; t; d'`)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(out, "\n"), "\n"), nil
}

// WaitForWindow retries GetWindowNames until one matches pattern.
func (m *Machine) WaitForWindow(pattern string) error {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	region := m.nested("wait for a window to appear")
	defer region.Close()
	return retry.Do(func(last bool) bool {
		names, err := m.GetWindowNames()
		if err != nil {
			return false
		}
		for _, name := range names {
			if matcher.MatchString(name) {
				return true
			}
		}
		if last {
			m.log("Last attempt failed to match %s on the window list, which currently contains: %s", pattern, strings.Join(names, ", "))
		}
		return false
	}, 0)
}

// ShellInteract hands the raw guest shell stream to the host's own
// stdin/stdout, for interactive debugging only; tests should never call
// this.
func (m *Machine) ShellInteract() error {
	if err := m.Connect(); err != nil {
		return err
	}
	m.mu.Lock()
	shellConn := m.shellConn
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, shellConn.conn)
		close(done)
	}()
	io.Copy(shellConn.conn, os.Stdin)
	<-done
	return nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		_, err := osutil.RunCmd(2*time.Minute, "", "cp", "-r", src, dst)
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func shellQuoteCommand(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
