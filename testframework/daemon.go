package testframework

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DaemonProcess wraps a long-lived node process. Stdout and stderr are
// captured into in-memory buffers so that readiness can be detected by
// scanning for log lines and so that startup failures can report the tail
// of the node's output.
type DaemonProcess struct {
	CmdLine []string
	Cmd     *exec.Cmd
	StdOut  *lockedWriter
	StdErr  *lockedWriter

	prefix    string
	isRunning bool
}

func NewDaemonProcess(cmdline []string, prefix string) *DaemonProcess {
	return &DaemonProcess{
		CmdLine: cmdline,
		StdOut:  &lockedWriter{w: new(strings.Builder), prefix: []byte(fmt.Sprintf("%s: ", prefix))},
		StdErr:  &lockedWriter{w: new(strings.Builder), prefix: []byte(fmt.Sprintf("%s: ", prefix))},
		prefix:  prefix,
	}
}

func (d *DaemonProcess) AppendCmdLine(options []string) {
	if options != nil {
		d.CmdLine = append(d.CmdLine, options...)
	}
}

// Run spawns the process. A spawn error is reported on StdErr rather than
// returned, readiness checks are expected to follow via WaitForLog.
func (d *DaemonProcess) Run() {
	cmd := exec.Command(d.CmdLine[0], d.CmdLine[1:]...)
	d.Cmd = cmd
	cmd.Stdout = d.StdOut
	cmd.Stderr = d.StdErr

	err := cmd.Start()
	if err != nil {
		fmt.Fprintln(d.StdErr, "error starting cmd", err)
		return
	}

	d.isRunning = true
}

// Pid returns the process id of the running daemon, or 0 if it was never
// started.
func (d *DaemonProcess) Pid() int {
	if !d.isRunning {
		return 0
	}
	return d.Cmd.Process.Pid
}

func (d *DaemonProcess) IsRunning() bool {
	return d.isRunning
}

func (d *DaemonProcess) Kill() {
	if d.isRunning {
		d.Cmd.Process.Kill()
	}
}

func (d *DaemonProcess) HasLog(regex string) (bool, error) {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return false, fmt.Errorf("Compile(regex) %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(d.StdOut.String()))
	for scanner.Scan() {
		match := rx.Find([]byte(scanner.Text()))
		if match != nil {
			return true, nil
		}
	}
	return false, nil
}

// WaitForLog polls the captured stdout for a line matching regex. It
// returns an error when the timeout is reached first.
func (d *DaemonProcess) WaitForLog(regex string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout reached while waiting for `%s` in logs", regex)
		default:
			ok, err := d.HasLog(regex)
			if err != nil {
				return fmt.Errorf("HasLog() %w", err)
			}
			if ok {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (d *DaemonProcess) Prefix() string {
	return d.prefix
}

// LogTail returns the last n captured output lines, for failure reports.
func (d *DaemonProcess) LogTail(n int) string {
	out := d.StdOut.Tail(n)
	if out == "" {
		out = d.StdErr.Tail(n)
	}
	return out
}

type lockedWriter struct {
	sync.RWMutex

	prefix []byte
	buf    []byte
	w      io.Writer
}

func (w *lockedWriter) Write(b []byte) (n int, err error) {
	w.Lock()
	defer w.Unlock()
	w.buf = append(w.buf, w.prefix...)
	w.buf = append(w.buf, b...)
	return w.w.Write(b)
}

func (w *lockedWriter) String() string {
	w.RLock()
	defer w.RUnlock()

	return string(w.buf)
}

func (w *lockedWriter) Tail(n int) string {
	w.RLock()
	defer w.RUnlock()

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(w.buf))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if n < 1 || n > len(lines) {
		n = len(lines)
	}

	if n > 0 {
		return strings.Join(lines[len(lines)-n:], "\n")
	}
	return ""
}
