package testframework

import (
	"testing"
	"time"
)

func TestDaemonProcessCapturesOutput(t *testing.T) {
	d := NewDaemonProcess([]string{"sh", "-c", "echo hello daemon"}, "test")
	d.Run()
	t.Cleanup(d.Kill)

	if err := d.WaitForLog("hello daemon", 5*time.Second); err != nil {
		t.Fatalf("WaitForLog() got err %v", err)
	}

	ok, err := d.HasLog("hello")
	if err != nil {
		t.Fatalf("HasLog() got err %v", err)
	}
	if !ok {
		t.Fatalf("expected log to contain `hello`")
	}

	ok, err = d.HasLog("goodbye")
	if err != nil {
		t.Fatalf("HasLog() got err %v", err)
	}
	if ok {
		t.Fatalf("did not expect log to contain `goodbye`")
	}
}

func TestDaemonProcessWaitForLogTimeout(t *testing.T) {
	d := NewDaemonProcess([]string{"sh", "-c", "echo started; sleep 10"}, "test")
	d.Run()
	t.Cleanup(d.Kill)

	if err := d.WaitForLog("never printed", 500*time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestDaemonProcessPid(t *testing.T) {
	d := NewDaemonProcess([]string{"sleep", "10"}, "test")
	if d.Pid() != 0 {
		t.Fatalf("expected pid 0 before start, got %d", d.Pid())
	}

	d.Run()
	t.Cleanup(d.Kill)

	if d.Pid() == 0 {
		t.Fatalf("expected non-zero pid after start")
	}
}

func TestLogTail(t *testing.T) {
	d := NewDaemonProcess([]string{"sh", "-c", "echo one; echo two; echo three"}, "test")
	d.Run()
	t.Cleanup(d.Kill)

	if err := d.WaitForLog("three", 5*time.Second); err != nil {
		t.Fatalf("WaitForLog() got err %v", err)
	}

	tail := d.LogTail(2)
	if tail == "" {
		t.Fatalf("expected non-empty tail")
	}
}
