package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/corepower/pmcoord/internal/config"
	"github.com/corepower/pmcoord/internal/hal"
)

func startTestDaemon(t *testing.T) (*daemon, string) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pmcoord-cmd-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "control.sock")
	cfg := &config.Config{
		Addr:          "127.0.0.1:0",
		ControlSocket: socket,
		StorePath:     ":memory:",
	}
	cfg.ApplyDefaults()

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(d.close)
	if err := d.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return d, socket
}

func cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"pmcoord"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestDaemonEndToEnd(t *testing.T) {
	_, socket := startTestDaemon(t)

	code, out, errOut := cli(t, "status", "--socket", socket)
	if code != 0 {
		t.Fatalf("status: code=%d stderr=%q", code, errOut)
	}
	for _, core := range []string{"ap", "np", "lp", "kr4"} {
		if !strings.Contains(out, "  "+core) {
			t.Errorf("status missing core %s:\n%s", core, out)
		}
	}

	code, out, errOut = cli(t, "wakelock", "acquire", "wlan", "--socket", socket)
	if code != 0 || !strings.Contains(out, "wlan") {
		t.Fatalf("wakelock acquire: code=%d out=%q err=%q", code, out, errOut)
	}

	code, _, errOut = cli(t, "suspend", "ap", "--socket", socket)
	if code != 2 || !strings.Contains(errOut, "pm.precondition_failed") {
		t.Fatalf("suspend with wlan held: code=%d err=%q", code, errOut)
	}

	cli(t, "wakelock", "release", "wlan", "--socket", socket)

	code, out, errOut = cli(t, "suspend", "ap", "--type", "cg", "--socket", socket)
	if code != 0 || !strings.Contains(out, "ap: clock_gated") {
		t.Fatalf("suspend: code=%d out=%q err=%q", code, out, errOut)
	}

	code, out, errOut = cli(t, "resume", "ap", "--socket", socket)
	if code != 0 || !strings.Contains(out, "ap: active") {
		t.Fatalf("resume: code=%d out=%q err=%q", code, out, errOut)
	}

	code, out, _ = cli(t, "sleep-time", "ap", "--socket", socket)
	if code != 0 || !strings.HasPrefix(out, "ap: ") {
		t.Fatalf("sleep-time: code=%d out=%q", code, out)
	}

	code, out, _ = cli(t, "events", "--core", "ap", "--socket", socket)
	if code != 0 || !strings.Contains(out, "suspend") || !strings.Contains(out, "resume") {
		t.Fatalf("events: code=%d out=%q", code, out)
	}

	code, out, _ = cli(t, "wakelock", "audit", "--socket", socket)
	if code != 0 || !strings.Contains(out, "acquire") || !strings.Contains(out, "release") {
		t.Fatalf("wakelock audit: code=%d out=%q", code, out)
	}
}

func TestDaemonMailboxPath(t *testing.T) {
	d, socket := startTestDaemon(t)

	code, out, errOut := cli(t, "mailbox", "np", "sleep", "--type", "pg", "--socket", socket)
	if code != 0 {
		t.Fatalf("mailbox sleep: code=%d err=%q", code, errOut)
	}
	// NP honors ap_run, which the AP holds while running.
	if !strings.Contains(out, "np: active") {
		t.Fatalf("mailbox sleep out = %q", out)
	}
	if got := d.inbound[hal.CoreAP].Sent(); got != 0 {
		t.Errorf("ap inbound should be untouched, sent %d", got)
	}

	code, out, _ = cli(t, "events", "--core", "np", "--socket", socket)
	if code != 0 || !strings.Contains(out, "kick") {
		t.Fatalf("expected a kick event for np, got %q", out)
	}

	code, out, _ = cli(t, "mailbox", "ap", "sleep", "--type", "9", "--socket", socket)
	if code != 0 || !strings.Contains(out, "ap: active") {
		t.Fatalf("unknown type: code=%d out=%q", code, out)
	}
}

func TestNewDaemonRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{StorePath: ":memory:", LogLevel: "chatty"}
	cfg.ApplyDefaults()
	if _, err := newDaemon(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
