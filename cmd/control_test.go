package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/corepower/pmcoord/internal/config"
	apperrors "github.com/corepower/pmcoord/internal/errors"
)

// fakeControlClient records requests and replays canned responses.
type fakeControlClient struct {
	responses map[string]string
	err       error
	posted    map[string]any
}

func (f *fakeControlClient) Get(_ context.Context, path string, out any) error {
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.responses[path]), out)
}

func (f *fakeControlClient) Post(_ context.Context, path string, in, out any) error {
	if f.posted == nil {
		f.posted = make(map[string]any)
	}
	f.posted[path] = in
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.responses[path]), out)
}

func withFakeClient(t *testing.T, fake *fakeControlClient) {
	t.Helper()
	orig := newControlClient
	newControlClient = func(string) controlClient { return fake }
	t.Cleanup(func() { newControlClient = orig })
}

func TestSuspendNotNowExitCode(t *testing.T) {
	withFakeClient(t, &fakeControlClient{err: apperrors.PreconditionFailed("ap", 1<<9)})

	var stdout, stderr bytes.Buffer
	code := runSuspend([]string{"ap", "--type", "pg"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), apperrors.CodePreconditionFailed) {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestSuspendSendsRequest(t *testing.T) {
	fake := &fakeControlClient{responses: map[string]string{
		"/suspend": `{"request_id":"r1","core":"np","state":"power_gated","system_mode":"active"}`,
	}}
	withFakeClient(t, fake)

	var stdout, stderr bytes.Buffer
	code := runSuspend([]string{"--type", "pg", "np", "--duration-ms", "250", "--deep"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if got := stdout.String(); got != "np: power_gated (system active)\n" {
		t.Fatalf("stdout = %q", got)
	}

	data, _ := json.Marshal(fake.posted["/suspend"])
	want := `{"core":"np","sleep_type":"pg","duration_ms":250,"deep":true}`
	if string(data) != want {
		t.Fatalf("request = %s, want %s", data, want)
	}
}

func TestCoreCommandsRequireOneCore(t *testing.T) {
	withFakeClient(t, &fakeControlClient{})

	for name, fn := range map[string]func([]string, *bytes.Buffer, *bytes.Buffer) int{
		"suspend":    func(a []string, o, e *bytes.Buffer) int { return runSuspend(a, o, e) },
		"resume":     func(a []string, o, e *bytes.Buffer) int { return runResume(a, o, e) },
		"sleep-time": func(a []string, o, e *bytes.Buffer) int { return runSleepTime(a, o, e) },
	} {
		var stdout, stderr bytes.Buffer
		if code := fn(nil, &stdout, &stderr); code != 1 {
			t.Errorf("%s: exit code = %d, want 1", name, code)
		}
		if !strings.Contains(stderr.String(), "exactly one core") {
			t.Errorf("%s: stderr = %q", name, stderr.String())
		}
	}
}

func TestWakelockStatusOutput(t *testing.T) {
	withFakeClient(t, &fakeControlClient{responses: map[string]string{
		"/wakelocks": `{"shallow":513,"deep":1,"shallow_held":["os","wlan"],"deep_held":["os"]}`,
	}})

	var stdout, stderr bytes.Buffer
	if code := runWakelockStatus(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "shallow 0x00000201: os, wlan") || !strings.Contains(out, "deep    0x00000001: os") {
		t.Fatalf("stdout = %q", out)
	}
}

func TestStatusOutput(t *testing.T) {
	withFakeClient(t, &fakeControlClient{responses: map[string]string{
		"/status": `{"coordinator":{"cores":[{"core":"ap","state":"clock_gated","companion":"np","sleep_time_ms":12}],
			"shallow_held":[],"deep_held":["os"],"system_mode":"active","last_sleep_type":"cg","tick":100,"tick_hz":32768},
			"listening_address":"127.0.0.1:7380","connected_clients":2,"uptime_seconds":65}`,
	}})

	var stdout, stderr bytes.Buffer
	if code := runStatus(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"127.0.0.1:7380", "2 connected", "1m 5s", "clock_gated", "(companion np)", "shallow: (none)", "Last sleep:   cg"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestDaemonUnavailable(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "pmcoord-cmd-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	var stdout, stderr bytes.Buffer
	code := runStatus([]string{"--socket", filepath.Join(dir, "none.sock")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), apperrors.CodeServerUnavailable) {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestMergeStartFlags(t *testing.T) {
	cfg := &config.Config{MdnsEnabled: true, SimIdleAfterPolls: 3}
	cfg.ApplyDefaults()

	sc := &StartConfig{Addr: "127.0.0.1:9999", MdnsEnabled: false, SimIdleAfter: -1}
	mergeStartFlags(cfg, sc, map[string]bool{"mdns": true, "sim-idle-after": true})

	if cfg.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MdnsEnabled {
		t.Error("explicit --mdns=false should override the file")
	}
	if cfg.SimIdleAfterPolls != -1 {
		t.Errorf("SimIdleAfterPolls = %d", cfg.SimIdleAfterPolls)
	}

	cfg2 := &config.Config{MdnsEnabled: true}
	mergeStartFlags(cfg2, &StartConfig{}, map[string]bool{})
	if !cfg2.MdnsEnabled {
		t.Error("unset --mdns should keep the file value")
	}
}
