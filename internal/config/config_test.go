package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/wakelock"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	path := writeConfig(t, `
addr = "0.0.0.0:9000"
control_socket = "/tmp/pm.sock"
store_path = "/var/lib/pmcoord.db"
log_level = "debug"
log_output = "stdout"
log_console = true
mdns_enabled = true
nats_url = "nats://10.0.0.2:4222"
nats_subject_prefix = "board.events"
tick_hz = 32000
idle_poll_attempts = 50
idle_poll_interval_us = 5
dependency_poll_attempts = 7
dependency_poll_interval_us = 250
audit_max_rows = 99
sleep_with_companion = true
rate_limit_per_sec = 3.5
rate_burst = 4
sim_idle_after_polls = 2

[[cores]]
name = "km4"
run_domain = "np_run"
honor = ["ap_run", "wlan"]
peer_wake_vector = 49

[[cores]]
name = "ap"
run_domain = "ap_run"
companion = "np"
retention = "shutdown"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.ControlSocket != "/tmp/pm.sock" {
		t.Errorf("ControlSocket = %q", cfg.ControlSocket)
	}
	if cfg.StorePath != "/var/lib/pmcoord.db" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.LogLevel != "debug" || cfg.LogOutput != "stdout" || !cfg.LogConsole {
		t.Errorf("log fields = %q %q %v", cfg.LogLevel, cfg.LogOutput, cfg.LogConsole)
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled = false, want true")
	}
	if cfg.NatsURL != "nats://10.0.0.2:4222" || cfg.NatsSubjectPrefix != "board.events" {
		t.Errorf("nats = %q %q", cfg.NatsURL, cfg.NatsSubjectPrefix)
	}
	if cfg.TickHz != 32000 {
		t.Errorf("TickHz = %d", cfg.TickHz)
	}
	if cfg.IdlePollAttempts != 50 || cfg.IdlePollIntervalUs != 5 {
		t.Errorf("idle poll = %d/%d", cfg.IdlePollAttempts, cfg.IdlePollIntervalUs)
	}
	if cfg.DependencyPollAttempts != 7 || cfg.DependencyPollIntervalUs != 250 {
		t.Errorf("dependency poll = %d/%d", cfg.DependencyPollAttempts, cfg.DependencyPollIntervalUs)
	}
	if cfg.AuditMaxRows != 99 {
		t.Errorf("AuditMaxRows = %d", cfg.AuditMaxRows)
	}
	if !cfg.SleepWithCompanion {
		t.Error("SleepWithCompanion = false, want true")
	}
	if cfg.RateLimitPerSec != 3.5 || cfg.RateBurst != 4 {
		t.Errorf("rate = %v/%d", cfg.RateLimitPerSec, cfg.RateBurst)
	}
	if cfg.SimIdleAfterPolls != 2 {
		t.Errorf("SimIdleAfterPolls = %d", cfg.SimIdleAfterPolls)
	}
	if len(cfg.Cores) != 2 {
		t.Fatalf("len(Cores) = %d, want 2", len(cfg.Cores))
	}

	descs, err := cfg.Topology()
	if err != nil {
		t.Fatalf("Topology() error: %v", err)
	}
	np := descs[0]
	if np.ID != hal.CoreNP || np.RunDomain != wakelock.DomainNPRun {
		t.Errorf("np descriptor = %+v", np)
	}
	if np.Honor != wakelock.Mask(wakelock.DomainAPRun, wakelock.DomainWLAN) {
		t.Errorf("np honor = %#x", np.Honor)
	}
	if np.PeerWakeVector != 49 || np.IdlePollAttempts != 50 || np.IdlePollInterval != 5*time.Microsecond {
		t.Errorf("np poll/vector = %+v", np)
	}
	ap := descs[1]
	if !ap.HasCompanion || ap.Companion != hal.CoreNP || ap.Retention != hal.RetentionShutdown {
		t.Errorf("ap descriptor = %+v", ap)
	}
	if ap.DependencyPollAttempts != 7 || ap.DependencyPollInterval != 250*time.Microsecond {
		t.Errorf("ap dependency poll = %+v", ap)
	}
}

// TestLoad_Defaults verifies defaults fill an empty file.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.TickHz != DefaultTickHz || cfg.IdlePollAttempts != DefaultIdlePollAttempts {
		t.Errorf("tick/poll defaults not applied: %+v", cfg)
	}
	if cfg.DependencyPollAttempts != 0 {
		t.Errorf("DependencyPollAttempts = %d, want unbounded (0)", cfg.DependencyPollAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	descs, err := cfg.Topology()
	if err != nil {
		t.Fatalf("Topology() error: %v", err)
	}
	if len(descs) != 4 {
		t.Errorf("default topology has %d cores, want 4", len(descs))
	}
}

// TestLoad_MissingExplicitPath verifies an explicit path must exist.
func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

// TestLoad_ParseError verifies malformed TOML is rejected.
func TestLoad_ParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "addr = \n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

// TestValidate_Rejects covers the validation failures.
func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", `log_level = "loud"`},
		{"negative dependency attempts", `dependency_poll_attempts = -1`},
		{"unknown core", "[[cores]]\nname = \"dsp\"\nrun_domain = \"os\""},
		{"unknown domain", "[[cores]]\nname = \"np\"\nrun_domain = \"gpu\""},
		{"unknown honor", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\nhonor = [\"gpu\"]"},
		{"cycle", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\ncompanion = \"ap\"\n[[cores]]\nname = \"ap\"\nrun_domain = \"ap_run\"\ncompanion = \"np\""},
		{"bad retention", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\nretention = \"maybe\""},
		{"peer vector on a mailbox", "[[cores]]\nname = \"ap\"\nrun_domain = \"ap_run\"\n[[cores]]\nname = \"kr4\"\nrun_domain = \"kr4_run\"\npeer_wake_vector = 80"},
		{"peer vector on the timer", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\npeer_wake_vector = 32"},
		{"peer vector on a wake pin", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\npeer_wake_vector = 70"},
		{"peer vector shared", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\npeer_wake_vector = 48\n[[cores]]\nname = \"kr4\"\nrun_domain = \"kr4_run\"\npeer_wake_vector = 48"},
		{"peer vector too large", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\npeer_wake_vector = 70000"},
		{"retention off", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\nretention = \"off\""},
		{"peer vector negative", "[[cores]]\nname = \"np\"\nrun_domain = \"np_run\"\npeer_wake_vector = -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !pmerrors.IsCode(err, pmerrors.CodeConfigInvalid) {
				t.Errorf("code = %q, want %q", pmerrors.GetCode(err), pmerrors.CodeConfigInvalid)
			}
		})
	}
}

// TestWriteDefault verifies the generated file loads and is never overwritten.
func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q", cfg.Addr)
	}

	if err := os.WriteFile(path, []byte(`addr = "1.2.3.4:1"`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() second call error: %v", err)
	}
	cfg, _ = Load(path)
	if cfg.Addr != "1.2.3.4:1" {
		t.Errorf("WriteDefault overwrote existing file")
	}
}
