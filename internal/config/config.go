// Package config provides TOML configuration file loading for the pmcoord
// daemon. The configuration file lives at ~/.pmcoord/config.toml by default,
// but can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/power"
	"github.com/corepower/pmcoord/internal/wakelock"
)

// Config represents the daemon configuration file structure.
type Config struct {
	// Addr is the host:port for the HTTP/WebSocket API.
	// Default: 127.0.0.1:7380
	Addr string `toml:"addr"`

	// ControlSocket is the Unix socket the CLI talks to.
	// Default: ~/.pmcoord/control.sock
	ControlSocket string `toml:"control_socket"`

	// StorePath is the SQLite database for transition history.
	// Default: ~/.pmcoord/pmcoord.db
	StorePath string `toml:"store_path"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogOutput is "stderr", "stdout" or a file path.
	LogOutput string `toml:"log_output"`

	// LogConsole switches to human-readable log lines.
	LogConsole bool `toml:"log_console"`

	// MdnsEnabled advertises the API on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// NatsURL, when set, publishes every coordinator event to NATS.
	NatsURL           string `toml:"nats_url"`
	NatsSubjectPrefix string `toml:"nats_subject_prefix"`

	// TickHz is the always-on counter frequency.
	TickHz uint32 `toml:"tick_hz"`

	IdlePollAttempts         int `toml:"idle_poll_attempts"`
	IdlePollIntervalUs       int `toml:"idle_poll_interval_us"`
	DependencyPollAttempts   int `toml:"dependency_poll_attempts"`
	DependencyPollIntervalUs int `toml:"dependency_poll_interval_us"`

	// AuditMaxRows bounds the transition and wakelock audit tables.
	AuditMaxRows int `toml:"audit_max_rows"`

	// SleepWithCompanion releases the os lock when a core is clock gated.
	SleepWithCompanion bool `toml:"sleep_with_companion"`

	// RateLimitPerSec and RateBurst limit mutating API requests.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	RateBurst       int     `toml:"rate_burst"`

	// SimIdleAfterPolls is how many idle reads the simulated SoC answers
	// false before a core reports idle. -1 never reports idle.
	SimIdleAfterPolls int `toml:"sim_idle_after_polls"`

	// Cores overrides the built-in four-core topology.
	Cores []CoreConfig `toml:"cores"`
}

// CoreConfig describes one core in the topology.
type CoreConfig struct {
	Name           string   `toml:"name"`
	RunDomain      string   `toml:"run_domain"`
	Honor          []string `toml:"honor"`
	Companion      string   `toml:"companion"`
	PeerWakeVector int      `toml:"peer_wake_vector"`
	Retention      string   `toml:"retention"`
}

// DefaultDir returns ~/.pmcoord.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pmcoord"), nil
}

// DefaultConfigPath returns the default config file location: ~/.pmcoord/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultControlSocket returns ~/.pmcoord/control.sock.
func DefaultControlSocket() string {
	dir, err := DefaultDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pmcoord-control.sock")
	}
	return filepath.Join(dir, "control.sock")
}

// DefaultStorePath returns ~/.pmcoord/pmcoord.db.
func DefaultStorePath() string {
	dir, err := DefaultDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pmcoord.db")
	}
	return filepath.Join(dir, "pmcoord.db")
}

// WriteDefault creates a config file with the built-in defaults at path.
// An existing file is never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# pmcoord configuration

addr = %q
log_level = %q

# Poll bounds for the idle signal and companion wait.
idle_poll_attempts = %d
idle_poll_interval_us = %d
dependency_poll_attempts = %d
dependency_poll_interval_us = %d

audit_max_rows = %d

# Uncomment to publish events to NATS.
# nats_url = "nats://127.0.0.1:4222"
`, DefaultAddr, DefaultLogLevel, DefaultIdlePollAttempts, DefaultIdlePollIntervalUs,
		DefaultDependencyPollAttempts, DefaultDependencyPollIntervalUs, DefaultAuditMaxRows)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns a default Config without error if that file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ControlSocket == "" {
		c.ControlSocket = DefaultControlSocket()
	}
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath()
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.NatsSubjectPrefix == "" {
		c.NatsSubjectPrefix = DefaultNatsSubjectPrefix
	}
	if c.TickHz == 0 {
		c.TickHz = DefaultTickHz
	}
	if c.IdlePollAttempts == 0 {
		c.IdlePollAttempts = DefaultIdlePollAttempts
	}
	if c.IdlePollIntervalUs == 0 {
		c.IdlePollIntervalUs = DefaultIdlePollIntervalUs
	}
	if c.DependencyPollIntervalUs == 0 {
		c.DependencyPollIntervalUs = DefaultDependencyPollIntervalUs
	}
	if c.AuditMaxRows == 0 {
		c.AuditMaxRows = DefaultAuditMaxRows
	}
	if c.RateLimitPerSec == 0 {
		c.RateLimitPerSec = DefaultRateLimitPerSec
	}
	if c.RateBurst == 0 {
		c.RateBurst = DefaultRateBurst
	}
}

// Validate checks field ranges and the core topology.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return pmerrors.ConfigInvalid(fmt.Sprintf("log_level %q: want trace, debug, info, warn or error", c.LogLevel))
	}
	if c.IdlePollAttempts < 0 {
		return pmerrors.ConfigInvalid("idle_poll_attempts must be positive")
	}
	if c.DependencyPollAttempts < 0 {
		return pmerrors.ConfigInvalid("dependency_poll_attempts must be >= 0")
	}
	if c.IdlePollIntervalUs < 0 || c.DependencyPollIntervalUs < 0 {
		return pmerrors.ConfigInvalid("poll intervals must be >= 0")
	}
	if c.RateLimitPerSec < 0 || c.RateBurst < 0 {
		return pmerrors.ConfigInvalid("rate limits must be >= 0")
	}
	if c.AuditMaxRows < 0 {
		return pmerrors.ConfigInvalid("audit_max_rows must be >= 0")
	}
	if _, err := c.Topology(); err != nil {
		return err
	}
	return nil
}

// Topology builds the core descriptor table with the configured poll
// bounds. With no [[cores]] the built-in topology is used.
func (c *Config) Topology() ([]power.CoreDescriptor, error) {
	var descs []power.CoreDescriptor
	if len(c.Cores) == 0 {
		descs = power.DefaultTopology()
	} else {
		for _, cc := range c.Cores {
			d, err := cc.descriptor()
			if err != nil {
				return nil, err
			}
			descs = append(descs, d)
		}
	}

	for i := range descs {
		descs[i].IdlePollAttempts = c.IdlePollAttempts
		descs[i].IdlePollInterval = time.Duration(c.IdlePollIntervalUs) * time.Microsecond
		descs[i].DependencyPollAttempts = c.DependencyPollAttempts
		descs[i].DependencyPollInterval = time.Duration(c.DependencyPollIntervalUs) * time.Microsecond
	}

	if err := power.ValidateTopology(descs); err != nil {
		return nil, pmerrors.Wrap(pmerrors.CodeConfigInvalid, "cores", err)
	}
	if err := checkPeerVectors(descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// checkPeerVectors rejects peer wake vectors that share a line with the
// timer, a wake pin, a mailbox or another core. Arming a shared line
// would replace that line's handler.
func checkPeerVectors(descs []power.CoreDescriptor) error {
	reserved := map[hal.Vector]string{TimerVector: "the wake timer"}
	for i := 0; i < WakePinCount; i++ {
		reserved[PinVectorBase+hal.Vector(i)] = fmt.Sprintf("wake pin %d", i)
	}
	for _, d := range descs {
		reserved[MailboxVector(d.ID)] = fmt.Sprintf("the %s mailbox", d.ID)
	}
	for _, d := range descs {
		v := d.PeerWakeVector
		if v == 0 {
			continue
		}
		if v > MaxVector {
			return pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: peer_wake_vector %d out of range 1-%d", d.ID, v, MaxVector))
		}
		if owner, taken := reserved[v]; taken {
			return pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: peer_wake_vector %d is used by %s", d.ID, v, owner))
		}
		reserved[v] = fmt.Sprintf("core %s", d.ID)
	}
	return nil
}

func (cc CoreConfig) descriptor() (power.CoreDescriptor, error) {
	id, ok := hal.ParseCoreID(cc.Name)
	if !ok {
		return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores: unknown core %q", cc.Name))
	}
	run, ok := wakelock.ParseDomain(cc.RunDomain)
	if !ok {
		return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: unknown run_domain %q", cc.Name, cc.RunDomain))
	}
	if cc.PeerWakeVector < 0 || cc.PeerWakeVector > int(MaxVector) {
		return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: peer_wake_vector %d out of range 1-%d", cc.Name, cc.PeerWakeVector, MaxVector))
	}
	d := power.CoreDescriptor{
		ID:             id,
		RunDomain:      run,
		PeerWakeVector: hal.Vector(cc.PeerWakeVector),
	}
	for _, name := range cc.Honor {
		dom, ok := wakelock.ParseDomain(name)
		if !ok {
			return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: unknown honor domain %q", cc.Name, name))
		}
		d.Honor |= dom.Bit()
	}
	if cc.Companion != "" {
		comp, ok := hal.ParseCoreID(cc.Companion)
		if !ok {
			return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: unknown companion %q", cc.Name, cc.Companion))
		}
		d.Companion = comp
		d.HasCompanion = true
	}
	mode, ok := hal.ParseRetentionMode(cc.Retention)
	if !ok {
		return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: unknown retention %q", cc.Name, cc.Retention))
	}
	if mode == hal.RetentionOff {
		return power.CoreDescriptor{}, pmerrors.ConfigInvalid(fmt.Sprintf("cores.%s: retention %q cannot be used while gated, want retain or shutdown", cc.Name, cc.Retention))
	}
	d.Retention = mode
	return d, nil
}
