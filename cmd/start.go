package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/corepower/pmcoord/internal/config"
	"github.com/corepower/pmcoord/internal/logger"
)

// StartConfig holds the command-line overrides for "pmcoord start".
type StartConfig struct {
	Config        string
	Addr          string
	ControlSocket string
	StorePath     string
	LogLevel      string
	LogOutput     string
	LogConsole    bool
	MdnsEnabled   bool
	NatsURL       string
	SimIdleAfter  int
	WriteConfig   bool
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	sc := &StartConfig{}
	fs.StringVar(&sc.Config, "config", "", "Path to config file (default: ~/.pmcoord/config.toml)")
	fs.StringVar(&sc.Addr, "addr", "", "HTTP/WebSocket API address (default: 127.0.0.1:7380)")
	fs.StringVar(&sc.ControlSocket, "socket", "", "Control socket path (default: ~/.pmcoord/control.sock)")
	fs.StringVar(&sc.StorePath, "store", "", "SQLite history database (default: ~/.pmcoord/pmcoord.db)")
	fs.StringVar(&sc.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&sc.LogOutput, "log-output", "", "Log destination: stderr, stdout or a file path")
	fs.BoolVar(&sc.LogConsole, "log-console", false, "Human-readable log lines instead of JSON")
	fs.BoolVar(&sc.MdnsEnabled, "mdns", false, "Advertise the API over mDNS (LAN-visible)")
	fs.StringVar(&sc.NatsURL, "nats-url", "", "Publish coordinator events to this NATS server")
	fs.IntVar(&sc.SimIdleAfter, "sim-idle-after", 0, "Idle reads the simulated cores answer false before idling (-1 never idles)")
	fs.BoolVar(&sc.WriteConfig, "write-config", false, "Write a default config file if none exists")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pmcoord start [options]\n\nBoot the coordinator on the simulated SoC and serve its API.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if sc.WriteConfig {
		path := sc.Config
		if path == "" {
			var err error
			if path, err = config.DefaultConfigPath(); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		sc.Config = path
	}

	cfg, err := config.Load(sc.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	mergeStartFlags(cfg, sc, explicitFlags)

	closer, err := logger.Init(logger.Config{Level: cfg.LogLevel, Output: cfg.LogOutput, Console: cfg.LogConsole})
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid logging configuration: %v\n", err)
		return 1
	}
	defer closer.Close()

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer d.close()

	if err := d.start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "pmcoord %s running\n", Version)
	fmt.Fprintf(stdout, "  API:     http://%s\n", d.srv.Addr())
	fmt.Fprintf(stdout, "  Socket:  %s\n", cfg.ControlSocket)
	fmt.Fprintf(stdout, "  Store:   %s\n", cfg.StorePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(stdout, "Shutting down")
	return 0
}

// mergeStartFlags applies explicit CLI values over the file config.
func mergeStartFlags(cfg *config.Config, sc *StartConfig, explicit map[string]bool) {
	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if sc.ControlSocket != "" {
		cfg.ControlSocket = sc.ControlSocket
	}
	if sc.StorePath != "" {
		cfg.StorePath = sc.StorePath
	}
	if sc.LogLevel != "" {
		cfg.LogLevel = sc.LogLevel
	}
	if sc.LogOutput != "" {
		cfg.LogOutput = sc.LogOutput
	}
	if sc.NatsURL != "" {
		cfg.NatsURL = sc.NatsURL
	}
	// Booleans and ints only override when given, so --mdns=false can win
	// over a config file that enables it.
	if explicit["log-console"] {
		cfg.LogConsole = sc.LogConsole
	}
	if explicit["mdns"] {
		cfg.MdnsEnabled = sc.MdnsEnabled
	}
	if explicit["sim-idle-after"] {
		cfg.SimIdleAfterPolls = sc.SimIdleAfter
	}
}
