package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/corepower/pmcoord/internal/config"
	"github.com/corepower/pmcoord/internal/events"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/ipc"
	"github.com/corepower/pmcoord/internal/logger"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/mdns"
	"github.com/corepower/pmcoord/internal/metrics"
	"github.com/corepower/pmcoord/internal/power"
	"github.com/corepower/pmcoord/internal/server"
	"github.com/corepower/pmcoord/internal/storage"
	"github.com/corepower/pmcoord/internal/wakesource"
)

// daemon is every long-lived component of a running coordinator.
type daemon struct {
	cfg *config.Config
	log zerolog.Logger

	sim        *hal.Sim
	store      *storage.SQLiteStore
	metrics    *metrics.Sink
	nats       *events.NATSSink
	srv        *server.Server
	co         *power.Coordinator
	dispatcher *power.Dispatcher
	inbound    map[hal.CoreID]*mailbox.Channel
	socket     *ipc.ControlSocketServer
	advertiser *mdns.Advertiser
}

// newDaemon builds the component graph. Nothing listens until start.
func newDaemon(cfg *config.Config) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topology, err := cfg.Topology()
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:     cfg,
		log:     logger.WithComponent("daemon"),
		inbound: make(map[hal.CoreID]*mailbox.Channel),
	}

	d.sim = hal.NewSim(hal.SimConfig{
		TickHz:         cfg.TickHz,
		TimerVector:    config.TimerVector,
		PinVectorBase:  config.PinVectorBase,
		IdleAfterPolls: cfg.SimIdleAfterPolls,
		Realtime:       true,
	})

	if cfg.StorePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	d.store, err = storage.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	d.metrics = metrics.New()
	d.srv = server.New(server.Config{
		Addr:          cfg.Addr,
		RateLimit:     cfg.RateLimitPerSec,
		RateBurst:     cfg.RateBurst,
		ControlSocket: cfg.ControlSocket,
	}, logger.WithComponent("server"))

	sinks := power.MultiSink{storage.NewEventSink(d.store, cfg.AuditMaxRows), d.metrics, d.srv}
	if cfg.NatsURL != "" {
		d.nats, err = events.Connect(cfg.NatsURL, "pmcoord", cfg.NatsSubjectPrefix, logger.WithComponent("nats"))
		if err != nil {
			d.close()
			return nil, err
		}
		sinks = append(sinks, d.nats)
	}

	d.co, err = power.NewCoordinator(power.Options{
		Platform:           d.sim,
		WakeConfig:         wakesource.Config{TimerVector: config.TimerVector, PinVectorBase: config.PinVectorBase},
		TickHz:             cfg.TickHz,
		Cores:              topology,
		SleepWithCompanion: cfg.SleepWithCompanion,
		Sink:               sinks,
		Logger:             logger.WithComponent("power"),
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.dispatcher = power.NewDispatcher(d.co)
	mboxLog := logger.WithComponent("mailbox")
	for _, desc := range topology {
		inbound := mailbox.NewChannel(mailbox.ChannelConfig{
			From:   desc.ID,
			To:     hal.CoreLP,
			Vector: config.MailboxVector(desc.ID),
		}, d.sim, mboxLog)
		// Outbound mailboxes reuse the peer wake vector so a wake
		// notification to a gated core fires its peer wake source.
		var outbound *mailbox.Channel
		if desc.PeerWakeVector != 0 {
			outbound = mailbox.NewChannel(mailbox.ChannelConfig{
				From:   hal.CoreLP,
				To:     desc.ID,
				Vector: desc.PeerWakeVector,
			}, d.sim, mboxLog)
		}
		if err := d.dispatcher.Attach(desc.ID, inbound, outbound); err != nil {
			d.close()
			return nil, err
		}
		d.inbound[desc.ID] = inbound
	}

	d.srv.SetCoordinator(d.co)
	d.srv.SetDispatcher(d.dispatcher)
	d.srv.SetHistoryStore(d.store)
	d.srv.SetMetricsHandler(d.metrics.Handler())
	d.srv.SetMailboxes(d.inbound)

	d.socket = ipc.NewControlSocketServer(cfg.ControlSocket, d.srv.Handler(), logger.WithComponent("ipc"))
	return d, nil
}

// start opens the listeners. mDNS failures are logged, not fatal.
func (d *daemon) start() error {
	if err := d.srv.Start(); err != nil {
		return err
	}
	if err := d.socket.Start(); err != nil {
		return err
	}

	if d.cfg.MdnsEnabled {
		port := 0
		if _, p, err := net.SplitHostPort(d.srv.Addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
		cores := make([]string, 0, len(d.co.Cores()))
		for _, id := range d.co.Cores() {
			cores = append(cores, id.String())
		}
		d.advertiser = mdns.NewAdvertiser(mdns.Config{Port: port, Cores: cores, TickHz: d.cfg.TickHz}, logger.WithComponent("mdns"))
		if err := d.advertiser.Start(); err != nil {
			d.log.Warn().Err(err).Msg("mdns advertisement unavailable")
			d.advertiser = nil
		}
	}
	return nil
}

// close tears down in reverse order. It tolerates a partially built daemon.
func (d *daemon) close() {
	if d.advertiser != nil {
		d.advertiser.Stop()
	}
	if d.socket != nil {
		if err := d.socket.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("control socket stop failed")
		}
	}
	if d.srv != nil {
		d.srv.Stop()
	}
	if d.co != nil {
		d.co.Close()
	}
	if d.nats != nil {
		d.nats.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}
