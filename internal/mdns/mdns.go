// Package mdns advertises a running pmcoord daemon on the local network
// with DNS-SD so that dashboards can find its HTTP API.
//
// Service type is _pmcoord._tcp. TXT records carry the API version, the
// instance name, the configured cores and the tick frequency.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD service type for pmcoord daemons.
const ServiceType = "_pmcoord._tcp"

// ProtocolVersion is bumped when the HTTP API changes incompatibly.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the HTTP API port.
	Port int
	// Name defaults to the system hostname.
	Name string
	// Cores lists the managed cores, e.g. ap, np, lp, kr4.
	Cores  []string
	TickHz uint32
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	log    zerolog.Logger
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; nothing is sent until Start.
func NewAdvertiser(cfg Config, log zerolog.Logger) *Advertiser {
	return &Advertiser{config: cfg, log: log}
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "pmcoord"
}

// txtRecords builds the TXT strings. Each stays well under the 255 byte
// limit for a DNS character-string.
func (a *Advertiser) txtRecords(name string) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
	if len(a.config.Cores) > 0 {
		txt = append(txt, "cores="+strings.Join(a.config.Cores, ","))
	}
	if a.config.TickHz != 0 {
		txt = append(txt, "tick_hz="+strconv.FormatUint(uint64(a.config.TickHz), 10))
	}
	return txt
}

// Start registers the service. Calling it while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.log.Info().Str("instance", name).Int("port", a.config.Port).Msg("advertising over mdns")
	return nil
}

// Stop unregisters the service. It is safe to call at any time.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a daemon found by Discover.
type DiscoveredHost struct {
	Name    string
	Host    string
	Port    int
	Version string
	Cores   []string
	TickHz  uint32
}

// applyTXT fills host fields from the advertised TXT records. Unknown keys
// are ignored.
func (h *DiscoveredHost) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			h.Version = value
		case "name":
			h.Name = value
		case "cores":
			if value != "" {
				h.Cores = strings.Split(value, ",")
			}
		case "tick_hz":
			if hz, err := strconv.ParseUint(value, 10, 32); err == nil {
				h.TickHz = uint32(hz)
			}
		}
	}
}

// Discover browses for daemons until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			host := DiscoveredHost{Name: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				host.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				host.Host = entry.AddrIPv6[0].String()
			}
			host.applyTXT(entry.Text)

			mu.Lock()
			hosts = append(hosts, host)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()

	return hosts, nil
}
