// Package discovery advertises convsync API servers on the local network and
// lets clients find them over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"convsync/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_convsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys.
const (
	txtNodeID  = "node_id"
	txtVersion = "version"
	txtAPIPath = "api_path"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
// BrowseFunc streams service entries until ctx is done. zeroconf's
// Resolver.Browse has this shape.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the broadcaster and the scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	NodeID   string
	NodeName string
	Port     int
	APIPath  string

	Logger zerolog.Logger

	// Browse replaces the mDNS resolver used by the scanner. Nil browses the
	// local network.
	Browse BrowseFunc

	registerFn registerFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node ID is required")
	}
	if strings.TrimSpace(c.NodeName) == "" {
		return errors.New("node name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster advertises a local API server via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// StartBroadcaster registers the service and starts answering queries.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.NodeName, cfg.Service, cfg.Domain, cfg.Port, txtRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	log := logging.Component(cfg.Logger, "discovery")
	log.Info().
		Str("service", cfg.Service).
		Str("node_id", cfg.NodeID).
		Int("port", cfg.Port).
		Msg("advertising API server")
	return &Broadcaster{server: server, log: log}, nil
}

func txtRecords(cfg Config) []string {
	txt := []string{
		txtNodeID + "=" + cfg.NodeID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}
	if cfg.APIPath != "" {
		txt = append(txt, txtAPIPath+"="+cfg.APIPath)
	}
	return txt
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.log.Info().Msg("stopped advertising API server")
}
