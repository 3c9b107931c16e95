package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"convsync/logging"
)

// ErrScannerStopped is returned by Refresh after Stop.
var ErrScannerStopped = errors.New("server scanner is stopped")

const (
	// EventServerUpserted is emitted when a server appears or its metadata changes.
	EventServerUpserted EventType = "server_upserted"
	// EventServerRemoved is emitted when a previously seen server disappears.
	EventServerRemoved EventType = "server_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type   EventType
	Server Server
}

// Server is an API server found on the local network.
type Server struct {
	NodeID    string
	Name      string
	Version   int
	APIPath   string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// BaseURL returns an http URL for the first advertised address, or "" when the
// server advertised none. Pass it to client.New.
func (s Server) BaseURL() string {
	if len(s.Addresses) == 0 || s.Port <= 0 {
		return ""
	}
	return "http://" + net.JoinHostPort(s.Addresses[0], strconv.Itoa(s.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// ServerScanner browses for API servers periodically and on demand.
type ServerScanner struct {
	cfg    Config
	browse BrowseFunc
	log    zerolog.Logger

	mu      sync.RWMutex
	servers map[string]Server

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewServerScanner creates a scanner with config defaults applied. Servers
// advertising cfg.NodeID are ignored.
func NewServerScanner(config Config) (*ServerScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.Browse
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &ServerScanner{
		cfg:             cfg,
		browse:          browse,
		log:             logging.Component(cfg.Logger, "discovery"),
		servers:         make(map[string]Server),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *ServerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *ServerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when
// nobody reads them.
func (s *ServerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and waits for it.
func (s *ServerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("server scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Servers returns a snapshot sorted by name, then node id.
func (s *ServerScanner) Servers() []Server {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *ServerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("mDNS browse failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("mDNS browse failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ServerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Server)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes entries once it stops browsing.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				srv, ok := parseEntry(entry, s.cfg.NodeID)
				if !ok {
					continue
				}
				srv.LastSeen = time.Now()
				collected[srv.NodeID] = srv
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A cancelled refresh or a stopped scanner leaves the previous snapshot in place.
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		s.applySnapshot(collected)
		return nil
	}
	return requestCtx.Err()
}

func (s *ServerScanner) applySnapshot(next map[string]Server) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.servers
	s.servers = next

	for id, srv := range next {
		old, exists := previous[id]
		if !exists || !serversEqual(old, srv) {
			s.emitEvent(Event{Type: EventServerUpserted, Server: srv})
		}
	}
	for id, srv := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventServerRemoved, Server: srv})
		}
	}
}

func (s *ServerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (Server, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt[txtNodeID])
	if nodeID == "" || nodeID == selfNodeID {
		return Server{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then lexical.
	sort.SliceStable(addresses, func(i, j int) bool {
		vi, vj := strings.Contains(addresses[i], ":"), strings.Contains(addresses[j], ":")
		if vi != vj {
			return !vi
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return Server{
		NodeID:    nodeID,
		Name:      name,
		Version:   version,
		APIPath:   txt[txtAPIPath],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func serversEqual(a, b Server) bool {
	if a.NodeID != b.NodeID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.APIPath != b.APIPath ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
