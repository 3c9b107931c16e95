package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		NodeID:   "node-123",
		NodeName: "Listings API",
		Port:     8080,
		APIPath:  "/api/v1",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	defer broadcaster.Stop()

	if gotInstance != "Listings API" || gotService != DefaultService || gotDomain != DefaultDomain || gotPort != 8080 {
		t.Fatalf("unexpected registration: %q %q %q %d", gotInstance, gotService, gotDomain, gotPort)
	}
	for _, want := range []string{"node_id=node-123", "version=1", "api_path=/api/v1"} {
		assertContainsTXT(t, gotTXT, want)
	}
}

func TestStartBroadcasterValidation(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing node id", cfg: Config{NodeName: "a", Port: 1}},
		{name: "missing name", cfg: Config{NodeID: "a", Port: 1}},
		{name: "missing port", cfg: Config{NodeID: "a", NodeName: "a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.registerFn = register
			if _, err := StartBroadcaster(tc.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	failing := Config{NodeID: "a", NodeName: "a", Port: 1, registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, errors.New("no multicast")
	}}
	if _, err := StartBroadcaster(failing); err == nil {
		t.Fatalf("expected register error to surface")
	}
}

func TestServerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		NodeID:          "self-node",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-node", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("node-1", "Primary", 8080, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("node-2", "Replica", 8081, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewServerScanner(cfg)
	if err != nil {
		t.Fatalf("NewServerScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		servers := scanner.Servers()
		return len(servers) == 1 && servers[0].NodeID == "node-1"
	})
	if got := scanner.Servers()[0].BaseURL(); got != "http://10.0.0.2:8080" {
		t.Fatalf("unexpected base URL %q", got)
	}

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if servers := scanner.Servers(); len(servers) != 2 || servers[0].Name != "Primary" || servers[1].Name != "Replica" {
		t.Fatalf("unexpected servers after refresh: %+v", servers)
	}
}

func TestServerScannerEmitsRemoval(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		NodeID:          "self-node",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("node-1", "Primary", 8080, "10.0.0.2")
			}
			entries <- testServiceEntry("node-2", "Replica", 8081, "10.0.0.3")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewServerScanner(cfg)
	if err != nil {
		t.Fatalf("NewServerScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventServerRemoved, "node-1", 2*time.Second) {
		t.Fatalf("expected removal event for node-1")
	}
	if servers := scanner.Servers(); len(servers) != 1 || servers[0].NodeID != "node-2" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestServerScannerBrowseErrorKeepsSnapshot(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		Browse: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) > 1 {
				return errors.New("multicast unavailable")
			}
			entries <- testServiceEntry("node-1", "Primary", 8080, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewServerScanner(cfg)
	if err != nil {
		t.Fatalf("NewServerScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error before Start")
	}
	scanner.Start()

	waitForCondition(t, time.Second, func() bool { return len(scanner.Servers()) == 1 })
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected browse error from Refresh")
	}
	if len(scanner.Servers()) != 1 {
		t.Fatalf("a failed browse must not drop known servers")
	}

	scanner.Stop()
	if err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped, got %v", err)
	}
}

func TestParseEntryOrdersAddresses(t *testing.T) {
	entry := testServiceEntry("node-1", "", 8080, "10.0.0.9")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.9"))
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	srv, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	want := []string{"10.0.0.2", "10.0.0.9", "fe80::1"}
	if len(srv.Addresses) != len(want) {
		t.Fatalf("expected %v, got %v", want, srv.Addresses)
	}
	for i := range want {
		if srv.Addresses[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, srv.Addresses)
		}
	}
	if srv.Name != ".local" {
		t.Fatalf("expected host name fallback, got %q", srv.Name)
	}

	if _, ok := parseEntry(&zeroconf.ServiceEntry{Text: []string{"version=1"}}, "self"); ok {
		t.Fatalf("entries without node_id must be ignored")
	}
}

func testServiceEntry(nodeID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"node_id=" + nodeID,
			"version=1",
			"api_path=/api/v1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, nodeID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Server.NodeID == nodeID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
