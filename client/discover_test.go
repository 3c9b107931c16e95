package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"convsync/discovery"
	"convsync/models"
)

func serviceEntry(nodeID, instance, apiPath string, version, port int) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  discovery.DefaultService,
			Domain:   discovery.DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"node_id=" + nodeID,
			"version=" + strconv.Itoa(version),
			"api_path=" + apiPath,
		},
		AddrIPv4: []net.IP{net.ParseIP("127.0.0.1")},
	}
}

func announce(entries ...*zeroconf.ServiceEntry) discovery.BrowseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		for _, e := range entries {
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		}
		<-ctx.Done()
		return nil
	}
}

func TestDiscoverUsesFirstCompatibleServer(t *testing.T) {
	srv := newTestServer(t)
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	cfg := discovery.Config{
		ScanTimeout:     40 * time.Millisecond,
		RefreshInterval: time.Hour,
		Browse: announce(
			serviceEntry("old", "A-legacy", models.APIBasePath, 0, 1),
			serviceEntry("other", "B-other-path", "/api/v2", discovery.DefaultVersion, 1),
			serviceEntry("node-1", "C-primary", models.APIBasePath, discovery.DefaultVersion, port),
		),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Discover(ctx, cfg, 1)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if c.UserID() != 1 {
		t.Fatalf("unexpected user id %d", c.UserID())
	}

	created, err := c.CreateConversation(ctx, models.CreateConversationRequest{ParticipantIDs: []int64{2}})
	if err != nil {
		t.Fatalf("CreateConversation through discovered server failed: %v", err)
	}
	list, err := c.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.Conversation.ID {
		t.Fatalf("unexpected conversations: %+v", list)
	}
}

func TestDiscoverWithoutServers(t *testing.T) {
	cfg := discovery.Config{
		ScanTimeout:     20 * time.Millisecond,
		RefreshInterval: time.Hour,
		Browse:          announce(),
	}
	if _, err := Discover(context.Background(), cfg, 1); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}
