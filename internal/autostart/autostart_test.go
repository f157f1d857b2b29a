package autostart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/core"
)

type fakeStore struct {
	hosts []core.Host
}

func (f fakeStore) ListAllHostsWithEnabledTunnels(context.Context) ([]core.Host, error) {
	return f.hosts, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEngine) Connect(_ context.Context, userID string, host core.Host, tc core.TunnelConnection, useAutostart bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !useAutostart {
		return "", core.New(core.KindValidation, "expected useAutostart")
	}
	name := tc.Name(host.Name)
	f.calls = append(f.calls, name)
	return name, nil
}

func TestRunSkipsTunnelsWithoutAutoStart(t *testing.T) {
	store := fakeStore{hosts: []core.Host{
		{
			Name: "h1", UserID: "u1",
			TunnelConnections: []core.TunnelConnection{
				{SourcePort: 8080, EndpointPort: 9090, AutoStart: true},
				{SourcePort: 8081, EndpointPort: 9091, AutoStart: false},
			},
		},
	}}
	engine := &fakeEngine{}

	started, err := Run(context.Background(), store, engine)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(started) != 1 || started[0] != "h1_8080_9090" {
		t.Fatalf("got %v, want exactly [h1_8080_9090]", started)
	}
}

func TestRunStaggersSuccessiveConnects(t *testing.T) {
	store := fakeStore{hosts: []core.Host{
		{
			Name: "h1", UserID: "u1",
			TunnelConnections: []core.TunnelConnection{
				{SourcePort: 1, EndpointPort: 2, AutoStart: true},
				{SourcePort: 3, EndpointPort: 4, AutoStart: true},
			},
		},
	}}
	engine := &fakeEngine{}

	start := time.Now()
	started, err := Run(context.Background(), store, engine)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("expected 2 tunnels started, got %d", len(started))
	}
	if elapsed < 900*time.Millisecond {
		t.Fatalf("expected the second connect to be staggered by ~1s, elapsed only %v", elapsed)
	}
}

func TestRunContinuesPastAConnectError(t *testing.T) {
	store := fakeStore{hosts: []core.Host{
		{Name: "bad", UserID: "u1", TunnelConnections: []core.TunnelConnection{
			{SourcePort: 1, EndpointPort: 2, AutoStart: true},
		}},
	}}

	eng := erroringEngine{}
	started, err := Run(context.Background(), store, eng)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(started) != 0 {
		t.Fatalf("expected no successfully started tunnels, got %v", started)
	}
}

type erroringEngine struct{}

func (erroringEngine) Connect(context.Context, string, core.Host, core.TunnelConnection, bool) (string, error) {
	return "", core.New(core.KindNetworkFatal, "boom")
}
