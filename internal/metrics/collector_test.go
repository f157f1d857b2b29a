package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scjtqs2/Termix-sub002/internal/credential"
	"github.com/scjtqs2/Termix-sub002/internal/queue"
)

func TestCPUPercentComputation(t *testing.T) {
	sampleA := "cpu  100 0 100 800 0 0 0 0 0 0\nintr 1"
	sampleB := "cpu  150 0 150 900 0 0 0 0 0 0\nintr 2"
	pct, ok := cpuPercent(sampleA, sampleB)
	if !ok {
		t.Fatal("expected cpuPercent to succeed")
	}
	// total delta = (150+150+900)-(100+100+800) = 200; idle delta = 100
	// (200-100)/200*100 = 50
	if pct != 50 {
		t.Fatalf("got %d, want 50", pct)
	}
}

func TestCPUPercentClampedToBounds(t *testing.T) {
	// The idle counter went backwards: total delta = 2000-1000 = 1000,
	// idle delta = 0-1000 = -1000, raw (1000+1000)/1000*100 = 200.
	sampleA := "cpu  0 0 0 1000 0 0 0 0 0 0"
	sampleB := "cpu  2000 0 0 0 0 0 0 0 0 0"
	pct, ok := cpuPercent(sampleA, sampleB)
	if !ok {
		t.Fatal("expected cpuPercent to succeed on an out-of-range sample")
	}
	if pct < 0 || pct > 100 {
		t.Fatalf("expected clamped percent, got %d", pct)
	}
}

func TestParseDfPercent(t *testing.T) {
	out := "Filesystem     1B-blocks       Used  Available Use% Mounted on\n/dev/sda1  21474836480 10737418240 10737418240  50% /\n"
	pct, ok := parseDfPercent(out)
	if !ok || pct != 50 {
		t.Fatalf("got %d,%v want 50,true", pct, ok)
	}
}

func TestClampPercent(t *testing.T) {
	if clampPercent(-5) != 0 {
		t.Fatal("expected negative to clamp to 0")
	}
	if clampPercent(150) != 100 {
		t.Fatal("expected over-100 to clamp to 100")
	}
	if clampPercent(33.6) != 34 {
		t.Fatalf("expected rounding, got %d", clampPercent(33.6))
	}
}

type failingPool struct{}

func (failingPool) Acquire(_ context.Context, _ credential.ConnectConfig) (*ssh.Client, error) {
	return nil, errors.New("no route to host")
}
func (failingPool) Release(_ credential.ConnectConfig, _ *ssh.Client) {}

func TestCollectSurfacesAcquireFailure(t *testing.T) {
	c := New(failingPool{}, queue.New(), prometheus.NewRegistry())
	_, err := c.Collect(context.Background(), "h1", credential.ConnectConfig{})
	if err == nil {
		t.Fatal("expected an error when the pool cannot produce a client")
	}
}

func TestCollectCachesSuccessfulSnapshot(t *testing.T) {
	c := New(failingPool{}, queue.New(), prometheus.NewRegistry())
	want := Snapshot{HostID: "h1", Online: true, CollectedAt: time.Now()}
	c.store("h1", want)

	got, err := c.Collect(context.Background(), "h1", credential.ConnectConfig{})
	if err != nil {
		t.Fatalf("expected cache hit to avoid the failing pool, got %v", err)
	}
	if got.HostID != want.HostID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
