// Package metrics is the MetricsCollector component: a TCP liveness
// probe plus a cached, best-effort `/proc` + `df` sampling pipeline.
//
// Command execution over a pooled client (NewSession, Stdout/Stderr
// buffers, session.Run on a done channel so the caller's context can
// still time it out) follows
// _examples/other_examples/75b78a93_jbouey-msp-flake__appliance-internal-sshexec-executor.go.go's
// Executor.RunCommand shape. The per-metric-block independence (memory,
// CPU, disk each fire-and-forget into their own Snapshot fields without
// aborting the others) has no single pack precedent — it follows from
// the best-effort failure policy this package follows,
// implemented with a plain sync.WaitGroup rather than errgroup.Group
// since errgroup's first-error cancellation is exactly the behavior this
// spec forbids.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/credential"
	"github.com/scjtqs2/Termix-sub002/internal/queue"
)

// Pool is the subset of internal/sshpool.Pool the collector depends on.
type Pool interface {
	Acquire(ctx context.Context, cfg credential.ConnectConfig) (*ssh.Client, error)
	Release(cfg credential.ConnectConfig, client *ssh.Client)
}

// Snapshot is one host's metrics sample. Fields left nil/empty mean the
// block that would have populated them failed — the snapshot as a whole
// still succeeds's best-effort policy.
type Snapshot struct {
	HostID      string
	Online      bool
	CPUPercent  *int
	LoadAvg1    *float64
	CPUCount    *int
	MemUsedGiB  *float64
	MemTotalGiB *float64
	MemPercent  *int
	DiskPercent *int
	DiskHuman   string
	CollectedAt time.Time
}

const cacheTTL = 30 * time.Second

type cacheEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// Collector is the process-wide MetricsCollector singleton.
type Collector struct {
	pool  Pool
	queue *queue.Queue

	mu    sync.Mutex
	cache map[string]cacheEntry

	collections prometheus.Counter
	failures    prometheus.Counter
}

// New constructs a Collector backed by pool, serializing collections per
// host through q.
func New(pool Pool, q *queue.Queue, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		pool:  pool,
		queue: q,
		cache: make(map[string]cacheEntry),
		collections: factory.NewCounter(prometheus.CounterOpts{
			Name: "sshcontrol_metrics_collections_total",
			Help: "Total number of host metrics collections attempted.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sshcontrol_metrics_collection_failures_total",
			Help: "Total number of host metrics collections that returned no usable sample at all.",
		}),
	}
}

// ProbeLiveness opens a TCP socket to (ip, port); success means online.
func ProbeLiveness(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Collect returns hostID's metrics snapshot, serving from a 30s TTL
// cache on hit and serializing the underlying collection through
// RequestQueue on miss.
func (c *Collector) Collect(ctx context.Context, hostID string, cfg credential.ConnectConfig) (Snapshot, error) {
	if snap, ok := c.cached(hostID); ok {
		return snap, nil
	}

	resultCh := queue.Enqueue(c.queue, hostID, func() (Snapshot, error) {
		if snap, ok := c.cached(hostID); ok {
			return snap, nil
		}
		snap, err := c.sample(ctx, hostID, cfg)
		if err == nil {
			c.store(hostID, snap)
		}
		return snap, err
	})

	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		return Snapshot{}, core.Wrap(core.KindNetworkTransient, "metrics collection timed out", ctx.Err())
	}
}

func (c *Collector) cached(hostID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[hostID]
	if !ok || time.Now().After(entry.expiresAt) {
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

func (c *Collector) store(hostID string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[hostID] = cacheEntry{snapshot: snap, expiresAt: time.Now().Add(cacheTTL)}
}

// sample runs the `/proc` + `df` probes for one host. It is the one
// function in this file that is genuinely per-collection serialized
// (always invoked from inside a RequestQueue thunk).
func (c *Collector) sample(ctx context.Context, hostID string, cfg credential.ConnectConfig) (Snapshot, error) {
	c.collections.Inc()

	client, err := c.pool.Acquire(ctx, cfg)
	if err != nil {
		c.failures.Inc()
		return Snapshot{}, err
	}
	defer c.pool.Release(cfg, client)

	snap := Snapshot{HostID: hostID, Online: true, CollectedAt: time.Now()}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		collectCPU(ctx, client, &snap)
	}()
	go func() {
		defer wg.Done()
		collectMemory(ctx, client, &snap)
	}()
	go func() {
		defer wg.Done()
		collectDisk(ctx, client, &snap)
	}()
	wg.Wait()

	if snap.CPUPercent == nil && snap.MemPercent == nil && snap.DiskPercent == nil {
		c.failures.Inc()
		return snap, core.New(core.KindRemoteCommandFailure, "every metrics block failed")
	}
	return snap, nil
}

func runCommand(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %w (%s)", cmd, err, stderr.String())
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

func collectCPU(ctx context.Context, client *ssh.Client, snap *Snapshot) {
	sampleA, err := runCommand(ctx, client, "cat /proc/stat")
	if err != nil {
		return
	}
	if loadavg, err := runCommand(ctx, client, "cat /proc/loadavg"); err == nil {
		if fields := strings.Fields(loadavg); len(fields) > 0 {
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
				snap.LoadAvg1 = &v
			}
		}
	}
	if nproc, err := runCommand(ctx, client, "nproc || grep -c ^processor /proc/cpuinfo"); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(nproc)); err == nil {
			snap.CPUCount = &n
		}
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	sampleB, err := runCommand(ctx, client, "cat /proc/stat")
	if err != nil {
		return
	}

	pct, ok := cpuPercent(sampleA, sampleB)
	if ok {
		snap.CPUPercent = &pct
	}
}

// cpuPercent computes (totalDelta - idleDelta) / totalDelta * 100 from
// two /proc/stat samples' leading "cpu " line.
func cpuPercent(sampleA, sampleB string) (int, bool) {
	totalA, idleA, ok := parseProcStatCPULine(sampleA)
	if !ok {
		return 0, false
	}
	totalB, idleB, ok := parseProcStatCPULine(sampleB)
	if !ok {
		return 0, false
	}
	totalDelta := totalB - totalA
	idleDelta := idleB - idleA
	if totalDelta <= 0 {
		return 0, false
	}
	pct := (float64(totalDelta-idleDelta) / float64(totalDelta)) * 100
	return clampPercent(pct), true
}

func parseProcStatCPULine(sample string) (total, idle int64, ok bool) {
	for _, line := range strings.Split(sample, "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var sum int64
		for i, f := range fields {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				continue
			}
			sum += v
			if i == 3 { // idle is the 4th field
				idle = v
			}
		}
		return sum, idle, true
	}
	return 0, 0, false
}

func collectMemory(ctx context.Context, client *ssh.Client, snap *Snapshot) {
	out, err := runCommand(ctx, client, "cat /proc/meminfo")
	if err != nil {
		return
	}
	values := map[string]float64{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		values[key] = kb
	}
	total, hasTotal := values["MemTotal"]
	available, hasAvail := values["MemAvailable"]
	if !hasTotal || !hasAvail {
		return
	}
	used := total - available
	totalGiB := total / (1024 * 1024)
	usedGiB := used / (1024 * 1024)
	snap.MemTotalGiB = roundTo2(totalGiB)
	snap.MemUsedGiB = roundTo2(usedGiB)
	if total > 0 {
		pct := clampPercent((used / total) * 100)
		snap.MemPercent = &pct
	}
}

func collectDisk(ctx context.Context, client *ssh.Client, snap *Snapshot) {
	human, err := runCommand(ctx, client, "df -h -P /")
	if err != nil {
		return
	}
	raw, err := runCommand(ctx, client, "df -B1 -P /")
	if err != nil {
		return
	}
	snap.DiskHuman = lastLine(human)
	if pct, ok := parseDfPercent(raw); ok {
		snap.DiskPercent = &pct
	}
}

func parseDfPercent(out string) (int, bool) {
	line := lastLine(out)
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0, false
	}
	pctField := strings.TrimSuffix(fields[4], "%")
	v, err := strconv.Atoi(pctField)
	if err != nil {
		return 0, false
	}
	return clampPercent(float64(v)), true
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func clampPercent(v float64) int {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return int(v + 0.5)
}

func roundTo2(v float64) *float64 {
	r := float64(int(v*100+0.5)) / 100
	return &r
}
