package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testScanInterval   = 60 * time.Second
	testStaleThreshold = 300 * time.Second
)

type fakePinger struct {
	alive bool
}

func (p *fakePinger) Ping(context.Context) bool { return p.alive }

type panickyPinger struct{}

func (panickyPinger) Ping(context.Context) bool { panic("probe exploded") }

func TestStaleHealthyServiceDemoted(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	// Just inside the threshold: no demotion.
	clk.Add(testStaleThreshold)
	m.Scan(context.Background())
	info, _ := d.GetInfo("memory")
	assert.Equal(t, StatusHealthy, info.Status)

	// Beyond the threshold: demoted once.
	clk.Add(time.Second)
	m.Scan(context.Background())
	info, _ = d.GetInfo("memory")
	assert.Equal(t, StatusDegraded, info.Status)
}

func TestStaleDemotionHappensOncePerEpisode(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	clk.Add(testStaleThreshold + time.Second)
	m.Scan(context.Background())

	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	// Repeated stale observations must not re-demote an already-DEGRADED record.
	clk.Add(testStaleThreshold)
	m.Scan(context.Background())
	clk.Add(testStaleThreshold)
	m.Scan(context.Background())

	for _, ev := range drainEvents(ch) {
		assert.NotEqual(t, EventStatusChanged, ev.Type)
	}
	info, _ := d.GetInfo("memory")
	assert.Equal(t, StatusDegraded, info.Status)
}

func TestHeartbeatKeepsServiceHealthy(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	// Heartbeats arriving within the threshold keep the record fresh.
	for i := 0; i < 10; i++ {
		clk.Add(testStaleThreshold / 2)
		require.NoError(t, d.Heartbeat("memory"))
		m.Scan(context.Background())
	}

	info, _ := d.GetInfo("memory")
	assert.Equal(t, StatusHealthy, info.Status)
}

func TestNegativeProbeForcesFailed(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	p := &fakePinger{alive: true}
	require.NoError(t, d.Register("plugins", p, nil, nil))
	require.NoError(t, d.UpdateStatus("plugins", StatusHealthy, nil))

	m.Scan(context.Background())
	info, _ := d.GetInfo("plugins")
	require.Equal(t, StatusHealthy, info.Status)

	// A negative probe fails the service even with a fresh heartbeat.
	p.alive = false
	m.Scan(context.Background())
	info, _ = d.GetInfo("plugins")
	assert.Equal(t, StatusFailed, info.Status)
}

func TestProbePanicIsSwallowed(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), d.clock, testScanInterval, testStaleThreshold)

	require.NoError(t, d.Register("plugins", panickyPinger{}, nil, nil))
	require.NoError(t, d.UpdateStatus("plugins", StatusHealthy, nil))

	assert.NotPanics(t, func() { m.Scan(context.Background()) })

	info, _ := d.GetInfo("plugins")
	assert.Equal(t, StatusHealthy, info.Status, "a broken probe must not fail the service")
}

func TestMonitorSkipsTerminalStates(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	p := &fakePinger{alive: false}
	require.NoError(t, d.Register("hub", p, nil, nil))
	require.NoError(t, d.UpdateStatus("hub", StatusStopping, nil))

	m.Scan(context.Background())
	info, _ := d.GetInfo("hub")
	assert.Equal(t, StatusStopping, info.Status, "STOPPING services are left alone")
}

func TestMonitorLoopScansOnTicks(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()
	m := NewMonitor(d, testLogger(), clk, testScanInterval, testStaleThreshold)

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// Give the loop goroutine a moment to create its ticker before the mock
	// clock advances, then step past the stale threshold in interval-sized
	// increments so the ticker fires along the way.
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 6; i++ {
		clk.Add(testScanInterval)
	}

	require.Eventually(t, func() bool {
		info, _ := d.GetInfo("memory")
		return info.Status == StatusDegraded
	}, 2*time.Second, 5*time.Millisecond)
}
