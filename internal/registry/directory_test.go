package registry

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDirectory() (*Directory, *clock.Mock) {
	clk := clock.NewMock()
	return New(testLogger(), clk, 64), clk
}

// drainEvents collects all events currently buffered on ch.
func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRegisterStartsStarting(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))

	info, ok := d.GetInfo("memory")
	require.True(t, ok)
	assert.Equal(t, StatusStarting, info.Status)
}

func TestRegisterEmptyNameFails(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	assert.Error(t, d.Register("", struct{}{}, nil, nil))
}

func TestReRegisterOverwritesWithoutError(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", "v1", nil, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))
	require.NoError(t, d.Register("memory", "v2", nil, nil))

	// The overwrite resets the record to STARTING with the new instance.
	info, ok := d.GetInfo("memory")
	require.True(t, ok)
	assert.Equal(t, StatusStarting, info.Status)

	_, healthy := d.Get("memory")
	assert.False(t, healthy)
}

func TestGetHidesNonHealthy(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", "instance", nil, nil))

	for _, status := range []Status{StatusStarting, StatusDegraded, StatusFailed, StatusStopping} {
		require.NoError(t, d.UpdateStatus("memory", status, nil))
		_, ok := d.Get("memory")
		assert.False(t, ok, "Get should hide status %s", status)
	}

	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))
	got, ok := d.Get("memory")
	require.True(t, ok)
	assert.Equal(t, "instance", got)

	// Missing and unhealthy are indistinguishable.
	_, ok = d.Get("no-such-service")
	assert.False(t, ok)
}

func TestUpdateStatusIdempotent(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))

	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	var changes int
	for _, ev := range drainEvents(ch) {
		if ev.Type == EventStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 1, changes, "repeated identical updates must broadcast once")
}

func TestUpdateStatusRefreshesHeartbeat(t *testing.T) {
	d, clk := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	before, _ := d.GetInfo("memory")

	clk.Add(10 * time.Second)
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, nil))

	after, _ := d.GetInfo("memory")
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestUpdateStatusRejectsUnknownState(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))
	assert.Error(t, d.UpdateStatus("memory", Status("exploded"), nil))

	info, _ := d.GetInfo("memory")
	assert.True(t, info.Status.Valid())
}

func TestUnregisterBroadcastsBothEvents(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, nil, nil))

	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	require.NoError(t, d.Unregister("memory"))

	events := drainEvents(ch)
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventUnregistering)
	assert.Contains(t, types, EventUnregistered)

	_, ok := d.GetInfo("memory")
	assert.False(t, ok)
}

func TestListFiltersByStatus(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("a", struct{}{}, nil, nil))
	require.NoError(t, d.Register("b", struct{}{}, nil, nil))
	require.NoError(t, d.Register("c", struct{}{}, nil, nil))
	require.NoError(t, d.UpdateStatus("b", StatusHealthy, nil))

	all := d.List()
	assert.Len(t, all, 3)
	// Sorted by name.
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "c", all[2].Name)

	healthy := d.List(StatusHealthy)
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].Name)

	starting := d.List(StatusStarting)
	assert.Len(t, starting, 2)
}

func TestMetadataMergedOnUpdate(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("memory", struct{}{}, map[string]any{"tier": "core"}, nil))
	require.NoError(t, d.UpdateStatus("memory", StatusHealthy, map[string]any{"mode": "fast"}))

	info, _ := d.GetInfo("memory")
	assert.Equal(t, "core", info.Metadata["tier"])
	assert.Equal(t, "fast", info.Metadata["mode"])
}

func TestCloseIsIdempotent(t *testing.T) {
	d, _ := newTestDirectory()

	d.Close()
	d.Close() // must not panic

	assert.True(t, d.Closed())
	assert.Error(t, d.Register("late", struct{}{}, nil, nil))
}

type recordingHandler struct {
	msgs []Message
	err  error
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg Message) error {
	if h.err != nil {
		return h.err
	}
	h.msgs = append(h.msgs, msg)
	return nil
}

func TestSendMessageDelivers(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	h := &recordingHandler{}
	require.NoError(t, d.Register("intelligence", h, nil, nil))

	err := d.SendMessage(context.Background(), "kernel", "intelligence", map[string]any{"kind": "wake"})
	require.NoError(t, err)

	require.Len(t, h.msgs, 1)
	assert.Equal(t, "kernel", h.msgs[0].From)
	assert.Equal(t, "intelligence", h.msgs[0].To)
	assert.Equal(t, "wake", h.msgs[0].Payload["kind"])
}

func TestSendMessageUnknownTarget(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	err := d.SendMessage(context.Background(), "kernel", "ghost", nil)
	assert.Error(t, err)
}

func TestSendMessageTargetWithoutHandler(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	require.NoError(t, d.Register("mute", struct{}{}, nil, nil))
	err := d.SendMessage(context.Background(), "kernel", "mute", nil)
	assert.Error(t, err)
}

func TestBroadcastReachesOnlyHealthyHandlers(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	healthy := &recordingHandler{}
	starting := &recordingHandler{}
	failing := &recordingHandler{err: context.DeadlineExceeded}

	require.NoError(t, d.Register("healthy", healthy, nil, nil))
	require.NoError(t, d.Register("starting", starting, nil, nil))
	require.NoError(t, d.Register("failing", failing, nil, nil))
	require.NoError(t, d.UpdateStatus("healthy", StatusHealthy, nil))
	require.NoError(t, d.UpdateStatus("failing", StatusHealthy, nil))

	delivered := d.BroadcastMessage(context.Background(), "kernel", map[string]any{"kind": "online"})

	assert.Equal(t, 1, delivered)
	assert.Len(t, healthy.msgs, 1)
	assert.Empty(t, starting.msgs, "non-HEALTHY services must not receive broadcasts")
}

func TestBroadcastSkipsSender(t *testing.T) {
	d, _ := newTestDirectory()
	defer d.Close()

	self := &recordingHandler{}
	require.NoError(t, d.Register("kernel", self, nil, nil))
	require.NoError(t, d.UpdateStatus("kernel", StatusHealthy, nil))

	delivered := d.BroadcastMessage(context.Background(), "kernel", nil)
	assert.Zero(t, delivered)
	assert.Empty(t, self.msgs)
}
