package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCycleEMA(t *testing.T) {
	m := &Metrics{}

	// First sample seeds the average.
	m.recordCycle(100 * time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, 100*time.Millisecond, snap.AvgCycleTime)
	assert.Equal(t, 100*time.Millisecond, snap.LastCycleTime)
	assert.Equal(t, uint64(1), snap.TotalCycles)

	// Second sample folds in with alpha=0.1: 0.1*200ms + 0.9*100ms = 110ms.
	m.recordCycle(200 * time.Millisecond)
	snap = m.Snapshot()
	assert.InDelta(t, float64(110*time.Millisecond), float64(snap.AvgCycleTime), float64(time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, snap.LastCycleTime)
	assert.Equal(t, uint64(2), snap.TotalCycles)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := &Metrics{}
	m.recordCycle(time.Millisecond)

	before := m.Snapshot()
	m.recordCycle(time.Millisecond)
	m.recordError()

	assert.Equal(t, uint64(1), before.TotalCycles, "snapshot must not track later mutations")
	assert.Zero(t, before.ErrorCount)
}
