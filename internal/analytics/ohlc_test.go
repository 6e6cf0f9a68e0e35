package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltastream/deltastream/internal/models"
)

func tick(price float64, ts time.Time) *models.UnderlyingTick {
	return &models.UnderlyingTick{Product: "NIFTY", Price: price, TickID: 1, Timestamp: ts}
}

func TestWindowStart(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 30, 45, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), WindowStart(base, 60))
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), WindowStart(base, 300))

	// A tick exactly on the boundary opens the next window.
	boundary := time.Date(2025, 1, 15, 10, 31, 0, 0, time.UTC)
	assert.Equal(t, boundary, WindowStart(boundary, 60))
}

func TestNewOHLCWindow(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 12, 0, time.UTC)
	w := NewOHLCWindow(tick(100.5, ts), 60)

	assert.Equal(t, 100.5, w.Open)
	assert.Equal(t, 100.5, w.High)
	assert.Equal(t, 100.5, w.Low)
	assert.Equal(t, 100.5, w.Close)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), w.TStart)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 31, 0, 0, time.UTC), w.TEnd)
	assert.Equal(t, ts, w.OpenTS)
	assert.Equal(t, ts, w.CloseTS)
}

func TestApplyTick_InOrder(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	w := NewOHLCWindow(tick(100, start.Add(5*time.Second)), 60)

	require.True(t, ApplyTick(&w, tick(103, start.Add(20*time.Second))))
	require.True(t, ApplyTick(&w, tick(99, start.Add(40*time.Second))))

	assert.Equal(t, 100.0, w.Open)
	assert.Equal(t, 103.0, w.High)
	assert.Equal(t, 99.0, w.Low)
	assert.Equal(t, 99.0, w.Close)
}

func TestApplyTick_OutOfOrderGuardsOpenAndClose(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	w := NewOHLCWindow(tick(100, start.Add(30*time.Second)), 60)

	// Earlier tick arrives late: it becomes the open but must not touch close.
	require.True(t, ApplyTick(&w, tick(95, start.Add(10*time.Second))))
	assert.Equal(t, 95.0, w.Open)
	assert.Equal(t, start.Add(10*time.Second), w.OpenTS)
	assert.Equal(t, 100.0, w.Close)
	assert.Equal(t, start.Add(30*time.Second), w.CloseTS)

	// An even earlier but higher tick extends high without moving close.
	require.True(t, ApplyTick(&w, tick(104, start.Add(2*time.Second))))
	assert.Equal(t, 104.0, w.Open)
	assert.Equal(t, 104.0, w.High)
	assert.Equal(t, 95.0, w.Low)
	assert.Equal(t, 100.0, w.Close)
}

func TestApplyTick_SameTimestampWinsClose(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	w := NewOHLCWindow(tick(100, start.Add(30*time.Second)), 60)

	// Equal timestamp: the later arrival takes close but not open.
	require.True(t, ApplyTick(&w, tick(101, start.Add(30*time.Second))))
	assert.Equal(t, 100.0, w.Open)
	assert.Equal(t, 101.0, w.Close)
}

func TestApplyTick_RejectsOutsideWindow(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	w := NewOHLCWindow(tick(100, start), 60)

	assert.False(t, ApplyTick(&w, tick(1, start.Add(-time.Second))))
	assert.False(t, ApplyTick(&w, tick(1, start.Add(60*time.Second)))) // TEnd is exclusive
	assert.Equal(t, 100.0, w.Low, "rejected ticks must not mutate the window")
}

func TestRebuildWindow(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	ticks := []models.UnderlyingTick{
		{Product: "NIFTY", Price: 102, Timestamp: start.Add(50 * time.Second)},
		{Product: "NIFTY", Price: 98, Timestamp: start.Add(10 * time.Second)},
		{Product: "BANKNIFTY", Price: 5, Timestamp: start.Add(20 * time.Second)},
		{Product: "NIFTY", Price: 100, Timestamp: start.Add(90 * time.Second)}, // next window
	}

	w, ok := RebuildWindow("NIFTY", 60, start, ticks)
	require.True(t, ok)
	assert.Equal(t, 98.0, w.Open)
	assert.Equal(t, 102.0, w.High)
	assert.Equal(t, 98.0, w.Low)
	assert.Equal(t, 102.0, w.Close)
}

func TestRebuildWindow_Empty(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	_, ok := RebuildWindow("NIFTY", 60, start, nil)
	assert.False(t, ok)
}
