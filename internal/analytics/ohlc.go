package analytics

import (
	"time"

	"github.com/deltastream/deltastream/internal/models"
)

// WindowStart floors ts to the window boundary. A tick exactly on a boundary
// belongs to the window that starts there, not the one that ends there.
func WindowStart(ts time.Time, window int) time.Time {
	w := int64(window)
	return time.Unix((ts.Unix()/w)*w, 0).UTC()
}

// NewOHLCWindow opens a window seeded from a single tick.
func NewOHLCWindow(tick *models.UnderlyingTick, window int) models.OHLCWindow {
	start := WindowStart(tick.Timestamp, window)
	return models.OHLCWindow{
		Product: tick.Product,
		Window:  window,
		Open:    tick.Price,
		High:    tick.Price,
		Low:     tick.Price,
		Close:   tick.Price,
		TStart:  start,
		TEnd:    start.Add(time.Duration(window) * time.Second),
		OpenTS:  tick.Timestamp,
		CloseTS: tick.Timestamp,
	}
}

// ApplyTick folds a tick into an existing window. Ticks may arrive out of
// order: open belongs to the minimum timestamp seen so far and close to the
// maximum, so both carry their backing timestamps. Returns false when the
// tick falls outside [TStart, TEnd).
func ApplyTick(w *models.OHLCWindow, tick *models.UnderlyingTick) bool {
	if tick.Timestamp.Before(w.TStart) || !tick.Timestamp.Before(w.TEnd) {
		return false
	}
	if tick.Price > w.High {
		w.High = tick.Price
	}
	if tick.Price < w.Low {
		w.Low = tick.Price
	}
	if tick.Timestamp.Before(w.OpenTS) {
		w.Open = tick.Price
		w.OpenTS = tick.Timestamp
	}
	if !tick.Timestamp.Before(w.CloseTS) {
		w.Close = tick.Price
		w.CloseTS = tick.Timestamp
	}
	return true
}

// RebuildWindow recomputes a window from scratch over historical ticks,
// ignoring any that fall outside it. Used by the operator repair task.
func RebuildWindow(product string, window int, tStart time.Time, ticks []models.UnderlyingTick) (models.OHLCWindow, bool) {
	w := models.OHLCWindow{
		Product: product,
		Window:  window,
		TStart:  tStart,
		TEnd:    tStart.Add(time.Duration(window) * time.Second),
	}
	seeded := false
	for i := range ticks {
		t := &ticks[i]
		if t.Product != product {
			continue
		}
		if !seeded {
			if t.Timestamp.Before(w.TStart) || !t.Timestamp.Before(w.TEnd) {
				continue
			}
			w.Open, w.High, w.Low, w.Close = t.Price, t.Price, t.Price, t.Price
			w.OpenTS, w.CloseTS = t.Timestamp, t.Timestamp
			seeded = true
			continue
		}
		ApplyTick(&w, t)
	}
	return w, seeded
}
