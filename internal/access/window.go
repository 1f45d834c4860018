package access

import "time"

// RateWindow is a sliding-window counter: it keeps the timestamps of events
// inside a trailing interval and admits a new event only while fewer than
// limit remain. Old entries are evicted lazily on each check. It is not safe
// for concurrent use; Control guards its windows.
type RateWindow struct {
	limit    int
	interval time.Duration
	events   []time.Time
}

func NewRateWindow(limit int, interval time.Duration) *RateWindow {
	return &RateWindow{limit: limit, interval: interval}
}

func (w *RateWindow) evict(now time.Time) {
	cutoff := now.Add(-w.interval)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Allow records an event at now and reports true, or reports false without
// recording if the window is full.
func (w *RateWindow) Allow(now time.Time) bool {
	w.evict(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Count returns the number of events still inside the window at now.
func (w *RateWindow) Count(now time.Time) int {
	w.evict(now)
	return len(w.events)
}

// RetryAfter is how long until the oldest event leaves the window.
func (w *RateWindow) RetryAfter(now time.Time) time.Duration {
	w.evict(now)
	if len(w.events) < w.limit || len(w.events) == 0 {
		return 0
	}
	return w.events[0].Add(w.interval).Sub(now)
}
