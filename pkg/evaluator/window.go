package evaluator

import (
	"time"
)

// windowMaxSamples caps one ring so a chatty device cannot grow it
// without bound inside a long window.
const windowMaxSamples = 1024

// metricWindow tracks timestamped values over a rolling span for one
// (rule, device) pair. The evaluation cycle is single-threaded, so the
// ring needs no locking.
type metricWindow struct {
	span    time.Duration
	samples []windowSample
}

type windowSample struct {
	at  time.Time
	val float64
}

func newMetricWindow(span time.Duration) *metricWindow {
	return &metricWindow{span: span}
}

// Add appends a sample unless its timestamp does not advance past the
// newest one already held. Cycles between telemetry arrivals therefore
// never double-count the same reading.
func (w *metricWindow) Add(val float64, at time.Time) {
	if n := len(w.samples); n > 0 && !at.After(w.samples[n-1].at) {
		return
	}
	w.samples = append(w.samples, windowSample{at: at, val: val})
}

// Prune evicts samples older than the span, then enforces the cap.
func (w *metricWindow) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	start := len(w.samples)
	for i, s := range w.samples {
		if s.at.After(cutoff) {
			start = i
			break
		}
	}
	w.samples = w.samples[start:]

	if len(w.samples) > windowMaxSamples {
		w.samples = w.samples[len(w.samples)-windowMaxSamples:]
	}
}

// Count returns the number of samples currently held.
func (w *metricWindow) Count() int {
	return len(w.samples)
}

// Aggregate computes one of avg, min, max, count or sum over the
// buffer. The second return is false for an unknown aggregation or an
// empty buffer.
func (w *metricWindow) Aggregate(fn string) (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	switch fn {
	case "avg":
		var sum float64
		for _, s := range w.samples {
			sum += s.val
		}
		return sum / float64(len(w.samples)), true
	case "min":
		min := w.samples[0].val
		for _, s := range w.samples[1:] {
			if s.val < min {
				min = s.val
			}
		}
		return min, true
	case "max":
		max := w.samples[0].val
		for _, s := range w.samples[1:] {
			if s.val > max {
				max = s.val
			}
		}
		return max, true
	case "count":
		return float64(len(w.samples)), true
	case "sum":
		var sum float64
		for _, s := range w.samples {
			sum += s.val
		}
		return sum, true
	default:
		return 0, false
	}
}

// windowSet holds the rings for every (rule, device) pair this replica
// has evaluated. Rings re-warm from live telemetry after a restart and
// are not shared across replicas.
type windowSet struct {
	windows map[string]*metricWindow
}

func newWindowSet() *windowSet {
	return &windowSet{windows: make(map[string]*metricWindow)}
}

func (s *windowSet) get(ruleID, deviceID string, span time.Duration) *metricWindow {
	key := ruleID + "/" + deviceID
	w, ok := s.windows[key]
	if !ok || w.span != span {
		w = newMetricWindow(span)
		s.windows[key] = w
	}
	return w
}

// sweep drops rings that have gone empty so deleted rules and retired
// devices do not leak entries.
func (s *windowSet) sweep(now time.Time) {
	for key, w := range s.windows {
		w.Prune(now)
		if w.Count() == 0 {
			delete(s.windows, key)
		}
	}
}
