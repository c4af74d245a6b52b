package supervisor

import "time"

// retryWindow counts retries per worker type over a sliding window to flag
// retry storms. It only observes; retries are never delayed or refused.
// Owned by the event loop, so it needs no lock.
type retryWindow struct {
	threshold int
	window    time.Duration
	history   map[string][]time.Time
}

func newRetryWindow(threshold int, window time.Duration) *retryWindow {
	return &retryWindow{
		threshold: threshold,
		window:    window,
		history:   make(map[string][]time.Time),
	}
}

// record adds a retry and reports the in-window count and whether this retry
// is the one that crossed the threshold.
func (w *retryWindow) record(workerType string, now time.Time) (int, bool) {
	w.prune(workerType, now)
	w.history[workerType] = append(w.history[workerType], now)
	count := len(w.history[workerType])
	return count, w.threshold > 0 && count == w.threshold
}

func (w *retryWindow) count(workerType string, now time.Time) int {
	w.prune(workerType, now)
	return len(w.history[workerType])
}

func (w *retryWindow) prune(workerType string, now time.Time) {
	cutoff := now.Add(-w.window)
	entries := w.history[workerType]
	pruned := entries[:0]
	for _, t := range entries {
		if !t.Before(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) == 0 {
		delete(w.history, workerType)
		return
	}
	w.history[workerType] = pruned
}
