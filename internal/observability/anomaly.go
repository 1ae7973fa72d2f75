package observability

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// anomalyWindow is the sliding window over which rates are computed.
	anomalyWindow = 5 * time.Minute

	// errorRateThreshold is the failure fraction above which an anomaly
	// is logged. Backend failures and rejections spiking past this level
	// usually mean a broken runner image or a hostile caller.
	errorRateThreshold = 0.5

	// minSamples is how many observations a window needs before the rate
	// is meaningful.
	minSamples = 5
)

// AnomalyDetector tracks failure rates per backend with sliding windows
// and logs when a backend's failure fraction crosses the threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector.
func NewAnomalyDetector(logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		logger:        logger,
	}
}

// RecordError records a failed execution on the given backend.
func (a *AnomalyDetector) RecordError(backend string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.errorCounts, backend)
	w.add(1)
	a.checkErrorRate(backend)
}

// RecordSuccess records a completed execution on the given backend.
func (a *AnomalyDetector) RecordSuccess(backend string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.successCounts, backend)
	w.add(1)
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(backend string) {
	errors := a.getOrCreateWindow(a.errorCounts, backend).sum()
	successes := a.getOrCreateWindow(a.successCounts, backend).sum()
	total := errors + successes

	if total < minSamples {
		return
	}

	rate := errors / total
	if rate > errorRateThreshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("backend", backend),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", errorRateThreshold),
			slog.Float64("failures", errors),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: anomalyWindow}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
