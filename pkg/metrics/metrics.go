// Package metrics instruments the Machine Handle: Prometheus counters for
// lifecycle transitions and command outcomes, plus a streaming latency
// histogram for shell round-trips that does not need to retain every
// sample to report quantiles.
package metrics

import (
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmtestdriver",
		Name:      "lifecycle_transitions_total",
		Help:      "Count of Machine Handle lifecycle transitions by machine and transition name.",
	}, []string{"machine", "transition"})

	commandOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmtestdriver",
		Name:      "shell_command_outcomes_total",
		Help:      "Count of shell commands executed via Succeed/Fail by outcome.",
	}, []string{"machine", "outcome"})

	retryTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmtestdriver",
		Name:      "retry_timeouts_total",
		Help:      "Count of WaitUntilSucceeds/WaitUntilFails calls that exhausted their retry budget.",
	}, []string{"machine", "operation"})
)

// Transition records a lifecycle transition (e.g. "start", "connect",
// "shutdown", "crash", "release") for machine.
func Transition(machine, transition string) {
	lifecycleTransitions.WithLabelValues(machine, transition).Inc()
}

// CommandOutcome records a Succeed/Fail command outcome for machine:
// "succeeded" or "failed" from Succeed, "failed_as_expected" or
// "unexpectedly_succeeded" from Fail.
func CommandOutcome(machine, outcome string) {
	commandOutcomes.WithLabelValues(machine, outcome).Inc()
}

// RetryTimeout records that operation on machine exhausted its retry
// budget. Only WaitUntilSucceeds and WaitUntilFails record it; the other
// wait_* operations do not.
func RetryTimeout(machine, operation string) {
	retryTimeouts.WithLabelValues(machine, operation).Inc()
}

// LatencyTracker accumulates shell round-trip durations for one machine in
// a bounded-memory streaming histogram, so long-running test suites do not
// retain every sample just to report p50/p95 at the end.
type LatencyTracker struct {
	mu   sync.Mutex
	hist gohistogram.Histogram
}

// NewLatencyTracker returns a tracker with bins bins of resolution.
func NewLatencyTracker(bins int) *LatencyTracker {
	return &LatencyTracker{hist: gohistogram.NewHistogram(bins)}
}

// Observe records one shell round-trip duration.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hist.Add(d.Seconds())
}

// Quantile returns the q-th quantile (0..1) of observed durations, in
// seconds. Safe to call concurrently with Observe.
func (t *LatencyTracker) Quantile(q float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.hist.Quantile(q) * float64(time.Second))
}
