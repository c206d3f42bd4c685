// Package metrics exposes Prometheus collectors for redemption, locking,
// allocation and expiration activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/learner-credit/policy"
)

const namespace = "learner_credit"

// Metrics implements policy.Recorder.
type Metrics struct {
	redemptions  *prometheus.CounterVec
	lockWait     *prometheus.HistogramVec
	allocations  *prometheus.CounterVec
	sweptRecords *prometheus.CounterVec
}

var _ policy.Recorder = (*Metrics)(nil)

// MustNewMetrics registers the collectors on reg and panics on a registration
// error. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redemption",
			Name:      "outcomes_total",
			Help:      "Redemption attempts by policy type and terminal state.",
		}, []string{"policy_type", "state"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a redemption lock.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"acquired"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "learners_total",
			Help:      "Learners in allocation requests by outcome.",
		}, []string{"outcome"}),
		sweptRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiration",
			Name:      "assignments_total",
			Help:      "Assignments moved by the expiration sweep, by new state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.redemptions, m.lockWait, m.allocations, m.sweptRecords)
	return m
}

func (m *Metrics) RedemptionOutcome(policyType, state string) {
	m.redemptions.WithLabelValues(policyType, state).Inc()
}

func (m *Metrics) ObserveLockWait(acquired bool, wait time.Duration) {
	m.lockWait.WithLabelValues(strconv.FormatBool(acquired)).Observe(wait.Seconds())
}

func (m *Metrics) AllocationOutcome(outcome string, learners int) {
	m.allocations.WithLabelValues(outcome).Add(float64(learners))
}

func (m *Metrics) SweepOutcome(state string, n int) {
	m.sweptRecords.WithLabelValues(state).Add(float64(n))
}
