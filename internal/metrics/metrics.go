// Package metrics exposes lifecycle counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collectors struct {
	registry      *prometheus.Registry
	votes         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	applyFailures prometheus.Counter
	sweepDuration prometheus.Histogram
	views         prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wikinovel",
			Name:      "votes_cast_total",
			Help:      "Votes recorded, by vote type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wikinovel",
			Name:      "proposal_transitions_total",
			Help:      "Proposal status transitions, by target status.",
		}, []string{"status"}),
		applyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wikinovel",
			Name:      "proposal_evaluation_failures_total",
			Help:      "Evaluations that failed and were left for the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wikinovel",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of lifecycle sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		views: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wikinovel",
			Name:      "proposal_views_total",
			Help:      "Proposal views recorded.",
		}),
	}
	registry.MustRegister(
		c.votes,
		c.transitions,
		c.applyFailures,
		c.sweepDuration,
		c.views,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) VoteCast(voteType string) {
	if c == nil {
		return
	}
	c.votes.WithLabelValues(voteType).Inc()
}

func (c *Collectors) Transition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collectors) EvaluationFailed() {
	if c == nil {
		return
	}
	c.applyFailures.Inc()
}

func (c *Collectors) ViewRecorded() {
	if c == nil {
		return
	}
	c.views.Inc()
}

func (c *Collectors) ObserveSweep(started time.Time) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(time.Since(started).Seconds())
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
