// Package metrics owns the Prometheus collectors for the store, the change
// feed tracker, replication and the web service.
//
// All methods are safe on a nil *Registry, so components can take an
// optional registry without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dehc"

// Registry bundles a private Prometheus registry with the collectors.
type Registry struct {
	reg *prometheus.Registry

	docOps      *prometheus.CounterVec
	docLatency  *prometheus.HistogramVec
	polls       *prometheus.CounterVec
	records     *prometheus.CounterVec
	trackerUp   *prometheus.GaugeVec
	replication *prometheus.CounterVec
	httpReqs    *prometheus.CounterVec
	sseClients  prometheus.Gauge
}

// New creates a registry with process and Go runtime collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		docOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "docstore", Name: "operations_total",
			Help: "Document store operations by operation, database and outcome.",
		}, []string{"op", "db", "outcome"}),
		docLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "docstore", Name: "operation_seconds",
			Help:    "Document store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changes", Name: "polls_total",
			Help: "Change feed polls by database and outcome.",
		}, []string{"db", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changes", Name: "records_total",
			Help: "Change records emitted by database.",
		}, []string{"db"}),
		trackerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "changes", Name: "polling",
			Help: "1 while a database's tracker is in the POLLING state, 0 otherwise.",
		}, []string{"db"}),
		replication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replication", Name: "submissions_total",
			Help: "Replication job submissions by outcome.",
		}, []string{"outcome"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "web", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "web", Name: "stream_clients",
			Help: "Connected change stream clients.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.docOps, r.docLatency, r.polls, r.records, r.trackerUp, r.replication, r.httpReqs, r.sseClients,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// ObserveDoc records one document store call.
func (r *Registry) ObserveDoc(op, db, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.docOps.WithLabelValues(op, db, outcome).Inc()
	r.docLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObservePoll records one change feed poll and the records it produced.
func (r *Registry) ObservePoll(db, outcome string, records int) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(db, outcome).Inc()
	if records > 0 {
		r.records.WithLabelValues(db).Add(float64(records))
	}
}

// SetPolling flags whether a database's tracker is healthy.
func (r *Registry) SetPolling(db string, polling bool) {
	if r == nil {
		return
	}
	v := 0.0
	if polling {
		v = 1
	}
	r.trackerUp.WithLabelValues(db).Set(v)
}

// ObserveReplication records one replication job submission.
func (r *Registry) ObserveReplication(outcome string) {
	if r == nil {
		return
	}
	r.replication.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(route, code string) {
	if r == nil {
		return
	}
	r.httpReqs.WithLabelValues(route, code).Inc()
}

// SetStreamClients records the number of connected change stream clients.
func (r *Registry) SetStreamClients(n int) {
	if r == nil {
		return
	}
	r.sseClients.Set(float64(n))
}
