// Package metrics exposes Prometheus instruments for routing sessions and
// queue clearing. All observers are safe to call on a nil receiver.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	transitions    *prometheus.CounterVec
	staleResponses *prometheus.CounterVec
	openSessions   prometheus.Gauge
	clearEntries   *prometheus.CounterVec
	clearDuration  prometheus.Histogram
	admissions     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicequeues",
			Subsystem: "routing",
			Name:      "transitions_total",
			Help:      "Routing state transitions by cause",
		}, []string{"from", "to", "cause"}),
		staleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicequeues",
			Subsystem: "routing",
			Name:      "stale_responses_total",
			Help:      "Fetch results dropped because the patient changed or the session closed",
		}, []string{"resource"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "servicequeues",
			Subsystem: "routing",
			Name:      "open_sessions",
			Help:      "Routing sessions currently open",
		}),
		clearEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicequeues",
			Subsystem: "queue",
			Name:      "clear_entries_total",
			Help:      "Queue entries processed by bulk clear",
		}, []string{"result"}),
		clearDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "servicequeues",
			Subsystem: "queue",
			Name:      "clear_batch_duration_seconds",
			Help:      "Time to end every entry of a bulk clear batch",
			Buckets:   prometheus.DefBuckets,
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicequeues",
			Subsystem: "routing",
			Name:      "admissions_total",
			Help:      "Routing actions that placed a patient in a queue",
		}, []string{"action", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.staleResponses, m.openSessions, m.clearEntries, m.clearDuration, m.admissions)
	return m
}

func (m *Metrics) ObserveTransition(from, to, cause string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, cause).Inc()
}

func (m *Metrics) ObserveStale(resource string) {
	if m == nil {
		return
	}
	m.staleResponses.WithLabelValues(resource).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}

func (m *Metrics) ObserveClear(succeeded, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.clearEntries.WithLabelValues("succeeded").Add(float64(succeeded))
	m.clearEntries.WithLabelValues("failed").Add(float64(failed))
	m.clearDuration.Observe(seconds)
}

func (m *Metrics) ObserveAdmission(action string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.admissions.WithLabelValues(action, status).Inc()
}
