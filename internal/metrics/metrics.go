// Package metrics owns the Prometheus registry shared by the API and worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	bumps          *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	logins         *prometheus.CounterVec
	reports        prometheus.Counter
	memberRefresh  *prometheus.CounterVec
	refreshRunTime prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		bumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildindex",
			Name:      "bumps_total",
			Help:      "Bump attempts by result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildindex",
			Name:      "submissions_total",
			Help:      "Listing submissions by result.",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildindex",
			Name:      "logins_total",
			Help:      "OAuth callbacks by result.",
		}, []string{"result"}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guildindex",
			Name:      "reports_total",
			Help:      "Reports filed against listings.",
		}),
		memberRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guildindex",
			Name:      "member_refresh_total",
			Help:      "Member count lookups by result.",
		}, []string{"result"}),
		refreshRunTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guildindex",
			Name:      "member_refresh_run_seconds",
			Help:      "Duration of a member refresh cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bumps,
		m.submissions,
		m.logins,
		m.reports,
		m.memberRefresh,
		m.refreshRunTime,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// The observe helpers are safe on a nil *Metrics so callers and tests can
// run without a registry.

func (m *Metrics) ObserveBump(result string) {
	if m == nil {
		return
	}
	m.bumps.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReport() {
	if m == nil {
		return
	}
	m.reports.Inc()
}

func (m *Metrics) ObserveMemberRefresh(result string) {
	if m == nil {
		return
	}
	m.memberRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRefreshRun(seconds float64) {
	if m == nil {
		return
	}
	m.refreshRunTime.Observe(seconds)
}
