// Package metrics defines the Prometheus collectors the auth subsystem reports to.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "latch"

// Metrics groups the service's collectors and the registry they live in.
type Metrics struct {
	reg *prometheus.Registry

	autorefresh *prometheus.CounterVec
	autologin   *prometheus.CounterVec
	authReqs    *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
	jobAffected *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		autorefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autorefresh_outcomes_total",
			Help:      "Transparent refresh decisions by terminal outcome.",
		}, []string{"outcome"}),
		autologin: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autologin_total",
			Help:      "Fingerprint auto-login attempts by result.",
		}, []string{"result"}),
		authReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_requests_total",
			Help:      "Auth endpoint requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and result.",
		}, []string{"job", "result"}),
		jobAffected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_affected_total",
			Help:      "Rows changed by maintenance jobs.",
		}, []string{"job"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) AutoRefresh(outcome string) {
	if m == nil {
		return
	}
	m.autorefresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AutoLogin(result string) {
	if m == nil {
		return
	}
	m.autologin.WithLabelValues(result).Inc()
}

func (m *Metrics) AuthRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.authReqs.WithLabelValues(endpoint, result).Inc()
}

// JobRun records one maintenance run; affected is only counted on success.
func (m *Metrics) JobRun(job string, affected int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.jobRuns.WithLabelValues(job, "error").Inc()
		return
	}
	m.jobRuns.WithLabelValues(job, "ok").Inc()
	if affected > 0 {
		m.jobAffected.WithLabelValues(job).Add(float64(affected))
	}
}
