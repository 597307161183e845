// Package metrics provides Prometheus metrics export for replvol.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide metrics registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Registry holds all replvol collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg *prometheus.Registry

	stateChanges  *prometheus.CounterVec
	fenceOutcomes *prometheus.CounterVec
	resizes       *prometheus.CounterVec
	adminRequests *prometheus.CounterVec
	adminLatency  *prometheus.HistogramVec
	volumes       *prometheus.GaugeVec
}

// NewRegistry creates a registry with the Go runtime collectors and the
// replvol collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replvol",
			Name:      "state_changes_total",
			Help:      "State change requests by result.",
		}, []string{"result"}),
		fenceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replvol",
			Name:      "fence_outcomes_total",
			Help:      "Fence-peer helper outcomes.",
		}, []string{"outcome"}),
		resizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replvol",
			Name:      "size_determinations_total",
			Help:      "Device size determinations by result.",
		}, []string{"result"}),
		adminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replvol",
			Name:      "admin_requests_total",
			Help:      "Admin requests by command and result code.",
		}, []string{"cmd", "code"}),
		adminLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replvol",
			Name:      "admin_request_duration_seconds",
			Help:      "Admin request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"cmd"}),
		volumes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "replvol",
			Name:      "volumes",
			Help:      "Configured volumes by local disk state.",
		}, []string{"disk"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.stateChanges, r.fenceOutcomes, r.resizes,
		r.adminRequests, r.adminLatency, r.volumes,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordStateChange counts one state change request.
func (r *Registry) RecordStateChange(result string) {
	if r == nil {
		return
	}
	r.stateChanges.WithLabelValues(result).Inc()
}

// RecordFence counts one fence-peer outcome.
func (r *Registry) RecordFence(outcome string) {
	if r == nil {
		return
	}
	r.fenceOutcomes.WithLabelValues(outcome).Inc()
}

// RecordResize counts one size determination.
func (r *Registry) RecordResize(result string) {
	if r == nil {
		return
	}
	r.resizes.WithLabelValues(result).Inc()
}

// RecordAdmin counts one admin request and its latency.
func (r *Registry) RecordAdmin(cmd, code string, seconds float64) {
	if r == nil {
		return
	}
	r.adminRequests.WithLabelValues(cmd, code).Inc()
	r.adminLatency.WithLabelValues(cmd).Observe(seconds)
}

// SetVolumes replaces the per-disk-state volume gauge.
func (r *Registry) SetVolumes(byDisk map[string]int) {
	if r == nil {
		return
	}
	r.volumes.Reset()
	for disk, n := range byDisk {
		r.volumes.WithLabelValues(disk).Set(float64(n))
	}
}
