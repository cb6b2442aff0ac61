// Package metrics exposes the control plane's internal Prometheus
// instrumentation: queue depth, dispatch latency, scheduler tick duration,
// and HTTP request counts. This is ambient process instrumentation, not a
// user-visible telemetry/dashboard surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_http_requests_total",
		Help: "Total HTTP requests handled by the control API.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes handler latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controlplane_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// QueueDepth reports the current wait-list length per agent.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controlplane_queue_depth",
		Help: "Current wait-list length for an agent's execution queue.",
	}, []string{"agent"})

	// QueueSubmitTotal counts submit outcomes by result kind.
	QueueSubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_queue_submit_total",
		Help: "Execution queue submit outcomes.",
	}, []string{"outcome"})

	// DispatchLatency observes the time from submit to a "running" claim.
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "controlplane_dispatch_latency_seconds",
		Help:    "Time from execution submit to queue-slot claim.",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerTickDuration observes the wall-clock cost of one scheduler tick.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "controlplane_scheduler_tick_duration_seconds",
		Help:    "Wall-clock duration of one scheduler control-loop tick.",
		Buckets: prometheus.DefBuckets,
	})

	// ScheduleFireTotal counts schedule dispatch outcomes.
	ScheduleFireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_schedule_fire_total",
		Help: "Schedule fire outcomes (fired, queued, queue_full, failed).",
	}, []string{"outcome"})
)
