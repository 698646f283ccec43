// Package observability exposes the scheduler's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerTickDuration tracks the wall-clock time of one tick.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "koji_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduling loop tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerTicksTotal counts ticks by outcome (ran, lock_busy, interval_gate).
	SchedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koji_scheduler_ticks_total",
		Help: "Total scheduler ticks by outcome",
	}, []string{"outcome"})

	// FreeTasksGauge tracks the number of free tasks seen at tick start.
	FreeTasksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koji_scheduler_free_tasks",
		Help: "Number of FREE tasks observed at the start of the most recent tick",
	})

	// AssignmentsTotal counts successful assignments.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koji_scheduler_assignments_total",
		Help: "Total successful task assignments",
	}, []string{"channel_arch"})

	// AssignmentConflictsTotal counts lost assignment races.
	AssignmentConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koji_scheduler_assignment_conflicts_total",
		Help: "Total TaskAlreadyAssigned conflicts observed during assignment",
	})

	// NoCandidatesTotal counts tasks left FREE for lack of an eligible host.
	NoCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koji_scheduler_no_candidates_total",
		Help: "Total free tasks with no eligible host candidate in a tick",
	})

	// HostsEligibleGauge tracks the number of eligible hosts per tick.
	HostsEligibleGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koji_scheduler_hosts_eligible",
		Help: "Number of ready, enabled, fresh-heartbeat hosts at tick start",
	})

	// HostsEvictedTotal counts hosts whose active runs were overridden for
	// missing their heartbeat deadline.
	HostsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koji_scheduler_hosts_evicted_total",
		Help: "Total hosts whose active runs were overridden due to stale heartbeat",
	})

	// AssignTimeoutsTotal counts ASSIGNED runs overridden for not being
	// opened within assign_timeout.
	AssignTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koji_scheduler_assign_timeouts_total",
		Help: "Total ASSIGNED runs overridden for exceeding assign_timeout",
	})

	// RefusalsTotal counts refusals recorded, split by soft/hard and origin.
	RefusalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koji_scheduler_refusals_total",
		Help: "Total refusals recorded",
	}, []string{"soft", "by_host"})

	// LockHeldGauge is 1 while this process holds the "scheduler" advisory lock.
	LockHeldGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koji_scheduler_lock_held",
		Help: "1 if this process currently holds the scheduler advisory lock",
	})

	// RedisLatency tracks the Redis host-data mirror round-trip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "koji_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for the host-data cache mirror",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// EventPublishFailures tracks failed best-effort publishes (Redis
	// mirror writes, websocket broadcasts).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koji_event_publish_failures_total",
		Help: "Failed best-effort publish attempts (cache mirror, dashboard feed)",
	}, []string{"event_type", "reason"})

	// HostRPCRateLimited tracks host API requests rejected by storm protection.
	HostRPCRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koji_host_rpc_rate_limited_total",
		Help: "Host RPC requests rejected by rate limiting",
	}, []string{"endpoint"})
)
