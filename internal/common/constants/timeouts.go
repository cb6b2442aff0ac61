// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Agent Transport (C5) timeouts — differentiated by call weight.
const (
	// HealthCheckTimeout bounds a GET /health readiness probe.
	HealthCheckTimeout = 5 * time.Second

	// FileOpTimeout bounds credential inject/read/export calls.
	FileOpTimeout = 30 * time.Second

	// TaskTimeout bounds a POST /task call; agents may stream for a while.
	TaskTimeout = 10 * time.Minute

	// ResponseTruncateBytes is the size at which an agent response body is
	// truncated with a marker before being logged or sanitized.
	ResponseTruncateBytes = 15 * 1024

	// AgentBootTimeout bounds how long the lifecycle manager waits for a
	// freshly started container's /health to return 200.
	AgentBootTimeout = 30 * time.Second

	// TerminateGracePeriod is how long a terminate request waits for SIGINT
	// to take effect before escalating to SIGKILL.
	TerminateGracePeriod = 5 * time.Second
)

// Execution Queue (C6) timing.
const (
	// ExecutionTTL bounds how long a claimed running:{agent} slot survives
	// without being completed — the safety valve against a crashed worker.
	ExecutionTTL = 10 * time.Minute

	// QueueWaitTimeout bounds how long a wait_if_busy submit blocks for
	// promotion before returning QueueTimeout.
	QueueWaitTimeout = 120 * time.Second

	// MaxQueueSize is the bounded wait-list depth per agent.
	MaxQueueSize = 3
)

// Scheduler (C9) timing.
const (
	// SchedulerTickInterval is how often the control loop queries the
	// store for due schedules.
	SchedulerTickInterval = 15 * time.Second

	// ScheduleLockTTL bounds how long a worker holds a per-schedule
	// distributed lock while dispatching a fire.
	ScheduleLockTTL = 60 * time.Second
)

// StatsWorkerPoolSize bounds concurrent container stats_once calls, which
// are comparatively expensive (~1-2s each).
const StatsWorkerPoolSize = 4

// Lifecycle Manager (C8) provisioning defaults.
const (
	// SSHPortBase is the first port the Lifecycle Manager allocates; the
	// next free port is max(existing) + 1, never below this floor.
	SSHPortBase = 2289

	// GitCloneTimeout bounds a shallow GitHub template clone.
	GitCloneTimeout = 120 * time.Second
)
