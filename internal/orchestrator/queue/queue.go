// Package queue implements the Execution Queue (C6): one execution at a
// time per agent, with up to MaxQueueSize callers waiting in FIFO order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/constants"
	"github.com/trinitylabs/controlplane/internal/orchestrator/lockqueue"
)

// Source identifies who asked for an execution to run.
type Source string

const (
	SourceUser     Source = "user"
	SourceSchedule Source = "schedule"
	SourceAgent    Source = "agent"
)

// Status is an Execution's lifecycle state within the queue (distinct from
// the State Store's longer-lived ScheduleExecution.Status, which also
// tracks terminal outcomes).
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
)

// Execution is one request to run a message against an agent, as it
// travels through the queue. It is serialized to JSON for storage in the
// lock/queue backend.
type Execution struct {
	ID              string    `json:"id"`
	AgentName       string    `json:"agent_name"`
	Source          Source    `json:"source"`
	SourceAgent     string    `json:"source_agent,omitempty"`
	SourceUserID    string    `json:"source_user_id,omitempty"`
	SourceUserEmail string    `json:"source_user_email,omitempty"`
	Message         string    `json:"message"`
	Status          Status    `json:"status"`
	QueuedAt        time.Time `json:"queued_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
}

// NewExecution builds an unsubmitted Execution request.
func NewExecution(agentName, message string, source Source) *Execution {
	return &Execution{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Source:    source,
		Message:   message,
		Status:    StatusQueued,
		QueuedAt:  time.Now(),
	}
}

// Status of an agent's queue: what's running now, and who's waiting.
type QueueStatus struct {
	AgentName         string       `json:"agent_name"`
	IsBusy            bool         `json:"is_busy"`
	CurrentExecution  *Execution   `json:"current_execution,omitempty"`
	QueueLength       int          `json:"queue_length"`
	QueuedExecutions  []*Execution `json:"queued_executions"`
}

const (
	runningPrefix = "agent:running:"
	queuePrefix   = "agent:queue:"
)

// ExecutionQueue enforces single-slot-per-agent dispatch over a shared
// lockqueue.Backend, so multiple control-plane processes agree on which
// agent is busy.
type ExecutionQueue struct {
	backend lockqueue.Backend
}

// New builds an ExecutionQueue over backend.
func New(backend lockqueue.Backend) *ExecutionQueue {
	return &ExecutionQueue{backend: backend}
}

func runningKey(agentName string) string { return runningPrefix + agentName }
func queueKey(agentName string) string   { return queuePrefix + agentName }

// Submit starts exec immediately if agentName is free. If the agent is
// busy: with waitIfBusy it is appended to the FIFO wait list (rejecting
// with apierr.KindQueueFull past constants.MaxQueueSize), and without it
// the call fails with apierr.KindAgentBusy.
func (q *ExecutionQueue) Submit(ctx context.Context, exec *Execution, waitIfBusy bool) (Status, *Execution, error) {
	exec.Status = StatusRunning
	exec.StartedAt = time.Now()
	serialized, err := json.Marshal(exec)
	if err != nil {
		return "", nil, apierr.Internal("serialize execution", err)
	}

	// Atomic claim of the running slot -- a single SETNX closes the window
	// a GET-then-SET would leave open for two callers to both believe the
	// agent was free.
	started, err := q.backend.SetNX(ctx, runningKey(exec.AgentName), string(serialized), constants.ExecutionTTL)
	if err != nil {
		return "", nil, apierr.Internal("claim running slot", err)
	}
	if started {
		return StatusRunning, exec, nil
	}

	// Agent is busy.
	exec.Status = StatusQueued
	exec.StartedAt = time.Time{}

	if !waitIfBusy {
		current, _ := q.currentExecution(ctx, exec.AgentName)
		return "", nil, apierr.AgentBusy(fmt.Sprintf("agent '%s' is currently executing", exec.AgentName)).WithDetails(current)
	}

	qLen, err := q.backend.LLen(ctx, queueKey(exec.AgentName))
	if err != nil {
		return "", nil, apierr.Internal("read queue length", err)
	}
	if qLen >= constants.MaxQueueSize {
		retryAfter := int(constants.QueueWaitTimeout.Seconds())
		return "", nil, apierr.QueueFull(int(qLen), retryAfter)
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		return "", nil, apierr.Internal("serialize execution", err)
	}
	if err := q.backend.LPush(ctx, queueKey(exec.AgentName), string(payload)); err != nil {
		return "", nil, apierr.Internal("enqueue execution", err)
	}
	return Status(fmt.Sprintf("queued:%d", qLen+1)), exec, nil
}

// Complete marks agentName's running slot free and, if another request is
// waiting, promotes the oldest one to running and returns it.
func (q *ExecutionQueue) Complete(ctx context.Context, agentName string) (*Execution, error) {
	// Consume for logging/observability parity with the original queue;
	// the value itself is not otherwise needed here.
	_, _, _ = q.backend.Get(ctx, runningKey(agentName))

	payload, ok, err := q.backend.RPop(ctx, queueKey(agentName))
	if err != nil {
		return nil, apierr.Internal("pop queue", err)
	}
	if !ok {
		if err := q.backend.Delete(ctx, runningKey(agentName)); err != nil {
			return nil, apierr.Internal("release running slot", err)
		}
		return nil, nil
	}

	var next Execution
	if err := json.Unmarshal([]byte(payload), &next); err != nil {
		return nil, apierr.Internal("deserialize queued execution", err)
	}
	next.Status = StatusRunning
	next.StartedAt = time.Now()

	serialized, err := json.Marshal(&next)
	if err != nil {
		return nil, apierr.Internal("serialize execution", err)
	}
	if err := q.backend.Set(ctx, runningKey(agentName), string(serialized), constants.ExecutionTTL); err != nil {
		return nil, apierr.Internal("promote queued execution", err)
	}
	return &next, nil
}

// Status reports what's running and waiting for agentName.
func (q *ExecutionQueue) Status(ctx context.Context, agentName string) (*QueueStatus, error) {
	current, err := q.currentExecution(ctx, agentName)
	if err != nil {
		return nil, err
	}

	items, err := q.backend.LRange(ctx, queueKey(agentName), 0, -1)
	if err != nil {
		return nil, apierr.Internal("read queue", err)
	}
	// LRange returns head-to-tail (most recently pushed first); reverse so
	// the response reflects FIFO pop order.
	queued := make([]*Execution, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var e Execution
		if err := json.Unmarshal([]byte(items[i]), &e); err != nil {
			return nil, apierr.Internal("deserialize queued execution", err)
		}
		queued = append(queued, &e)
	}

	return &QueueStatus{
		AgentName:        agentName,
		IsBusy:           current != nil,
		CurrentExecution: current,
		QueueLength:      len(queued),
		QueuedExecutions: queued,
	}, nil
}

// IsBusy reports whether agentName currently has a running execution.
func (q *ExecutionQueue) IsBusy(ctx context.Context, agentName string) (bool, error) {
	return q.backend.Exists(ctx, runningKey(agentName))
}

// ClearQueue discards every waiting request for agentName (not the running
// one) and returns how many were discarded.
func (q *ExecutionQueue) ClearQueue(ctx context.Context, agentName string) (int64, error) {
	return q.backend.DeleteList(ctx, queueKey(agentName))
}

// ForceRelease clears agentName's running slot regardless of TTL, for
// operator recovery when a container died mid-execution. Reports whether
// anything was actually running.
func (q *ExecutionQueue) ForceRelease(ctx context.Context, agentName string) (bool, error) {
	existed, err := q.backend.Exists(ctx, runningKey(agentName))
	if err != nil {
		return false, err
	}
	if existed {
		if err := q.backend.Delete(ctx, runningKey(agentName)); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// BusyAgents lists every agent with a running execution.
func (q *ExecutionQueue) BusyAgents(ctx context.Context) ([]string, error) {
	keys, err := q.backend.Keys(ctx, runningPrefix+"*")
	if err != nil {
		return nil, err
	}
	return lockqueue.StripKeyPrefix(keys, runningPrefix), nil
}

func (q *ExecutionQueue) currentExecution(ctx context.Context, agentName string) (*Execution, error) {
	payload, ok, err := q.backend.Get(ctx, runningKey(agentName))
	if err != nil {
		return nil, apierr.Internal("read running slot", err)
	}
	if !ok {
		return nil, nil
	}
	var e Execution
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, apierr.Internal("deserialize running execution", err)
	}
	return &e, nil
}
