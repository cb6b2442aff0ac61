// Package scheduler implements the Scheduler (C9): a control loop that
// ticks over due cron schedules, claims per-schedule ownership across
// scheduler replicas via a distributed lock, and dispatches fires through
// the Execution Queue.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/common/constants"
	"github.com/trinitylabs/controlplane/internal/common/logger"
	"github.com/trinitylabs/controlplane/internal/common/metrics"
	"github.com/trinitylabs/controlplane/internal/orchestrator/lockqueue"
	"github.com/trinitylabs/controlplane/internal/orchestrator/queue"
	"github.com/trinitylabs/controlplane/internal/store"
)

// Dispatcher sends a schedule's message to its agent. Implemented by
// internal/agent/transport.Client; kept as an interface here so the
// scheduler doesn't depend on container/HTTP plumbing.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentName, message string) (response string, err error)
}

const lockKeyPrefix = "scheduler:lock:schedule:"

// Scheduler ticks over due schedules and fires them.
type Scheduler struct {
	store      *store.Store
	queue      *queue.ExecutionQueue
	lock       lockqueue.Backend
	dispatcher Dispatcher
	logger     *logger.Logger
	parser     cron.Parser

	tickInterval time.Duration
	lockTTL      time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler with the default tick interval and lock TTL.
func New(st *store.Store, q *queue.ExecutionQueue, lock lockqueue.Backend, dispatcher Dispatcher, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		queue:      q,
		lock:       lock,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),

		tickInterval: constants.SchedulerTickInterval,
		lockTTL:      constants.ScheduleLockTTL,
	}
}

// Start begins the tick loop. Safe to call once; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("tick_interval", s.tickInterval))

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one pass: find due schedules, claim each, submit it to the
// Execution Queue, reschedule its next run, and release the claim.
//
//  1. Load every enabled, non-autonomy-disabled schedule due at or before now.
//  2. For each: try to acquire its per-schedule lock (another replica may
//     already own it this tick).
//  3. If owned, submit the fire through the Execution Queue: a free agent
//     gets it dispatched now, a busy agent gets it on its wait queue.
//  4. Compute the next cron occurrence and record last_run_at/next_run_at.
//  5. Release the lock.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.store.Schedules.DueBefore(ctx, start)
	if err != nil {
		s.logger.Error("list due schedules", zap.Error(err))
		return
	}

	for _, sch := range due {
		s.fireOne(ctx, sch)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, sch *store.Schedule) {
	lockKey := lockKeyPrefix + sch.ID
	token, acquired, err := s.lock.AcquireLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock", zap.String("schedule_id", sch.ID), zap.Error(err))
		return
	}
	if !acquired {
		return // another replica owns this tick for this schedule
	}
	defer func() {
		if _, err := s.lock.ReleaseLock(ctx, lockKey, token); err != nil {
			s.logger.Warn("release schedule lock", zap.String("schedule_id", sch.ID), zap.Error(err))
		}
	}()

	log := s.logger.WithScheduleID(sch.ID).WithAgentName(sch.AgentName)

	nextRun, err := s.nextRun(sch)
	if err != nil {
		log.Error("compute next run", zap.Error(err))
		return
	}

	outcome := s.dispatch(ctx, sch, log)

	if err := s.store.Schedules.RecordFire(ctx, sch.ID, time.Now(), nextRun); err != nil {
		log.Error("record schedule fire", zap.Error(err))
	}
	metrics.ScheduleFireTotal.WithLabelValues(outcome).Inc()
}

// dispatch always submits the fire to the Execution Queue -- a busy agent
// backs the fire up onto its wait queue rather than dropping it. It returns
// an outcome label for metrics ("fired", "queued", "queue_full", "failed").
func (s *Scheduler) dispatch(ctx context.Context, sch *store.Schedule, log *logger.Logger) string {
	exec := queue.NewExecution(sch.AgentName, sch.Message, queue.SourceSchedule)
	status, exec, err := s.queue.Submit(ctx, exec, true)
	if err != nil {
		log.Error("submit scheduled execution", zap.Error(err))
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindQueueFull {
			s.recordExecution(ctx, sch, uuid.NewString(), store.ExecutionStatusFailed, "", "queue_full")
			return "queue_full"
		}
		s.recordExecution(ctx, sch, uuid.NewString(), store.ExecutionStatusFailed, "", err.Error())
		return "failed"
	}
	log.Info("schedule fired", zap.String("execution_id", exec.ID), zap.String("queue_status", string(status)))

	if status != queue.StatusRunning {
		// Backed up behind another execution on the same agent: record the
		// queued row now and stop. The eventual runner -- whichever caller
		// completes the agent's running slot -- promotes and finishes it.
		s.recordQueuedExecution(ctx, sch, exec)
		return "queued"
	}

	startID := uuid.NewString()
	startedAt := time.Now()
	if err := s.store.Activities.Record(ctx, &store.Activity{
		ID:                 startID,
		AgentName:          sch.AgentName,
		ActivityType:       store.ActivityTypeScheduleStart,
		ActivityState:      store.ActivityStateCompleted,
		TriggeredBy:        store.TriggeredBySchedule,
		RelatedExecutionID: sql.NullString{String: exec.ID, Valid: true},
		CompletedAt:        sql.NullTime{Time: startedAt, Valid: true},
	}); err != nil {
		log.Warn("record schedule_start activity", zap.Error(err))
	}

	response, err := s.dispatcher.Dispatch(ctx, sch.AgentName, sch.Message)
	next, completeErr := s.queue.Complete(ctx, sch.AgentName)
	if completeErr != nil {
		log.Error("complete scheduled execution", zap.Error(completeErr))
	}
	if next != nil {
		log.Info("promoted queued execution after schedule fire", zap.String("execution_id", next.ID))
	}

	endActivity := &store.Activity{
		ID:                 uuid.NewString(),
		AgentName:          sch.AgentName,
		ActivityType:       store.ActivityTypeScheduleEnd,
		TriggeredBy:        store.TriggeredBySchedule,
		ParentActivityID:   sql.NullString{String: startID, Valid: true},
		RelatedExecutionID: sql.NullString{String: exec.ID, Valid: true},
		CompletedAt:        sql.NullTime{Time: time.Now(), Valid: true},
	}
	if err != nil {
		endActivity.ActivityState = store.ActivityStateFailed
		endActivity.Error = sql.NullString{String: err.Error(), Valid: true}
		if recErr := s.store.Activities.Record(ctx, endActivity); recErr != nil {
			log.Warn("record schedule_end activity", zap.Error(recErr))
		}
		s.recordExecution(ctx, sch, exec.ID, store.ExecutionStatusFailed, "", err.Error())
		return "failed"
	}
	endActivity.ActivityState = store.ActivityStateCompleted
	if recErr := s.store.Activities.Record(ctx, endActivity); recErr != nil {
		log.Warn("record schedule_end activity", zap.Error(recErr))
	}
	s.recordExecution(ctx, sch, exec.ID, store.ExecutionStatusSuccess, response, "")
	return "fired"
}

// recordQueuedExecution persists the queued row for a fire that backed up
// behind another execution on the same agent. It shares its ID with the
// queue.Execution so the eventual promotion/completion can be matched back
// to this row.
func (s *Scheduler) recordQueuedExecution(ctx context.Context, sch *store.Schedule, exec *queue.Execution) {
	rec := &store.ScheduleExecution{
		ID:          exec.ID,
		AgentName:   sch.AgentName,
		Status:      store.ExecutionStatusQueued,
		Message:     sch.Message,
		StartedAt:   time.Now(),
		TriggeredBy: store.TriggeredBySchedule,
	}
	rec.ScheduleID.String, rec.ScheduleID.Valid = sch.ID, true
	if err := s.store.Executions.Create(ctx, rec); err != nil {
		s.logger.Error("create queued execution record", zap.String("schedule_id", sch.ID), zap.Error(err))
	}
}

func (s *Scheduler) recordExecution(ctx context.Context, sch *store.Schedule, id, status, response, execErr string) {
	now := time.Now()
	rec := &store.ScheduleExecution{
		ID:          id,
		AgentName:   sch.AgentName,
		Status:      store.ExecutionStatusRunning,
		Message:     sch.Message,
		StartedAt:   now,
		TriggeredBy: store.TriggeredBySchedule,
	}
	rec.ScheduleID.String, rec.ScheduleID.Valid = sch.ID, true

	if err := s.store.Executions.Create(ctx, rec); err != nil {
		s.logger.Error("create execution record", zap.String("schedule_id", sch.ID), zap.Error(err))
		return
	}
	if err := s.store.Executions.Complete(ctx, id, status, response, execErr, now, 0, 0, 0, 0, "[]", "{}"); err != nil {
		s.logger.Error("complete execution record", zap.String("schedule_id", sch.ID), zap.Error(err))
	}
}

func (s *Scheduler) nextRun(sch *store.Schedule) (time.Time, error) {
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := s.parser.Parse(sch.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sch.CronExpression, err)
	}
	return schedule.Next(time.Now().In(loc)), nil
}
