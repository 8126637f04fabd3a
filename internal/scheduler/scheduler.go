// Package scheduler drives the periodic work of the control plane on a
// gocron scheduler: materializing due scheduled tasks, expiring unconfirmed
// approvals, demoting silently vanished agents, and sweeping expired
// idempotency keys and refresh tokens.
//
// The due-schedule tick polls the database rather than holding one gocron
// job per definition: definitions change through the API at any time, and a
// poll against next_run_at needs no cache invalidation. Missed firings are
// not backfilled — recovery advances next_run_at to the next future slot.
//
// All jobs run in singleton mode: a tick that outlives its interval is
// rescheduled, never stacked.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/approval"
	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/risk"
	"github.com/taskwire-io/taskwire/internal/types"
)

const (
	// tickInterval is the due-schedule poll cadence. A definition fires at
	// most tickInterval late.
	tickInterval = time.Minute

	// approvalInterval is how often unconfirmed tasks are expired.
	approvalInterval = 10 * time.Minute

	// staleInterval is how often agent rows are checked against staleAfter.
	staleInterval = 2 * time.Minute

	// maintenanceInterval is the cadence of the retention sweeps.
	maintenanceInterval = time.Hour

	// staleAfter is how long an agent row may stay online without a
	// heartbeat before the monitor demotes it to stale. Covers channels
	// that died without a teardown (process kill, machine loss).
	staleAfter = 5 * time.Minute

	// idempotencyRetention is how long idempotency keys are kept. Clients
	// are promised at least 24 h of replay protection.
	idempotencyRetention = 48 * time.Hour

	// jobTimeout bounds a single run of any scheduler job.
	jobTimeout = 30 * time.Second
)

// Scheduler owns the gocron instance and the job implementations.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron      gocron.Scheduler
	schedules repositories.ScheduledTaskRepository
	tasks     repositories.TaskRepository
	agents    repositories.AgentRepository
	idem      repositories.IdempotencyKeyRepository
	refresh   repositories.RefreshTokenRepository
	approval  *approval.Service
	broker    broker.Broker
	events    events.Publisher
	logger    *zap.Logger

	now func() time.Time
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(
	schedules repositories.ScheduledTaskRepository,
	tasks repositories.TaskRepository,
	agents repositories.AgentRepository,
	idem repositories.IdempotencyKeyRepository,
	refresh repositories.RefreshTokenRepository,
	approvals *approval.Service,
	b broker.Broker,
	pub events.Publisher,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:      s,
		schedules: schedules,
		tasks:     tasks,
		agents:    agents,
		idem:      idem,
		refresh:   refresh,
		approval:  approvals,
		broker:    b,
		events:    pub,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
	}, nil
}

// Start registers the periodic jobs and starts the gocron scheduler. It
// should be called once at server startup, after the database connection is
// established.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"due-schedules", tickInterval, s.RunDue},
		{"approval-expiry", approvalInterval, s.sweepApprovals},
		{"stale-agents", staleInterval, s.MarkStaleAgents},
		{"maintenance", maintenanceInterval, s.Maintain},
	}

	for _, j := range jobs {
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func(run func(context.Context)) {
				ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				defer cancel()
				run(ctx)
			}, j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduler: register %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop gracefully shuts down gocron, waiting for any currently running job
// functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// RunDue fires every active schedule whose next run is at or before now.
// Per-definition failures are logged and skipped so one bad row never
// starves the rest.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules failed", zap.Error(err))
		return
	}

	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

// fire materializes one task from a due definition, or skips the slot with
// an advanced next_run_at when the definition cannot run right now.
func (s *Scheduler) fire(ctx context.Context, st *db.ScheduledTask, now time.Time) {
	logger := s.logger.With(
		zap.String("schedule_id", st.ID.String()),
		zap.String("name", st.Name))

	sched, err := cron.ParseStandard(st.CronExpr)
	if err != nil {
		// Expressions are validated at creation; a row failing here is
		// corrupt and would re-list every tick. Park it.
		logger.Error("unparseable cron expression, deactivating", zap.Error(err))
		st.IsActive = false
		if err := s.schedules.Update(ctx, st); err != nil {
			logger.Error("deactivate schedule failed", zap.Error(err))
		}
		return
	}
	next := sched.Next(now)

	agent, err := s.agents.GetByID(ctx, st.AgentID)
	if err != nil || agent.Revoked() {
		logger.Warn("target agent unavailable, skipping slot",
			zap.String("agent_id", st.AgentID.String()), zap.Error(err))
		s.reschedule(ctx, logger, st, next)
		return
	}

	actions, err := st.GetActions()
	if err == nil {
		err = protocol.ValidateActions(actions)
	}
	if err != nil {
		logger.Error("invalid action template, skipping slot", zap.Error(err))
		s.reschedule(ctx, logger, st, next)
		return
	}

	analysis := risk.Classify(actions)
	if risk.ShouldBlock(analysis.Level) || risk.RequiresApproval(analysis.Level) {
		// Nobody is present to confirm a scheduled firing, so anything
		// above the auto-run threshold is announced and skipped.
		logger.Info("scheduled task blocked by risk policy",
			zap.String("level", string(analysis.Level)),
			zap.Strings("reasons", analysis.Reasons))
		s.events.Publish(ctx, events.Event{
			Type:    types.EventScheduledTaskBlocked,
			UserID:  st.OwnerID,
			AgentID: st.AgentID,
			Data: map[string]any{
				"schedule_id": st.ID.String(),
				"name":        st.Name,
				"level":       analysis.Level,
				"reasons":     analysis.Reasons,
			},
		})
		s.reschedule(ctx, logger, st, next)
		return
	}

	task := &db.Task{
		OwnerID: st.OwnerID,
		AgentID: st.AgentID,
		Title:   st.Name,
		Status:  string(types.TaskStatusQueued),
	}
	if err := task.SetPayload(db.TaskPayload{
		Actions:         actions,
		RiskAnalysis:    analysis,
		ScheduledTaskID: st.ID.String(),
	}); err != nil {
		logger.Error("build task payload failed", zap.Error(err))
		s.reschedule(ctx, logger, st, next)
		return
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		// next_run_at stays put, so the next tick retries the slot.
		logger.Error("create task failed", zap.Error(err))
		return
	}

	if err := broker.PublishTask(ctx, s.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID:  task.ID,
		AgentID: task.AgentID,
	}); err != nil {
		// The task exists and stays queued for a redrive.
		logger.Warn("publish task.created failed", zap.Error(err))
	}

	if err := s.schedules.AdvanceRun(ctx, st.ID, now, next); err != nil {
		logger.Error("advance run failed", zap.Error(err))
		return
	}
	logger.Info("scheduled task fired",
		zap.String("task_id", task.ID.String()),
		zap.Time("next_run_at", next))
}

func (s *Scheduler) reschedule(ctx context.Context, logger *zap.Logger, st *db.ScheduledTask, next time.Time) {
	if err := s.schedules.Reschedule(ctx, st.ID, next); err != nil {
		logger.Error("reschedule failed", zap.Error(err))
	}
}

// MarkStaleAgents demotes agents still marked online whose last heartbeat is
// older than staleAfter. DB status only — presence TTL and channel teardown
// handle delivery eligibility on their own.
func (s *Scheduler) MarkStaleAgents(ctx context.Context) {
	cutoff := s.now().UTC().Add(-staleAfter)
	stale, err := s.agents.ListStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("list stale agents failed", zap.Error(err))
		return
	}

	for i := range stale {
		a := &stale[i]
		if err := s.agents.UpdateStatus(ctx, a.ID, types.AgentStatusStale, *a.LastSeenAt); err != nil {
			s.logger.Warn("mark agent stale failed",
				zap.String("agent_id", a.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("agent marked stale",
			zap.String("agent_id", a.ID.String()),
			zap.Time("last_seen_at", *a.LastSeenAt))
	}
}

// Maintain runs the retention sweeps: idempotency keys past their window and
// refresh tokens past expiry.
func (s *Scheduler) Maintain(ctx context.Context) {
	now := s.now().UTC()

	keys, err := s.idem.DeleteOlderThan(ctx, now.Add(-idempotencyRetention))
	if err != nil {
		s.logger.Error("idempotency sweep failed", zap.Error(err))
	} else if keys > 0 {
		s.logger.Info("swept idempotency keys", zap.Int64("count", keys))
	}

	tokens, err := s.refresh.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error("refresh token sweep failed", zap.Error(err))
	} else if tokens > 0 {
		s.logger.Info("swept expired refresh tokens", zap.Int64("count", tokens))
	}
}

func (s *Scheduler) sweepApprovals(ctx context.Context) {
	if _, err := s.approval.SweepExpired(ctx); err != nil {
		s.logger.Error("approval sweep failed", zap.Error(err))
	}
}
