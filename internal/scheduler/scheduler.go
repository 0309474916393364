package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
)

// Store is the agent-definition surface the scheduler reads and the
// clock fields it advances
type Store interface {
	ListAgents() ([]*domain.Agent, error)
	SetRunTimes(name string, nextRunAt, lastRunAt *time.Time) error
}

// Admitter is the admission gate
type Admitter interface {
	Admit(ctx context.Context, name, source string) (*domain.Execution, error)
}

// Runner executes an admitted record to its terminal status
type Runner interface {
	Run(ctx context.Context, agent *domain.Agent, exec *domain.Execution) error
}

// Scheduler drives the periodic tick: it computes due agents from
// their schedules and requests execution through the admission gate.
// Rejections are skipped until the next tick; the scheduler never
// queues missed ticks and never halts because one agent failed.
type Scheduler struct {
	store  Store
	gate   Admitter
	exec   Runner
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

// New creates a Scheduler ticking at the given interval
func New(store Store, gate Admitter, exec Runner, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		gate:   gate,
		exec:   exec,
		tick:   tick,
		logger: logger,
		now:    time.Now,
	}
}

// Run loops until the context is cancelled, then waits for in-flight
// executions it spawned to finish
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates one scheduling pass. Exported so manual ticks can be
// driven in tests and tooling.
func (s *Scheduler) Tick(ctx context.Context) {
	agents, err := s.store.ListAgents()
	if err != nil {
		s.logger.Error("listing agents", "error", err)
		return
	}

	now := s.now()
	for _, agent := range agents {
		if !agent.Due(now) {
			s.backfillNextRun(agent, now)
			continue
		}

		exec, err := s.gate.Admit(ctx, agent.Name, domain.SourceScheduler)
		if err != nil {
			if ae, ok := domain.AsAdmission(err); ok {
				// Self-correcting: try again next tick.
				s.logger.Debug("admission skipped", "agent", agent.Name, "reason", ae.Reason)
			} else {
				s.logger.Error("admission failed", "agent", agent.Name, "error", err)
			}
			continue
		}

		// The run has started; advance the clock off its start time so
		// a slow execution does not drift the cadence.
		last := exec.StartedAt
		next := agent.Schedule.Next(now, &last)
		if err := s.store.SetRunTimes(agent.Name, next, &last); err != nil {
			s.logger.Error("advancing schedule", "agent", agent.Name, "error", err)
		}

		s.wg.Add(1)
		go func(agent *domain.Agent, exec *domain.Execution) {
			defer s.wg.Done()
			// The executor records the outcome; scheduler-visible
			// errors are already in the ledger and the log.
			_ = s.exec.Run(ctx, agent, exec)
		}(agent, exec)
	}
}

// backfillNextRun seeds next_run_at for schedulable agents that lack
// one, e.g. after an operator switches a manual agent to interval.
// Disabled and paused agents are left untouched.
func (s *Scheduler) backfillNextRun(agent *domain.Agent, now time.Time) {
	if !agent.Enabled || agent.Paused || agent.Schedule.Type == domain.ScheduleManual {
		return
	}
	if agent.NextRunAt != nil {
		return
	}
	next := agent.Schedule.Next(now, agent.LastRunAt)
	if err := s.store.SetRunTimes(agent.Name, next, agent.LastRunAt); err != nil {
		s.logger.Error("seeding next_run_at", "agent", agent.Name, "error", err)
	}
}
