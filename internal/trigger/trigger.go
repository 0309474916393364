package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
)

// ErrStillRunning is returned by Await when the poll budget is spent
// before the execution reaches a terminal status. The caller should
// consult the execution log later instead of polling indefinitely.
var ErrStillRunning = errors.New("execution still running, consult the execution log later")

// Store is the ledger surface the gateway reads
type Store interface {
	GetAgent(name string) (*domain.Agent, error)
	GetExecution(id string) (*domain.Execution, error)
	SetRunTimes(name string, nextRunAt, lastRunAt *time.Time) error
}

// Admitter is the admission gate, shared with the scheduler
type Admitter interface {
	Admit(ctx context.Context, name, source string) (*domain.Execution, error)
}

// Runner executes an admitted record
type Runner interface {
	Run(ctx context.Context, agent *domain.Agent, exec *domain.Execution) error
}

// Gateway handles operator-initiated "run now" requests. It uses the
// identical admission gate as the scheduler, so a manual trigger can
// never double-run an agent or bypass its budget. Admission returns
// immediately; the execution runs asynchronously and callers confirm
// the outcome by polling the ledger via Await.
type Gateway struct {
	store  Store
	gate   Admitter
	exec   Runner
	logger *slog.Logger

	// ResetsClock controls whether a manual trigger also advances the
	// agent's automatic next_run_at. Off by default: operator actions
	// stay isolated from the scheduled cadence.
	ResetsClock bool

	pollInterval time.Duration
	maxPolls     int

	wg sync.WaitGroup
}

// New creates a Gateway with the default poll budget (10 polls, 3s apart)
func New(store Store, gate Admitter, exec Runner, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:        store,
		gate:         gate,
		exec:         exec,
		logger:       logger,
		pollInterval: 3 * time.Second,
		maxPolls:     10,
	}
}

// Trigger admits and starts a run for the agent. On success the
// returned execution is still running; on rejection the error carries
// the typed admission reason and nothing was started.
func (g *Gateway) Trigger(ctx context.Context, name string) (*domain.Execution, error) {
	exec, err := g.gate.Admit(ctx, name, domain.SourceManual)
	if err != nil {
		return nil, err
	}

	if g.ResetsClock {
		if agent, err := g.store.GetAgent(name); err == nil && agent.Schedule.Type != domain.ScheduleManual {
			last := exec.StartedAt
			next := agent.Schedule.Next(time.Now(), &last)
			if err := g.store.SetRunTimes(name, next, &last); err != nil {
				g.logger.Error("resetting schedule clock", "agent", name, "error", err)
			}
		}
	}

	agent, err := g.store.GetAgent(name)
	if err != nil {
		return nil, err
	}

	// The run must outlive the HTTP request that triggered it; the
	// executor's own wall-clock timeout bounds it.
	runCtx := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = g.exec.Run(runCtx, agent, exec)
	}()

	return exec, nil
}

// Await polls the ledger for the execution's terminal record at a
// fixed interval, up to the poll budget. Returns the latest record and
// ErrStillRunning when the budget is exhausted first.
func (g *Gateway) Await(ctx context.Context, execID string) (*domain.Execution, error) {
	var rec *domain.Execution
	for i := 0; i < g.maxPolls; i++ {
		var err error
		rec, err = g.store.GetExecution(execID)
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
		if i == g.maxPolls-1 {
			break
		}
		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rec, ctx.Err()
		case <-timer.C:
		}
	}
	return rec, ErrStillRunning
}

// Wait blocks until all in-flight triggered executions finish. Used on
// shutdown.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
