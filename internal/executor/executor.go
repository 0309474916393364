package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/notify"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/provider"
)

// Ledger is the finalization surface of the store. The executor is the
// only writer that transitions a record to a terminal status.
type Ledger interface {
	Finalize(e *domain.Execution) error
}

// CostRecorder feeds finalized costs back into the budget tracker
type CostRecorder interface {
	NoteCost(agent string, startedAt time.Time, costUSD float64)
}

// Policy holds the retry and timeout knobs
type Policy struct {
	MaxAttempts int           // provider attempts before fallback, default 4
	BaseDelay   time.Duration // first backoff delay, doubles per attempt, default 5s
	Timeout     time.Duration // hard wall-clock bound per execution, default 5m
	MaxErrorLen int           // stored error message truncation, default 500
}

// DefaultPolicy returns the production retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Second,
		Timeout:     5 * time.Minute,
		MaxErrorLen: 500,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxErrorLen <= 0 {
		p.MaxErrorLen = d.MaxErrorLen
	}
	return p
}

// Executor runs one admitted execution to its terminal status. It
// retries transient provider failures with exponential backoff, falls
// back to the secondary provider after exhausting the primary, and
// never retries fatal (authentication/validation) failures.
type Executor struct {
	providers *provider.Registry
	store     Ledger
	costs     CostRecorder
	notifier  notify.Notifier
	policy    Policy
	logger    *slog.Logger

	// sleep is swapped in tests to make backoff deterministic
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor
func New(providers *provider.Registry, store Ledger, costs CostRecorder, notifier notify.Notifier, policy Policy, logger *slog.Logger) *Executor {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		providers: providers,
		store:     store,
		costs:     costs,
		notifier:  notifier,
		policy:    policy.withDefaults(),
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run drives the admitted execution to completion and finalizes the
// ledger record exactly once. The returned error mirrors what was
// recorded; callers like the scheduler log it and move on.
func (x *Executor) Run(ctx context.Context, agent *domain.Agent, exec *domain.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, x.policy.Timeout)
	defer cancel()

	result, err := x.attempt(ctx, agent)

	finished := time.Now().UTC()
	exec.FinishedAt = &finished
	exec.Duration = finished.Sub(exec.StartedAt)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("execution timed out after %s", x.policy.Timeout)
		}
		exec.Status = domain.ExecFailed
		exec.ErrorMessage = truncate(err.Error(), x.policy.MaxErrorLen)

		if ferr := x.store.Finalize(exec); ferr != nil {
			x.logger.Error("finalizing failed execution", "agent", agent.Name, "execution", exec.ID, "error", ferr)
			return ferr
		}

		x.logger.Warn("execution failed",
			"agent", agent.Name, "execution", exec.ID, "duration", exec.Duration, "error", exec.ErrorMessage)
		x.notifier.Send(notify.Notification{
			Title:       fmt.Sprintf("Agent %s failed", agent.Name),
			Message:     exec.ErrorMessage,
			Type:        notify.NotifyError,
			AgentName:   agent.Name,
			ExecutionID: exec.ID,
		})
		return err
	}

	exec.Status = domain.ExecCompleted
	exec.ItemsProcessed = result.ItemsProcessed
	exec.ItemsFailed = result.ItemsFailed
	exec.TokensUsed = result.TokensUsed
	exec.CostUSD = result.CostUSD

	if ferr := x.store.Finalize(exec); ferr != nil {
		x.logger.Error("finalizing completed execution", "agent", agent.Name, "execution", exec.ID, "error", ferr)
		return ferr
	}
	if x.costs != nil {
		x.costs.NoteCost(agent.Name, exec.StartedAt, exec.CostUSD)
	}

	x.logger.Info("execution completed",
		"agent", agent.Name, "execution", exec.ID,
		"duration", exec.Duration, "tokens", exec.TokensUsed, "cost_usd", exec.CostUSD)
	return nil
}

// attempt runs the retry loop against the primary provider, then tries
// the fallback once if one is configured.
func (x *Executor) attempt(ctx context.Context, agent *domain.Agent) (*provider.Result, error) {
	primary, err := x.providers.Get(agent.Provider)
	if err != nil {
		return nil, err
	}

	req := provider.Request{
		Model:       agent.Model,
		Prompt:      agent.Prompt,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}

	var lastErr error
	for i := 0; i < x.policy.MaxAttempts; i++ {
		res, err := primary.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if provider.IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if i < x.policy.MaxAttempts-1 {
			delay := x.policy.BaseDelay << i
			x.logger.Debug("retrying after transient failure",
				"agent", agent.Name, "provider", primary.Name(), "attempt", i+1, "delay", delay)
			if err := x.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	if agent.FallbackProvider != "" {
		fallback, err := x.providers.Get(agent.FallbackProvider)
		if err != nil {
			return nil, fmt.Errorf("fallback unavailable after primary exhausted: %w (primary: %v)", err, lastErr)
		}
		x.logger.Info("primary exhausted, trying fallback",
			"agent", agent.Name, "primary", primary.Name(), "fallback", fallback.Name())
		res, err := fallback.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = fmt.Errorf("%v (fallback: %v)", lastErr, err)
	}

	return nil, fmt.Errorf("provider exhausted after %d attempts: %w", x.policy.MaxAttempts, lastErr)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < 4 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
