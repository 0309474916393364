package integration

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/budget"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/executor"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/provider"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/runtime"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/scheduler"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/trigger"
)

// plane is a fully wired control plane backed by an in-memory ledger
// and scripted providers instead of real API calls.
type plane struct {
	store   *ledger.Store
	gate    *runtime.Gate
	exec    *executor.Executor
	sched   *scheduler.Scheduler
	gateway *trigger.Gateway
}

func newPlane(t *testing.T, providers ...provider.Provider) *plane {
	t.Helper()
	store, err := ledger.New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	gate := runtime.NewGate(store, budget.New(store), logger)

	policy := executor.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Timeout:     5 * time.Second,
	}
	exec := executor.New(provider.NewRegistry(providers...), store, budget.New(store), nil, policy, logger)

	return &plane{
		store:   store,
		gate:    gate,
		exec:    exec,
		sched:   scheduler.New(store, gate, exec, time.Second, logger),
		gateway: trigger.New(store, gate, exec, logger),
	}
}

func createAgent(t *testing.T, store *ledger.Store, name string, schedule domain.Schedule, rate int) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		Name:             name,
		Provider:         "stub",
		Model:            "claude-sonnet-4",
		Prompt:           "find emerging startup niches",
		Schedule:         schedule,
		RateLimitPerHour: rate,
		CostLimitDaily:   10.0,
		Enabled:          true,
	}
	if err := store.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent(%s) error = %v", name, err)
	}
	return a
}

func awaitTerminal(t *testing.T, store *ledger.Store, agent string) *domain.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.LatestExecution(agent)
		if err != nil {
			t.Fatalf("LatestExecution(%s) error = %v", agent, err)
		}
		if rec != nil && rec.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %s never reached a terminal execution", agent)
	return nil
}

func okStep(cost float64) provider.Step {
	return provider.Step{Result: &provider.Result{
		Output:         "3 new pain points in r/startups",
		ItemsProcessed: 3,
		TokensUsed:     1200,
		CostUSD:        cost,
	}}
}

func TestScheduledRun_EndToEnd(t *testing.T) {
	p := newPlane(t, provider.NewScripted("stub", okStep(0.25)))
	agent := createAgent(t, p.store, "scraper", domain.Schedule{Type: domain.ScheduleInterval, IntervalHours: 6}, 10)

	due := time.Now().Add(-time.Minute)
	if err := p.store.SetRunTimes(agent.Name, &due, nil); err != nil {
		t.Fatal(err)
	}

	p.sched.Tick(context.Background())
	rec := awaitTerminal(t, p.store, "scraper")

	if rec.Status != domain.ExecCompleted {
		t.Fatalf("status = %s, want completed: %s", rec.Status, rec.ErrorMessage)
	}
	if rec.Source != domain.SourceScheduler {
		t.Errorf("source = %s, want scheduler", rec.Source)
	}
	if rec.CostUSD != 0.25 || rec.ItemsProcessed != 3 {
		t.Errorf("usage = $%v / %d items", rec.CostUSD, rec.ItemsProcessed)
	}

	// The tick must have advanced the schedule clock.
	updated, err := p.store.GetAgent("scraper")
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastRunAt == nil || updated.NextRunAt == nil {
		t.Fatal("run times not recorded")
	}
	if got := updated.NextRunAt.Sub(*updated.LastRunAt); got != 6*time.Hour {
		t.Errorf("next - last = %v, want 6h", got)
	}
}

func TestManualTrigger_EndToEnd(t *testing.T) {
	p := newPlane(t, provider.NewScripted("stub", okStep(0.10)))
	createAgent(t, p.store, "ondemand", domain.ManualSchedule(), 5)

	rec, err := p.gateway.Trigger(context.Background(), "ondemand")
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	final, err := p.gateway.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if final.Status != domain.ExecCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.Source != domain.SourceManual {
		t.Errorf("source = %s, want manual", final.Source)
	}

	// A manual run must not put the agent on the scheduler clock.
	updated, _ := p.store.GetAgent("ondemand")
	if updated.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil", updated.NextRunAt)
	}
}

func TestRateLimit_AcrossSources(t *testing.T) {
	p := newPlane(t, provider.NewScripted("stub", okStep(0.01)))
	createAgent(t, p.store, "limited", domain.ManualSchedule(), 1)

	if _, err := p.gateway.Trigger(context.Background(), "limited"); err != nil {
		t.Fatalf("first Trigger() error = %v", err)
	}
	awaitTerminal(t, p.store, "limited")

	_, err := p.gateway.Trigger(context.Background(), "limited")
	ae, ok := domain.AsAdmission(err)
	if !ok || ae.Reason != domain.ReasonRateLimited {
		t.Fatalf("second Trigger() err = %v, want rate_limited", err)
	}

	// The rejection must not have left a record behind.
	_, total, err := p.store.ListExecutions(ledger.ListOptions{Agent: "limited"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("execution count = %d, want 1", total)
	}
}

func TestFallbackProvider_EndToEnd(t *testing.T) {
	flaky := provider.NewScripted("stub",
		provider.Step{Err: &provider.TransientError{Err: errors.New("overloaded")}})
	backup := provider.NewScripted("backup", okStep(0.30))

	p := newPlane(t, flaky, backup)
	a := createAgent(t, p.store, "resilient", domain.ManualSchedule(), 5)
	a.FallbackProvider = "backup"
	if err := p.store.UpdateAgent(a); err != nil {
		t.Fatal(err)
	}

	if _, err := p.gateway.Trigger(context.Background(), "resilient"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	final := awaitTerminal(t, p.store, "resilient")

	if final.Status != domain.ExecCompleted {
		t.Fatalf("status = %s, want completed via fallback: %s", final.Status, final.ErrorMessage)
	}
	if flaky.Calls() != 3 {
		t.Errorf("primary calls = %d, want 3 attempts before fallback", flaky.Calls())
	}
	if backup.Calls() != 1 {
		t.Errorf("fallback calls = %d, want 1", backup.Calls())
	}
}

func TestPausedAgent_SchedulerSkipsManualWorks(t *testing.T) {
	p := newPlane(t, provider.NewScripted("stub", okStep(0.05)))
	agent := createAgent(t, p.store, "halfway", domain.Schedule{Type: domain.ScheduleInterval, IntervalHours: 1}, 10)

	due := time.Now().Add(-time.Minute)
	if err := p.store.SetRunTimes(agent.Name, &due, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.store.SetPaused("halfway", true); err != nil {
		t.Fatal(err)
	}

	p.sched.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	if rec, _ := p.store.LatestExecution("halfway"); rec != nil {
		t.Fatalf("scheduler ran a paused agent: %+v", rec)
	}

	if _, err := p.gateway.Trigger(context.Background(), "halfway"); err != nil {
		t.Fatalf("manual Trigger() on paused agent error = %v", err)
	}
	final := awaitTerminal(t, p.store, "halfway")
	if final.Status != domain.ExecCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
}
