package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/budget"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/runtime"
)

type stubRunner struct {
	store    *ledger.Store
	finalize bool
	cost     float64
}

func (r *stubRunner) Run(ctx context.Context, agent *domain.Agent, exec *domain.Execution) error {
	if !r.finalize {
		return nil // leaves the record running
	}
	finished := time.Now()
	return r.store.Finalize(&domain.Execution{
		ID: exec.ID, Status: domain.ExecCompleted, FinishedAt: &finished,
		ItemsProcessed: 1, CostUSD: r.cost,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(t *testing.T, finalize bool) (*Gateway, *ledger.Store) {
	t.Helper()
	store, err := ledger.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	gate := runtime.NewGate(store, budget.New(store), testLogger())
	g := New(store, gate, &stubRunner{store: store, finalize: finalize, cost: 0.10}, testLogger())
	g.pollInterval = 5 * time.Millisecond
	return g, store
}

func createAgent(t *testing.T, store *ledger.Store, mutate func(*domain.Agent)) {
	t.Helper()
	agent := &domain.Agent{
		Name:             "reddit_scraper",
		Provider:         "anthropic",
		Schedule:         domain.IntervalSchedule(6),
		RateLimitPerHour: 10,
		CostLimitDaily:   1.00,
		Enabled:          true,
	}
	if mutate != nil {
		mutate(agent)
	}
	if err := store.CreateAgent(agent); err != nil {
		t.Fatal(err)
	}
}

func TestTrigger_Accepted(t *testing.T) {
	g, store := newTestGateway(t, true)
	createAgent(t, store, nil)

	exec, err := g.Trigger(context.Background(), "reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecRunning {
		t.Errorf("Status = %q, want running at acceptance", exec.Status)
	}
	if exec.Source != domain.SourceManual {
		t.Errorf("Source = %q, want manual", exec.Source)
	}
	g.Wait()
}

func TestTrigger_AlreadyRunning(t *testing.T) {
	g, store := newTestGateway(t, false) // runner leaves the record running
	createAgent(t, store, nil)

	if _, err := g.Trigger(context.Background(), "reddit_scraper"); err != nil {
		t.Fatal(err)
	}
	g.Wait()

	_, err := g.Trigger(context.Background(), "reddit_scraper")
	ae, ok := domain.AsAdmission(err)
	if !ok || ae.Reason != domain.ReasonAlreadyRunning {
		t.Errorf("second trigger err = %v, want already_running", err)
	}
}

func TestTrigger_DoesNotAdvanceScheduleClock(t *testing.T) {
	g, store := newTestGateway(t, true)
	next := time.Now().Add(3 * time.Hour)
	createAgent(t, store, nil)
	if err := store.SetRunTimes("reddit_scraper", &next, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Trigger(context.Background(), "reddit_scraper"); err != nil {
		t.Fatal(err)
	}
	g.Wait()

	agent, err := store.GetAgent("reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}
	if !agent.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want untouched %v (manual trigger is isolated from the cadence)", agent.NextRunAt, next)
	}
	if agent.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil (scheduler-owned)", agent.LastRunAt)
	}
}

func TestTrigger_ResetsClockWhenConfigured(t *testing.T) {
	g, store := newTestGateway(t, true)
	g.ResetsClock = true

	next := time.Now().Add(3 * time.Hour)
	createAgent(t, store, nil)
	if err := store.SetRunTimes("reddit_scraper", &next, nil); err != nil {
		t.Fatal(err)
	}

	exec, err := g.Trigger(context.Background(), "reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}
	g.Wait()

	agent, err := store.GetAgent("reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}
	want := exec.StartedAt.Add(6 * time.Hour)
	if agent.NextRunAt == nil || !agent.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", agent.NextRunAt, want)
	}
}

func TestAwait_TerminalRecord(t *testing.T) {
	g, store := newTestGateway(t, true)
	createAgent(t, store, nil)

	exec, err := g.Trigger(context.Background(), "reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := g.Await(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.ExecCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.CostUSD != 0.10 {
		t.Errorf("CostUSD = %v, want 0.10", rec.CostUSD)
	}
}

func TestAwait_PollBudgetExhausted(t *testing.T) {
	g, store := newTestGateway(t, false) // record never finalizes
	createAgent(t, store, nil)

	exec, err := g.Trigger(context.Background(), "reddit_scraper")
	if err != nil {
		t.Fatal(err)
	}
	g.Wait()

	rec, err := g.Await(context.Background(), exec.ID)
	if !errors.Is(err, ErrStillRunning) {
		t.Errorf("err = %v, want ErrStillRunning", err)
	}
	if rec == nil || rec.Status != domain.ExecRunning {
		t.Errorf("rec = %+v, want the still-running record", rec)
	}
}

func TestTrigger_RejectionCreatesNoRecord(t *testing.T) {
	g, store := newTestGateway(t, true)
	createAgent(t, store, func(a *domain.Agent) { a.Enabled = false })

	_, err := g.Trigger(context.Background(), "reddit_scraper")
	ae, ok := domain.AsAdmission(err)
	if !ok || ae.Reason != domain.ReasonDisabled {
		t.Fatalf("err = %v, want disabled", err)
	}

	_, total, err := store.ListExecutions(ledger.ListOptions{Agent: "reddit_scraper"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("executions = %d, want 0", total)
	}
}
