package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/notify"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/provider"
)

type memLedger struct {
	mu        sync.Mutex
	finalized []*domain.Execution
}

func (m *memLedger) Finalize(e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *e
	m.finalized = append(m.finalized, &copied)
	return nil
}

func (m *memLedger) last(t *testing.T) *domain.Execution {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finalized) == 0 {
		t.Fatal("nothing finalized")
	}
	return m.finalized[len(m.finalized)-1]
}

type costLog struct {
	mu    sync.Mutex
	costs []float64
}

func (c *costLog) NoteCost(agent string, startedAt time.Time, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costs = append(c.costs, costUSD)
}

func testAgent() *domain.Agent {
	return &domain.Agent{
		Name:             "reddit_scraper",
		Provider:         "primary",
		Model:            "claude-sonnet-4-20250514",
		Prompt:           "scan for launches",
		Schedule:         domain.ManualSchedule(),
		RateLimitPerHour: 10,
		CostLimitDaily:   1.00,
		Enabled:          true,
	}
}

func runningExec() *domain.Execution {
	return &domain.Execution{
		ID:        "e1",
		AgentName: "reddit_scraper",
		Status:    domain.ExecRunning,
		Source:    domain.SourceManual,
		StartedAt: time.Now().UTC().Add(-time.Second),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestExecutor records backoff delays instead of sleeping
func newTestExecutor(reg *provider.Registry, store Ledger, costs CostRecorder, notifier notify.Notifier) (*Executor, *[]time.Duration) {
	x := New(reg, store, costs, notifier, Policy{}, quietLogger())
	var delays []time.Duration
	x.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return x, &delays
}

func transient(msg string) error {
	return &provider.TransientError{Err: errors.New(msg)}
}

func TestRun_Success(t *testing.T) {
	reg := provider.NewRegistry(provider.NewScripted("primary", provider.Step{
		Result: &provider.Result{ItemsProcessed: 7, TokensUsed: 1500, CostUSD: 0.10},
	}))
	store := &memLedger{}
	costs := &costLog{}
	x, _ := newTestExecutor(reg, store, costs, nil)

	if err := x.Run(context.Background(), testAgent(), runningExec()); err != nil {
		t.Fatal(err)
	}

	got := store.last(t)
	if got.Status != domain.ExecCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ItemsProcessed != 7 || got.TokensUsed != 1500 || got.CostUSD != 0.10 {
		t.Errorf("usage = %d items / %d tokens / $%v, want 7/1500/$0.10",
			got.ItemsProcessed, got.TokensUsed, got.CostUSD)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt = nil")
	}
	if got.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", got.Duration)
	}
	if len(costs.costs) != 1 || costs.costs[0] != 0.10 {
		t.Errorf("recorded costs = %v, want [0.10]", costs.costs)
	}
}

func TestRun_BackoffDeterminism(t *testing.T) {
	// Fails transiently 3 times then succeeds: 4 attempts, delays 5s/10s/20s.
	stub := provider.NewScripted("primary",
		provider.Step{Err: transient("overloaded")},
		provider.Step{Err: transient("overloaded")},
		provider.Step{Err: transient("overloaded")},
		provider.Step{Result: &provider.Result{ItemsProcessed: 1, TokensUsed: 100, CostUSD: 0.01}},
	)
	store := &memLedger{}
	x, delays := newTestExecutor(provider.NewRegistry(stub), store, nil, nil)

	if err := x.Run(context.Background(), testAgent(), runningExec()); err != nil {
		t.Fatal(err)
	}

	if stub.Calls() != 4 {
		t.Errorf("provider calls = %d, want 4", stub.Calls())
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
	if store.last(t).Status != domain.ExecCompleted {
		t.Errorf("Status = %q, want completed", store.last(t).Status)
	}
}

func TestRun_ExhaustionFails(t *testing.T) {
	stub := provider.NewScripted("primary", provider.Step{Err: transient("overloaded")})
	store := &memLedger{}
	x, delays := newTestExecutor(provider.NewRegistry(stub), store, nil, nil)

	err := x.Run(context.Background(), testAgent(), runningExec())
	if err == nil {
		t.Fatal("Run() = nil, want error after exhaustion")
	}

	if stub.Calls() != 4 {
		t.Errorf("provider calls = %d, want 4", stub.Calls())
	}
	if len(*delays) != 3 {
		t.Errorf("backoff count = %d, want 3", len(*delays))
	}
	got := store.last(t)
	if got.Status != domain.ExecFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "overloaded") {
		t.Errorf("ErrorMessage = %q, want provider failure recorded", got.ErrorMessage)
	}
}

func TestRun_FallbackAfterPrimaryExhausted(t *testing.T) {
	primary := provider.NewScripted("primary", provider.Step{Err: transient("overloaded")})
	fallback := provider.NewScripted("backup", provider.Step{
		Result: &provider.Result{ItemsProcessed: 3, TokensUsed: 800, CostUSD: 0.05},
	})
	store := &memLedger{}
	x, _ := newTestExecutor(provider.NewRegistry(primary, fallback), store, nil, nil)

	agent := testAgent()
	agent.FallbackProvider = "backup"

	if err := x.Run(context.Background(), agent, runningExec()); err != nil {
		t.Fatal(err)
	}

	if primary.Calls() != 4 {
		t.Errorf("primary calls = %d, want 4", primary.Calls())
	}
	if fallback.Calls() != 1 {
		t.Errorf("fallback calls = %d, want exactly 1", fallback.Calls())
	}
	if store.last(t).Status != domain.ExecCompleted {
		t.Errorf("Status = %q, want completed via fallback", store.last(t).Status)
	}
}

func TestRun_FatalNoRetry(t *testing.T) {
	stub := provider.NewScripted("primary", provider.Step{
		Err: &provider.FatalError{Err: errors.New("invalid api key")},
	})
	store := &memLedger{}
	x, delays := newTestExecutor(provider.NewRegistry(stub), store, nil, nil)

	agent := testAgent()
	agent.FallbackProvider = "backup" // must not be consulted on fatal errors

	err := x.Run(context.Background(), agent, runningExec())
	if err == nil {
		t.Fatal("Run() = nil, want fatal error")
	}

	if stub.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (no retries on fatal)", stub.Calls())
	}
	if len(*delays) != 0 {
		t.Errorf("backoff delays = %v, want none", *delays)
	}
	got := store.last(t)
	if got.Status != domain.ExecFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "invalid api key") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestRun_Timeout(t *testing.T) {
	// The provider blocks until the execution deadline fires.
	slow := blockingProvider{name: "primary"}
	store := &memLedger{}
	x := New(provider.NewRegistry(slow), store, nil, nil,
		Policy{Timeout: 50 * time.Millisecond}, quietLogger())

	err := x.Run(context.Background(), testAgent(), runningExec())
	if err == nil {
		t.Fatal("Run() = nil, want timeout error")
	}

	got := store.last(t)
	if got.Status != domain.ExecFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want timeout-specific message", got.ErrorMessage)
	}
}

type blockingProvider struct{ name string }

func (b blockingProvider) Name() string { return b.name }
func (b blockingProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_TruncatesErrorMessage(t *testing.T) {
	long := strings.Repeat("x", 2000)
	stub := provider.NewScripted("primary", provider.Step{
		Err: &provider.FatalError{Err: errors.New(long)},
	})
	store := &memLedger{}
	x, _ := newTestExecutor(provider.NewRegistry(stub), store, nil, nil)

	x.Run(context.Background(), testAgent(), runningExec())

	got := store.last(t)
	if len(got.ErrorMessage) > 500 {
		t.Errorf("ErrorMessage length = %d, want <= 500", len(got.ErrorMessage))
	}
}

func TestTruncate_TinyLimits(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"overloaded", 1, "o"},
		{"overloaded", 3, "ove"},
		{"overloaded", 4, "o..."},
		{"overloaded", 10, "overloaded"},
		{"overloaded again", 10, "overloa..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Send(n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func TestRun_NotifiesOnFailure(t *testing.T) {
	stub := provider.NewScripted("primary", provider.Step{
		Err: &provider.FatalError{Err: errors.New("bad request")},
	})
	notifier := &captureNotifier{}
	x, _ := newTestExecutor(provider.NewRegistry(stub), &memLedger{}, nil, notifier)

	x.Run(context.Background(), testAgent(), runningExec())

	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	if notifier.sent[0].Type != notify.NotifyError {
		t.Errorf("notification type = %v, want error", notifier.sent[0].Type)
	}
	if notifier.sent[0].AgentName != "reddit_scraper" {
		t.Errorf("AgentName = %q", notifier.sent[0].AgentName)
	}
}

func TestRun_NoNotificationOnSuccess(t *testing.T) {
	stub := provider.NewScripted("primary", provider.Step{
		Result: &provider.Result{ItemsProcessed: 1},
	})
	notifier := &captureNotifier{}
	x, _ := newTestExecutor(provider.NewRegistry(stub), &memLedger{}, nil, notifier)

	if err := x.Run(context.Background(), testAgent(), runningExec()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
}
