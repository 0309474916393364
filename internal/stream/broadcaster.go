package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
)

// SnapshotSource is the read-only ledger surface the broadcaster
// queries once per tick. Reads are short-lived: nothing is held across
// the sleep between ticks.
type SnapshotSource interface {
	ListAgents() ([]*domain.Agent, error)
	LatestPerAgent() (map[string]*domain.Execution, error)
	RollupSince(since time.Time) (ledger.Rollup, error)
}

// AgentStatus is one agent's line in a telemetry snapshot
type AgentStatus struct {
	Name      string        `json:"name"`
	State     domain.State  `json:"state"`
	Enabled   bool          `json:"enabled"`
	Paused    bool          `json:"paused"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	LastCost  float64       `json:"last_cost_usd"`
	Duration  time.Duration `json:"last_duration_ns"`
}

// Snapshot is one periodic telemetry event pushed to all subscribers
type Snapshot struct {
	At     time.Time     `json:"at"`
	Agents []AgentStatus `json:"agents"`
	Today  ledger.Rollup `json:"today"`
}

// Subscriber is one dashboard's bounded live-telemetry channel
type Subscriber struct {
	events chan Snapshot
	b      *Broadcaster
	once   sync.Once
}

// Events returns the snapshot channel. It is closed when the
// subscriber is torn down.
func (s *Subscriber) Events() <-chan Snapshot {
	return s.events
}

// Close tears the subscription down and frees its slot immediately.
// Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.b.unsubscribe(s)
	})
}

// Broadcaster maintains the bounded set of live subscribers and pushes
// a periodic snapshot to each. The snapshot is assembled once per tick
// from batched queries and fanned out, so per-tick read cost does not
// grow with the number of connected dashboards. Subscriptions beyond
// the cap are rejected, never queued.
type Broadcaster struct {
	source SnapshotSource
	cap    int
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New creates a Broadcaster with the given subscriber cap and tick
func New(source SnapshotSource, cap int, tick time.Duration, logger *slog.Logger) *Broadcaster {
	if cap <= 0 {
		cap = 10
	}
	if tick <= 0 {
		tick = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		source: source,
		cap:    cap,
		tick:   tick,
		logger: logger,
		now:    time.Now,
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new telemetry channel, or returns a
// CapacityError when the cap is reached
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.cap {
		return nil, &domain.CapacityError{Cap: b.cap}
	}

	// One event of buffer: a subscriber that stalls skips snapshots
	// instead of blocking the fan-out.
	s := &Subscriber{events: make(chan Snapshot, 1), b: b}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Broadcaster) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.events)
	}
}

// Count returns the number of live subscribers
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run ticks until the context is cancelled, closing all subscribers on
// the way out
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick assembles one snapshot and fans it out. Exported for tests and
// for pushing an immediate snapshot to a fresh subscriber.
func (b *Broadcaster) Tick() {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	snap, err := b.snapshot()
	if err != nil {
		b.logger.Error("assembling telemetry snapshot", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.events <- snap:
		default:
			// Slow consumer: drop this snapshot, the next tick
			// delivers a fresher one anyway.
		}
	}
}

func (b *Broadcaster) snapshot() (Snapshot, error) {
	agents, err := b.source.ListAgents()
	if err != nil {
		return Snapshot{}, err
	}
	latest, err := b.source.LatestPerAgent()
	if err != nil {
		return Snapshot{}, err
	}

	now := b.now()
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	today, err := b.source.RollupSince(dayStart)
	if err != nil {
		return Snapshot{}, err
	}

	statuses := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		last := latest[a.Name]
		st := AgentStatus{
			Name:      a.Name,
			State:     domain.DeriveState(a, last),
			Enabled:   a.Enabled,
			Paused:    a.Paused,
			LastRunAt: a.LastRunAt,
			NextRunAt: a.NextRunAt,
		}
		if last != nil {
			st.LastError = last.ErrorMessage
			st.LastCost = last.CostUSD
			st.Duration = last.Duration
		}
		statuses = append(statuses, st)
	}

	return Snapshot{At: now, Agents: statuses, Today: today}, nil
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.events)
	}
}
