package budget

import (
	"sync"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
)

// Ledger is the slice of the execution store the tracker reads. The
// ledger stays authoritative: the tracker's counters are seeded from
// it and can be rebuilt from it at any time.
type Ledger interface {
	StartTimesSince(agent string, since time.Time) ([]time.Time, error)
	SumCostSince(agent string, since time.Time) (float64, error)
}

// window holds the incremental budget counters for one agent
type window struct {
	starts  []time.Time // admissions within the rolling hour
	day     time.Time   // midnight the cost sum belongs to
	costSum float64
	seen    time.Time
}

// Tracker evaluates the per-agent budget gates: the rolling-hour rate
// count and the daily cost sum. It keeps incremental per-agent
// counters so the admission path does not re-scan history on every
// scheduler tick; counters are lazily seeded from the ledger and
// re-seeded on day rollover or after Reconcile.
type Tracker struct {
	ledger Ledger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a Tracker backed by the given ledger
func New(ledger Ledger) *Tracker {
	return &Tracker{
		ledger:  ledger,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

const staleThreshold = 24 * time.Hour

// Check returns nil when the agent may run now, or an AdmissionError
// with reason rate_limited or cost_capped. The caller (the admission
// gate) serializes Check and NoteAdmitted per agent.
func (t *Tracker) Check(a *domain.Agent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, err := t.windowFor(a.Name, now)
	if err != nil {
		return err
	}

	if len(w.starts) >= a.RateLimitPerHour {
		return &domain.AdmissionError{Agent: a.Name, Reason: domain.ReasonRateLimited}
	}
	if w.costSum >= a.CostLimitDaily {
		return &domain.AdmissionError{Agent: a.Name, Reason: domain.ReasonCostCapped}
	}
	return nil
}

// NoteAdmitted records a new admission in the rolling window. Called
// after the ledger insert succeeded.
func (t *Tracker) NoteAdmitted(agent string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[agent]
	if !ok {
		// Not seeded yet; the next Check seeds from the ledger,
		// which already contains this admission.
		return
	}
	w.starts = append(w.starts, startedAt)
}

// NoteCost adds a finalized execution's cost to the daily sum. Called
// by the executor when it finalizes a record.
func (t *Tracker) NoteCost(agent string, startedAt time.Time, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[agent]
	if !ok {
		return
	}
	if startedAt.Before(w.day) {
		return // belongs to a previous day's budget
	}
	w.costSum += costUSD
}

// Reconcile drops the cached counters for an agent so the next Check
// re-seeds from the ledger
func (t *Tracker) Reconcile(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, agent)
}

// windowFor returns the agent's window, seeding or re-seeding it from
// the ledger as needed, and prunes entries that fell out of the hour.
// Caller holds t.mu.
func (t *Tracker) windowFor(agent string, now time.Time) (*window, error) {
	day := dayStart(now)
	hourAgo := now.Add(-time.Hour)

	w, ok := t.windows[agent]
	if !ok || !w.day.Equal(day) {
		starts, err := t.ledger.StartTimesSince(agent, hourAgo)
		if err != nil {
			return nil, err
		}
		costSum, err := t.ledger.SumCostSince(agent, day)
		if err != nil {
			return nil, err
		}
		w = &window{starts: starts, day: day, costSum: costSum}
		t.windows[agent] = w
	}

	// Slide the rate window forward.
	i := 0
	for i < len(w.starts) && !w.starts[i].After(hourAgo) {
		i++
	}
	w.starts = w.starts[i:]
	w.seen = now

	t.evictStale(now)
	return w, nil
}

// evictStale drops windows for agents not checked in a day, so deleted
// or long-disabled agents do not pin memory. Caller holds t.mu.
func (t *Tracker) evictStale(now time.Time) {
	for name, w := range t.windows {
		if !w.seen.IsZero() && now.Sub(w.seen) > staleThreshold {
			delete(t.windows, name)
		}
	}
}

func dayStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
