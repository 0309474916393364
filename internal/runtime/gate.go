package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/google/uuid"
)

// Store is the ledger surface the gate needs
type Store interface {
	GetAgent(name string) (*domain.Agent, error)
	LatestExecution(agent string) (*domain.Execution, error)
	InsertRunning(e *domain.Execution) (bool, error)
}

// Budget evaluates the rate and cost windows for an agent
type Budget interface {
	Check(a *domain.Agent) error
	NoteAdmitted(agent string, startedAt time.Time)
}

// Gate is the single admission path for starting an execution. Both
// the scheduler tick and manual triggers go through Admit, which
// checks enabled, not-already-running and budget, then creates the
// running ledger record, all under a per-agent lock so two concurrent
// callers cannot both admit the same agent. Different agents never
// contend.
type Gate struct {
	store  Store
	budget Budget
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate creates the admission gate
func NewGate(store Store, budget Budget, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		budget: budget,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (g *Gate) lockFor(agent string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		g.locks[agent] = l
	}
	return l
}

// Admit runs the admission checks for an agent and, when they pass,
// creates the running execution record. On rejection no record is
// created and the error carries a typed reason. Pausing only blocks
// scheduler-initiated admissions; an operator trigger on a paused
// agent still runs.
func (g *Gate) Admit(ctx context.Context, name, source string) (*domain.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	agent, err := g.store.GetAgent(name)
	if err != nil {
		return nil, err
	}

	if !agent.Enabled {
		return nil, &domain.AdmissionError{Agent: name, Reason: domain.ReasonDisabled}
	}
	if agent.Paused && source == domain.SourceScheduler {
		return nil, &domain.AdmissionError{Agent: name, Reason: domain.ReasonPaused}
	}

	latest, err := g.store.LatestExecution(name)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == domain.ExecRunning {
		return nil, &domain.AdmissionError{Agent: name, Reason: domain.ReasonAlreadyRunning}
	}

	if err := g.budget.Check(agent); err != nil {
		return nil, err
	}

	exec := &domain.Execution{
		ID:        uuid.NewString(),
		AgentName: name,
		Status:    domain.ExecRunning,
		Source:    source,
		StartedAt: g.now().UTC(),
	}

	// The conditional insert is the backstop for anything that slipped
	// past the in-process lock, e.g. a running record left behind by a
	// crashed predecessor that has not been finalized yet.
	ok, err := g.store.InsertRunning(exec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.AdmissionError{Agent: name, Reason: domain.ReasonAlreadyRunning}
	}

	g.budget.NoteAdmitted(name, exec.StartedAt)
	g.logger.Info("execution admitted",
		"agent", name, "execution", exec.ID, "source", source)
	return exec, nil
}

// State derives the current runtime state for one agent
func (g *Gate) State(name string) (domain.State, error) {
	agent, err := g.store.GetAgent(name)
	if err != nil {
		return "", err
	}
	latest, err := g.store.LatestExecution(name)
	if err != nil {
		return "", err
	}
	return domain.DeriveState(agent, latest), nil
}
