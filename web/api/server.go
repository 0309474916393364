package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/stream"
)

// Store is the ledger surface the API reads and writes
type Store interface {
	ListAgents() ([]*domain.Agent, error)
	GetAgent(name string) (*domain.Agent, error)
	CreateAgent(a *domain.Agent) error
	UpdateAgent(a *domain.Agent) error
	DeleteAgent(name string) error
	SetEnabled(name string, enabled bool) error
	SetPaused(name string, paused bool) error
	LatestExecution(agent string) (*domain.Execution, error)
	LatestPerAgent() (map[string]*domain.Execution, error)
	ListExecutions(opts ledger.ListOptions) ([]*domain.Execution, int, error)
	GetExecution(id string) (*domain.Execution, error)
	CostReport(since, until time.Time) ([]ledger.CostRow, error)
	RollupSince(since time.Time) (ledger.Rollup, error)
}

// Triggerer starts manual runs and confirms their outcome
type Triggerer interface {
	Trigger(ctx context.Context, name string) (*domain.Execution, error)
	Await(ctx context.Context, execID string) (*domain.Execution, error)
}

// Server is the HTTP control-plane API
type Server struct {
	store       Store
	trigger     Triggerer
	broadcaster *stream.Broadcaster
	addr        string
	token       string
	mux         *http.ServeMux
	logger      *slog.Logger
}

// NewServer creates the API server. An empty operator token disables
// auth on mutating routes, for local development only.
func NewServer(store Store, trigger Triggerer, broadcaster *stream.Broadcaster, addr, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:       store,
		trigger:     trigger,
		broadcaster: broadcaster,
		addr:        addr,
		token:       token,
		mux:         http.NewServeMux(),
		logger:      logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/agents", s.agentsHandler())
	s.mux.HandleFunc("/api/agents/", s.agentHandler())
	s.mux.HandleFunc("/api/executions", s.listExecutionsHandler())
	s.mux.HandleFunc("/api/executions/", s.getExecutionHandler())
	s.mux.HandleFunc("/api/costs", s.costReportHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler exposes the route table, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the context is cancelled, then drains in-flight
// requests before returning
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requireOperator guards mutating routes behind the operator token
func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		writeError(w, http.StatusUnauthorized, "operator token required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps typed domain failures onto HTTP status codes.
// Budget rejections are 429 so clients can back off, the rest of the
// admission reasons are conflicts with current agent state.
func writeDomainError(w http.ResponseWriter, err error) {
	if ae, ok := domain.AsAdmission(err); ok {
		code := http.StatusConflict
		if ae.Reason == domain.ReasonRateLimited || ae.Reason == domain.ReasonCostCapped {
			code = http.StatusTooManyRequests
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  err.Error(),
			"reason": string(ae.Reason),
		})
		return
	}

	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAgentExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAgentReferenced):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
