package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/trigger"
)

// AgentRequest is the create/update payload for an agent definition
type AgentRequest struct {
	Name             string  `json:"name"`
	Provider         string  `json:"provider"`
	FallbackProvider string  `json:"fallback_provider,omitempty"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	Prompt           string  `json:"prompt"`
	ScheduleType     string  `json:"schedule_type"`
	IntervalHours    int     `json:"interval_hours,omitempty"`
	CronExpr         string  `json:"cron_expr,omitempty"`
	RateLimitPerHour int     `json:"rate_limit_per_hour"`
	CostLimitDaily   float64 `json:"cost_limit_daily"`
	Enabled          *bool   `json:"enabled,omitempty"`
}

// AgentResponse is the API view of an agent, including derived state
type AgentResponse struct {
	Name             string     `json:"name"`
	Provider         string     `json:"provider"`
	FallbackProvider string     `json:"fallback_provider,omitempty"`
	Model            string     `json:"model"`
	Temperature      float64    `json:"temperature"`
	MaxTokens        int        `json:"max_tokens"`
	ScheduleType     string     `json:"schedule_type"`
	IntervalHours    int        `json:"interval_hours,omitempty"`
	CronExpr         string     `json:"cron_expr,omitempty"`
	RateLimitPerHour int        `json:"rate_limit_per_hour"`
	CostLimitDaily   float64    `json:"cost_limit_daily"`
	Enabled          bool       `json:"enabled"`
	Paused           bool       `json:"paused"`
	State            string     `json:"state"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// ExecutionResponse is the API view of one execution record
type ExecutionResponse struct {
	ID             string     `json:"id"`
	Agent          string     `json:"agent"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	DurationMS     int64      `json:"duration_ms"`
	TokensUsed     int        `json:"tokens_used"`
	CostUSD        float64    `json:"cost_usd"`
	Error          string     `json:"error,omitempty"`
}

// ExecutionPage is a paged executions listing
type ExecutionPage struct {
	Executions []ExecutionResponse `json:"executions"`
	Total      int                 `json:"total"`
}

// StatusResponse summarizes the whole control plane
type StatusResponse struct {
	Agents  int            `json:"agents"`
	ByState map[string]int `json:"by_state"`
	Today   ledger.Rollup  `json:"today"`
	Streams int            `json:"telemetry_subscribers"`
}

func (r *AgentRequest) toDomain() *domain.Agent {
	a := &domain.Agent{
		Name:             r.Name,
		Provider:         r.Provider,
		FallbackProvider: r.FallbackProvider,
		Model:            r.Model,
		Temperature:      r.Temperature,
		MaxTokens:        r.MaxTokens,
		Prompt:           r.Prompt,
		Schedule: domain.Schedule{
			Type:          domain.ScheduleType(r.ScheduleType),
			IntervalHours: r.IntervalHours,
			CronExpr:      r.CronExpr,
		},
		RateLimitPerHour: r.RateLimitPerHour,
		CostLimitDaily:   r.CostLimitDaily,
		Enabled:          true,
	}
	if r.Enabled != nil {
		a.Enabled = *r.Enabled
	}
	return a
}

func agentToResponse(a *domain.Agent, last *domain.Execution) AgentResponse {
	resp := AgentResponse{
		Name:             a.Name,
		Provider:         a.Provider,
		FallbackProvider: a.FallbackProvider,
		Model:            a.Model,
		Temperature:      a.Temperature,
		MaxTokens:        a.MaxTokens,
		ScheduleType:     string(a.Schedule.Type),
		IntervalHours:    a.Schedule.IntervalHours,
		CronExpr:         a.Schedule.CronExpr,
		RateLimitPerHour: a.RateLimitPerHour,
		CostLimitDaily:   a.CostLimitDaily,
		Enabled:          a.Enabled,
		Paused:           a.Paused,
		State:            string(domain.DeriveState(a, last)),
		NextRunAt:        a.NextRunAt,
		LastRunAt:        a.LastRunAt,
	}
	if last != nil && last.Status == domain.ExecFailed {
		resp.LastError = last.ErrorMessage
	}
	return resp
}

func executionToResponse(e *domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		Agent:          e.AgentName,
		Status:         string(e.Status),
		Source:         e.Source,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		ItemsProcessed: e.ItemsProcessed,
		ItemsFailed:    e.ItemsFailed,
		DurationMS:     e.Duration.Milliseconds(),
		TokensUsed:     e.TokensUsed,
		CostUSD:        e.CostUSD,
		Error:          e.ErrorMessage,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		agents, err := s.store.ListAgents()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		latest, err := s.store.LatestPerAgent()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		today, err := s.store.RollupSince(dayStart(time.Now()))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Agents:  len(agents),
			ByState: make(map[string]int),
			Today:   today,
		}
		for _, a := range agents {
			st := domain.DeriveState(a, latest[a.Name])
			status.ByState[string(st)]++
		}
		if s.broadcaster != nil {
			status.Streams = s.broadcaster.Count()
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) agentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listAgents(w, r)
		case http.MethodPost:
			if !s.requireOperator(w, r) {
				return
			}
			s.createAgent(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	latest, err := s.store.LatestPerAgent()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]AgentResponse, len(agents))
	for i, a := range agents {
		responses[i] = agentToResponse(a, latest[a.Name])
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	agent := req.toDomain()
	if err := agent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateAgent(agent); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("agent created", "agent", agent.Name, "schedule", agent.Schedule.Type)
	writeJSON(w, http.StatusCreated, agentToResponse(agent, nil))
}

// agentHandler routes /api/agents/{name} and /api/agents/{name}/{action}
func (s *Server) agentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
		name, action, _ := strings.Cut(path, "/")
		if name == "" {
			writeError(w, http.StatusBadRequest, "agent name required")
			return
		}

		switch action {
		case "":
			switch r.Method {
			case http.MethodGet:
				s.getAgent(w, r, name)
			case http.MethodPut:
				if !s.requireOperator(w, r) {
					return
				}
				s.updateAgent(w, r, name)
			case http.MethodDelete:
				if !s.requireOperator(w, r) {
					return
				}
				s.deleteAgent(w, r, name)
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case "enable", "disable", "pause", "resume":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if !s.requireOperator(w, r) {
				return
			}
			s.setAgentFlag(w, r, name, action)
		case "trigger":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if !s.requireOperator(w, r) {
				return
			}
			s.triggerAgent(w, r, name)
		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
		}
	}
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request, name string) {
	agent, err := s.store.GetAgent(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	last, err := s.store.LatestExecution(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(agent, last))
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request, name string) {
	current, err := s.store.GetAgent(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	agent := req.toDomain()
	agent.Name = name
	agent.Paused = current.Paused
	if req.Enabled == nil {
		agent.Enabled = current.Enabled
	}
	if err := agent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateAgent(agent); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("agent updated", "agent", name)
	s.getAgent(w, r, name)
}

func (s *Server) deleteAgent(w http.ResponseWriter, _ *http.Request, name string) {
	if err := s.store.DeleteAgent(name); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("agent deleted", "agent", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) setAgentFlag(w http.ResponseWriter, _ *http.Request, name, action string) {
	var err error
	switch action {
	case "enable":
		err = s.store.SetEnabled(name, true)
	case "disable":
		err = s.store.SetEnabled(name, false)
	case "pause":
		err = s.store.SetPaused(name, true)
	case "resume":
		err = s.store.SetPaused(name, false)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("agent flag changed", "agent", name, "action", action)
	writeJSON(w, http.StatusOK, map[string]string{"status": action + "d"})
}

// triggerAgent starts a manual run. With ?wait=true it polls for the
// outcome and returns the terminal record, or 202 with the running
// record when the poll budget runs out first.
func (s *Server) triggerAgent(w http.ResponseWriter, r *http.Request, name string) {
	exec, err := s.trigger.Trigger(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, executionToResponse(exec))
		return
	}

	final, err := s.trigger.Await(r.Context(), exec.ID)
	switch {
	case errors.Is(err, trigger.ErrStillRunning):
		writeJSON(w, http.StatusAccepted, executionToResponse(final))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, executionToResponse(final))
	}
}

func (s *Server) listExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		opts := ledger.ListOptions{
			Agent:  q.Get("agent"),
			Status: domain.ExecStatus(q.Get("status")),
			Limit:  50,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid offset")
				return
			}
			opts.Offset = n
		}

		execs, total, err := s.store.ListExecutions(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		page := ExecutionPage{
			Executions: make([]ExecutionResponse, len(execs)),
			Total:      total,
		}
		for i, e := range execs {
			page.Executions[i] = executionToResponse(e)
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) getExecutionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/executions/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "execution id required")
			return
		}

		exec, err := s.store.GetExecution(id)
		if errors.Is(err, domain.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, executionToResponse(exec))
	}
}

// costReportHandler aggregates per-agent spend for a period. Accepts
// period=today|week|month, defaulting to today.
func (s *Server) costReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		now := time.Now()
		since := dayStart(now)
		period := r.URL.Query().Get("period")
		switch period {
		case "", "today":
			period = "today"
		case "week":
			since = dayStart(now).AddDate(0, 0, -6)
		case "month":
			since = dayStart(now).AddDate(0, -1, 0)
		default:
			writeError(w, http.StatusBadRequest, "invalid period "+period)
			return
		}

		rows, err := s.store.CostReport(since, now)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var total float64
		for _, row := range rows {
			total += row.CostUSD
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period":    period,
			"since":     since,
			"agents":    rows,
			"total_usd": total,
		})
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
