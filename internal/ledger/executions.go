package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
)

const executionColumns = `id, agent_name, status, source, started_at, finished_at,
	items_processed, items_failed, duration_ms, tokens_used, cost_usd, error_message`

// InsertRunning conditionally creates a running execution record. The
// insert only succeeds when no running record exists for the agent,
// which makes it the serialization point that prevents a scheduler
// tick and a concurrent manual trigger from both admitting the same
// agent. Returns false without error when a running record was already
// present.
func (s *Store) InsertRunning(e *domain.Execution) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO executions (id, agent_name, status, source, started_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM executions WHERE agent_name = ? AND status = ?
		)
	`,
		e.ID, e.AgentName, string(domain.ExecRunning), e.Source, e.StartedAt.UTC(),
		e.AgentName, string(domain.ExecRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finalize transitions a running record to a terminal status. Records
// are immutable once terminal: the update is keyed on status=running
// and finalizing twice is an error.
func (s *Store) Finalize(e *domain.Execution) error {
	if !e.Terminal() {
		return fmt.Errorf("execution %s: finalize requires a terminal status, got %s", e.ID, e.Status)
	}
	res, err := s.db.Exec(`
		UPDATE executions SET
			status = ?, finished_at = ?, items_processed = ?, items_failed = ?,
			duration_ms = ?, tokens_used = ?, cost_usd = ?, error_message = ?
		WHERE id = ? AND status = ?
	`,
		string(e.Status), nullTime(e.FinishedAt), e.ItemsProcessed, e.ItemsFailed,
		e.Duration.Milliseconds(), e.TokensUsed, e.CostUSD, e.ErrorMessage,
		e.ID, string(domain.ExecRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %s: not running, refusing to finalize", e.ID)
	}
	return nil
}

// GetExecution retrieves a single execution record by id
func (s *Store) GetExecution(id string) (*domain.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrExecutionNotFound)
	}
	return e, err
}

// LatestExecution returns the most recent execution for an agent, or
// nil when the agent has never run
func (s *Store) LatestExecution(agent string) (*domain.Execution, error) {
	row := s.db.QueryRow(`
		SELECT `+executionColumns+` FROM executions
		WHERE agent_name = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, agent)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListOptions filters execution listings
type ListOptions struct {
	Agent  string
	Status domain.ExecStatus
	Limit  int
	Offset int
}

// ListExecutions returns records matching the options, newest first,
// along with the total count matching the filter.
func (s *Store) ListExecutions(opts ListOptions) ([]*domain.Execution, int, error) {
	where := " WHERE 1=1"
	var args []any
	if opts.Agent != "" {
		where += " AND agent_name = ?"
		args = append(args, opts.Agent)
	}
	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + executionColumns + " FROM executions" + where + " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		execs = append(execs, e)
	}
	return execs, total, rows.Err()
}

// LatestPerAgent returns the most recent execution for every agent in
// one aggregate query, keyed by agent name. This is the telemetry
// read path; it must stay a single round-trip rather than one query
// per agent.
func (s *Store) LatestPerAgent() (map[string]*domain.Execution, error) {
	rows, err := s.db.Query(`
		SELECT ` + executionColumns + ` FROM executions e
		WHERE e.id = (
			SELECT e2.id FROM executions e2
			WHERE e2.agent_name = e.agent_name
			ORDER BY e2.started_at DESC, e2.id DESC
			LIMIT 1
		)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]*domain.Execution)
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		latest[e.AgentName] = e
	}
	return latest, rows.Err()
}

// CountStartedSince returns the number of executions for an agent
// started strictly after the cutoff, regardless of outcome. Budget
// rate windows count admissions, not successes.
func (s *Store) CountStartedSince(agent string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions WHERE agent_name = ? AND started_at > ?
	`, agent, since.UTC()).Scan(&n)
	return n, err
}

// StartTimesSince returns the start times of an agent's executions
// begun strictly after the cutoff, oldest first. The budget tracker
// seeds its rolling-hour window from this.
func (s *Store) StartTimesSince(agent string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT started_at FROM executions
		WHERE agent_name = ? AND started_at > ?
		ORDER BY started_at
	`, agent, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		starts = append(starts, t)
	}
	return starts, rows.Err()
}

// SumCostSince returns the summed cost for an agent's executions
// started at or after the cutoff
func (s *Store) SumCostSince(agent string, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM executions WHERE agent_name = ? AND started_at >= ?
	`, agent, since.UTC()).Scan(&sum)
	return sum, err
}

// Rollup aggregates ledger activity over a window
type Rollup struct {
	Executions     int     `json:"executions"`
	ItemsProcessed int     `json:"items_processed"`
	ItemsFailed    int     `json:"items_failed"`
	TokensUsed     int     `json:"tokens_used"`
	CostUSD        float64 `json:"cost_usd"`
	Errors         int     `json:"errors"`
}

// RollupSince computes totals across all agents for executions started
// at or after the cutoff, in a single query
func (s *Store) RollupSince(since time.Time) (Rollup, error) {
	var r Rollup
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(items_processed), 0),
		       COALESCE(SUM(items_failed), 0),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM executions WHERE started_at >= ?
	`, string(domain.ExecFailed), since.UTC()).Scan(
		&r.Executions, &r.ItemsProcessed, &r.ItemsFailed, &r.TokensUsed, &r.CostUSD, &r.Errors,
	)
	return r, err
}

// CostRow is one agent's aggregate in a cost report
type CostRow struct {
	Agent      string  `json:"agent"`
	Executions int     `json:"executions"`
	Errors     int     `json:"errors"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// CostReport aggregates cost, tokens, execution and error counts per
// agent for executions started in [since, until)
func (s *Store) CostReport(since, until time.Time) ([]CostRow, error) {
	rows, err := s.db.Query(`
		SELECT agent_name, COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(tokens_used), 0), COALESCE(SUM(cost_usd), 0)
		FROM executions
		WHERE started_at >= ? AND started_at < ?
		GROUP BY agent_name
		ORDER BY SUM(cost_usd) DESC
	`, string(domain.ExecFailed), since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []CostRow
	for rows.Next() {
		var row CostRow
		if err := rows.Scan(&row.Agent, &row.Executions, &row.Errors, &row.TokensUsed, &row.CostUSD); err != nil {
			return nil, err
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

func scanExecution(scan func(dest ...any) error) (*domain.Execution, error) {
	var e domain.Execution
	var status string
	var source, errMsg sql.NullString
	var finished sql.NullTime
	var durationMS int64

	err := scan(
		&e.ID, &e.AgentName, &status, &source, &e.StartedAt, &finished,
		&e.ItemsProcessed, &e.ItemsFailed, &durationMS, &e.TokensUsed, &e.CostUSD, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	e.Status = domain.ExecStatus(status)
	e.Source = source.String
	e.ErrorMessage = errMsg.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return &e, nil
}
