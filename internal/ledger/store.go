package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for agent definitions and
// the execution ledger. Both control-plane tables live in one database;
// runtime state is never stored, only derived.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Serialize access: sqlite allows one writer, and the admission
	// path relies on the conditional insert being atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const agentColumns = `name, provider, fallback_provider, model, temperature, max_tokens, prompt,
	schedule_type, interval_hours, cron_expr, rate_limit_per_hour, cost_limit_daily,
	enabled, paused, next_run_at, last_run_at, created_at, updated_at`

// CreateAgent inserts a new agent definition
func (s *Store) CreateAgent(a *domain.Agent) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.Name, a.Provider, a.FallbackProvider, a.Model, a.Temperature, a.MaxTokens, a.Prompt,
		string(a.Schedule.Type), a.Schedule.IntervalHours, a.Schedule.CronExpr,
		a.RateLimitPerHour, a.CostLimitDaily,
		a.Enabled, a.Paused, nullTime(a.NextRunAt), nullTime(a.LastRunAt),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("agent %s: %w", a.Name, domain.ErrAgentExists)
	}
	return err
}

// UpdateAgent replaces the mutable configuration of an existing agent
func (s *Store) UpdateAgent(a *domain.Agent) error {
	res, err := s.db.Exec(`
		UPDATE agents SET
			provider = ?, fallback_provider = ?, model = ?, temperature = ?, max_tokens = ?, prompt = ?,
			schedule_type = ?, interval_hours = ?, cron_expr = ?,
			rate_limit_per_hour = ?, cost_limit_daily = ?,
			enabled = ?, paused = ?, next_run_at = ?, updated_at = ?
		WHERE name = ?
	`,
		a.Provider, a.FallbackProvider, a.Model, a.Temperature, a.MaxTokens, a.Prompt,
		string(a.Schedule.Type), a.Schedule.IntervalHours, a.Schedule.CronExpr,
		a.RateLimitPerHour, a.CostLimitDaily,
		a.Enabled, a.Paused, nullTime(a.NextRunAt), time.Now().UTC(),
		a.Name,
	)
	if err != nil {
		return err
	}
	return requireRow(res, a.Name)
}

// GetAgent retrieves an agent definition by name
func (s *Store) GetAgent(name string) (*domain.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Agent: name}
	}
	return a, err
}

// ListAgents returns all agent definitions ordered by name
func (s *Store) ListAgents() ([]*domain.Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent definition. Deletion is restricted while
// execution records reference the agent; the ledger's history is never
// orphaned.
func (s *Store) DeleteAgent(name string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE agent_name = ?`, name).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("agent %s: %w", name, domain.ErrAgentReferenced)
	}

	res, err := s.db.Exec(`DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

// SetEnabled flips the enabled flag
func (s *Store) SetEnabled(name string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE agents SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

// SetPaused flips the paused flag. Pausing does not cancel an in-flight
// execution, it only stops the scheduler from admitting new ones.
func (s *Store) SetPaused(name string, paused bool) error {
	res, err := s.db.Exec(`UPDATE agents SET paused = ?, updated_at = ? WHERE name = ?`,
		paused, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

// SetRunTimes updates the scheduler clock fields for an agent
func (s *Store) SetRunTimes(name string, nextRunAt, lastRunAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE agents SET next_run_at = ?, last_run_at = ?, updated_at = ? WHERE name = ?`,
		nullTime(nextRunAt), nullTime(lastRunAt), time.Now().UTC(), name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Agent: name}
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanAgent(scan func(dest ...any) error) (*domain.Agent, error) {
	var a domain.Agent
	var schedType string
	var fallback, model, prompt, cronExpr sql.NullString
	var nextRun, lastRun sql.NullTime

	err := scan(
		&a.Name, &a.Provider, &fallback, &model, &a.Temperature, &a.MaxTokens, &prompt,
		&schedType, &a.Schedule.IntervalHours, &cronExpr,
		&a.RateLimitPerHour, &a.CostLimitDaily,
		&a.Enabled, &a.Paused, &nextRun, &lastRun, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Schedule.Type = domain.ScheduleType(schedType)
	a.FallbackProvider = fallback.String
	a.Model = model.String
	a.Prompt = prompt.String
	a.Schedule.CronExpr = cronExpr.String
	if nextRun.Valid {
		t := nextRun.Time
		a.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRunAt = &t
	}
	return &a, nil
}
