package ledger

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    name TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    fallback_provider TEXT,
    model TEXT,
    temperature REAL DEFAULT 0,
    max_tokens INTEGER DEFAULT 0,
    prompt TEXT,
    schedule_type TEXT NOT NULL DEFAULT 'manual',
    interval_hours INTEGER DEFAULT 0,
    cron_expr TEXT,
    rate_limit_per_hour INTEGER NOT NULL,
    cost_limit_daily REAL NOT NULL,
    enabled BOOLEAN DEFAULT TRUE,
    paused BOOLEAN DEFAULT FALSE,
    next_run_at TIMESTAMP,
    last_run_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    agent_name TEXT NOT NULL REFERENCES agents(name) ON DELETE RESTRICT,
    status TEXT NOT NULL,
    source TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    items_processed INTEGER DEFAULT 0,
    items_failed INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    tokens_used INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_name);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_agent_started ON executions(agent_name, started_at);
`
