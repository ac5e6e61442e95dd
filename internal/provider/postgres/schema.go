// Package postgres implements the Provider interface on Postgres via pgx.
package postgres

const schemaDDL = `
CREATE TABLE IF NOT EXISTS run_states (
    campaign_id      TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    run_id           TEXT NOT NULL DEFAULT '',
    triggered_at     TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    job_count        INTEGER,
    error_message    TEXT NOT NULL DEFAULT '',
    cooldown_until   TIMESTAMPTZ,
    forced           BOOLEAN NOT NULL DEFAULT FALSE,
    claim_expires_at TIMESTAMPTZ,
    version          INTEGER NOT NULL DEFAULT 0,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_run_states_status ON run_states (status);

CREATE TABLE IF NOT EXISTS run_locks (
    lock_key   TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
`
