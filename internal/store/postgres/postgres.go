// Package postgres is the networked, multi-writer server backend for the
// Store adapter. It uses pgx/v5's database/sql-compatible driver (pgx/v5/stdlib)
// so the shared query surface in internal/store works unmodified against
// either backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/lucasnoah/gitswarm/internal/store"
)

// DB wraps an open Postgres connection pool plus the shared Store query
// surface, with every logical table prefixed `gitswarm_`. The git mechanics
// provider owns its own `gc_`-prefixed tables; this prefix keeps the
// federation engine's tables disjoint from them in a shared server schema.
type DB struct {
	*store.Store
	pool *pgxpool.Pool
	conn *sql.DB
}

// Open connects to Postgres at dsn using a pgxpool, then exposes it through
// database/sql via pgx/v5/stdlib so the shared query surface can use
// ExecContext/QueryContext/QueryRowContext like the sqlite backend does.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn := stdlib.OpenDBFromPool(pool)

	return &DB{Store: store.New(conn, store.Postgres), pool: pool, conn: conn}, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	err := d.conn.Close()
	d.pool.Close()
	return err
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gitswarm_agents (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL UNIQUE,
    karma  INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('active','suspended'))
);

CREATE TABLE IF NOT EXISTS gitswarm_repos (
    id                        TEXT PRIMARY KEY,
    name                      TEXT NOT NULL,
    merge_mode                TEXT NOT NULL CHECK(merge_mode IN ('swarm','review','gated')),
    ownership_model           TEXT NOT NULL CHECK(ownership_model IN ('solo','guild','open')),
    consensus_threshold       DOUBLE PRECISION NOT NULL DEFAULT 0.66,
    min_reviews               INTEGER NOT NULL DEFAULT 1,
    human_review_weight       DOUBLE PRECISION NOT NULL DEFAULT 1.5,
    agent_access              TEXT NOT NULL CHECK(agent_access IN ('public','karma_threshold','allowlist')),
    min_karma                 INTEGER NOT NULL DEFAULT 0,
    buffer_branch             TEXT NOT NULL DEFAULT 'buffer',
    promote_target            TEXT NOT NULL DEFAULT 'main',
    auto_promote_on_green     BOOLEAN NOT NULL DEFAULT false,
    auto_revert_on_red        BOOLEAN NOT NULL DEFAULT true,
    stabilize_command         TEXT NOT NULL DEFAULT '',
    stage                     TEXT NOT NULL CHECK(stage IN ('seed','growth','established','mature')),
    consensus_authority       TEXT NOT NULL CHECK(consensus_authority IN ('local','server')) DEFAULT 'local',
    is_private                BOOLEAN NOT NULL DEFAULT false,
    plugins_enabled           BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS gitswarm_maintainers (
    repo_id  TEXT NOT NULL REFERENCES gitswarm_repos(id),
    agent_id TEXT NOT NULL REFERENCES gitswarm_agents(id),
    role     TEXT NOT NULL CHECK(role IN ('maintainer','owner')),
    PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS gitswarm_permission_grants (
    repo_id    TEXT NOT NULL REFERENCES gitswarm_repos(id),
    agent_id   TEXT NOT NULL REFERENCES gitswarm_agents(id),
    level      TEXT NOT NULL CHECK(level IN ('none','read','write','maintain','admin')),
    expires_at TIMESTAMPTZ,
    PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS gitswarm_streams (
    id               TEXT PRIMARY KEY,
    repo_id          TEXT NOT NULL REFERENCES gitswarm_repos(id),
    agent_id         TEXT NOT NULL REFERENCES gitswarm_agents(id),
    branch           TEXT NOT NULL,
    base_branch      TEXT NOT NULL,
    parent_stream_id TEXT REFERENCES gitswarm_streams(id),
    task_id          TEXT,
    status           TEXT NOT NULL CHECK(status IN ('active','in_review','merged','abandoned','conflicted')),
    review_status    TEXT NOT NULL CHECK(review_status IN ('pending','approved','changes_requested')),
    source           TEXT NOT NULL CHECK(source IN ('cli','api','external_pr')),
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (repo_id, branch)
);
CREATE INDEX IF NOT EXISTS idx_gitswarm_streams_repo_status ON gitswarm_streams(repo_id, status);

CREATE TABLE IF NOT EXISTS gitswarm_reviews (
    id          TEXT PRIMARY KEY,
    stream_id   TEXT NOT NULL REFERENCES gitswarm_streams(id),
    reviewer_id TEXT NOT NULL REFERENCES gitswarm_agents(id),
    verdict     TEXT NOT NULL CHECK(verdict IN ('approve','request_changes','comment')),
    is_human    BOOLEAN NOT NULL DEFAULT false,
    tested      BOOLEAN NOT NULL DEFAULT false,
    reviewed_at TIMESTAMPTZ NOT NULL,
    UNIQUE (stream_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS gitswarm_tasks (
    id          TEXT PRIMARY KEY,
    repo_id     TEXT NOT NULL REFERENCES gitswarm_repos(id),
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    priority    TEXT NOT NULL DEFAULT 'medium',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gitswarm_task_claims (
    id        TEXT PRIMARY KEY,
    task_id   TEXT NOT NULL REFERENCES gitswarm_tasks(id),
    agent_id  TEXT NOT NULL REFERENCES gitswarm_agents(id),
    stream_id TEXT REFERENCES gitswarm_streams(id),
    status    TEXT NOT NULL CHECK(status IN ('active','submitted','approved','rejected','abandoned'))
);

CREATE TABLE IF NOT EXISTS gitswarm_sync_events (
    seq        BIGSERIAL PRIMARY KEY,
    repo_id    TEXT NOT NULL REFERENCES gitswarm_repos(id),
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_gitswarm_sync_events_repo_seq ON gitswarm_sync_events(repo_id, seq);

CREATE TABLE IF NOT EXISTS gitswarm_stabilizations (
    id                 TEXT PRIMARY KEY,
    repo_id            TEXT NOT NULL REFERENCES gitswarm_repos(id),
    result             TEXT NOT NULL CHECK(result IN ('green','red','flaky','timeout')),
    buffer_commit      TEXT NOT NULL,
    tag                TEXT,
    breaking_stream_id TEXT REFERENCES gitswarm_streams(id),
    details            TEXT NOT NULL DEFAULT '',
    stabilized_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gitswarm_stabilizations_repo ON gitswarm_stabilizations(repo_id, stabilized_at DESC);

CREATE TABLE IF NOT EXISTS gitswarm_branch_rules (
    repo_id                      TEXT NOT NULL REFERENCES gitswarm_repos(id),
    branch_pattern               TEXT NOT NULL,
    direct_push                  TEXT NOT NULL CHECK(direct_push IN ('none','maintainers','all')),
    required_approvals           INTEGER NOT NULL DEFAULT 0,
    require_tests_pass           BOOLEAN NOT NULL DEFAULT false,
    consensus_threshold_override DOUBLE PRECISION,
    priority                     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (repo_id, branch_pattern)
);

CREATE TABLE IF NOT EXISTS gitswarm_merge_queue (
    enqueue_seq          BIGSERIAL PRIMARY KEY,
    repo_id              TEXT NOT NULL REFERENCES gitswarm_repos(id),
    stream_id            TEXT NOT NULL REFERENCES gitswarm_streams(id),
    priority_rank        INTEGER NOT NULL,
    consensus_timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gitswarm_merge_queue_order ON gitswarm_merge_queue(repo_id, priority_rank, consensus_timestamp, enqueue_seq);

CREATE TABLE IF NOT EXISTS gitswarm_conflicts (
    id        TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL REFERENCES gitswarm_streams(id),
    files     TEXT NOT NULL,
    src       TEXT NOT NULL,
    tgt       TEXT NOT NULL,
    status    TEXT NOT NULL CHECK(status IN ('pending','resolved'))
);
`

// Migrate applies the database schema within a single transaction, gated on
// schema_version the same way the sqlite backend is.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
