// Package sqlite is the embedded, single-writer local backend for the Store
// adapter: one federation.db per repo under .gitswarm/.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/gitswarm/internal/store"
)

// DB wraps an open SQLite connection plus the shared Store query surface.
type DB struct {
	*store.Store
	conn *sql.DB
	path string
}

// DefaultPath returns the federation.db path for a repo dir.
func DefaultPath(repoDir string) string {
	return filepath.Join(repoDir, ".gitswarm", "federation.db")
}

// Open opens or creates the database at path, running in single-writer mode
// the way the embedded backend's serialized-transaction requirement (spec
// §5) demands: one connection, WAL journaling, foreign keys enforced.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{Store: store.New(conn, store.SQLite), conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS agents (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL UNIQUE,
    karma  INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('active','suspended'))
);

CREATE TABLE IF NOT EXISTS repos (
    id                        TEXT PRIMARY KEY,
    name                      TEXT NOT NULL,
    merge_mode                TEXT NOT NULL CHECK(merge_mode IN ('swarm','review','gated')),
    ownership_model           TEXT NOT NULL CHECK(ownership_model IN ('solo','guild','open')),
    consensus_threshold       REAL NOT NULL DEFAULT 0.66,
    min_reviews               INTEGER NOT NULL DEFAULT 1,
    human_review_weight       REAL NOT NULL DEFAULT 1.5,
    agent_access              TEXT NOT NULL CHECK(agent_access IN ('public','karma_threshold','allowlist')),
    min_karma                 INTEGER NOT NULL DEFAULT 0,
    buffer_branch             TEXT NOT NULL DEFAULT 'buffer',
    promote_target            TEXT NOT NULL DEFAULT 'main',
    auto_promote_on_green     BOOLEAN NOT NULL DEFAULT 0,
    auto_revert_on_red        BOOLEAN NOT NULL DEFAULT 1,
    stabilize_command         TEXT NOT NULL DEFAULT '',
    stage                     TEXT NOT NULL CHECK(stage IN ('seed','growth','established','mature')),
    consensus_authority       TEXT NOT NULL CHECK(consensus_authority IN ('local','server')) DEFAULT 'local',
    is_private                BOOLEAN NOT NULL DEFAULT 0,
    plugins_enabled           BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintainers (
    repo_id  TEXT NOT NULL REFERENCES repos(id),
    agent_id TEXT NOT NULL REFERENCES agents(id),
    role     TEXT NOT NULL CHECK(role IN ('maintainer','owner')),
    PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS permission_grants (
    repo_id    TEXT NOT NULL REFERENCES repos(id),
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    level      TEXT NOT NULL CHECK(level IN ('none','read','write','maintain','admin')),
    expires_at TEXT,
    PRIMARY KEY (repo_id, agent_id)
);

CREATE TABLE IF NOT EXISTS streams (
    id               TEXT PRIMARY KEY,
    repo_id          TEXT NOT NULL REFERENCES repos(id),
    agent_id         TEXT NOT NULL REFERENCES agents(id),
    branch           TEXT NOT NULL,
    base_branch      TEXT NOT NULL,
    parent_stream_id TEXT REFERENCES streams(id),
    task_id          TEXT,
    status           TEXT NOT NULL CHECK(status IN ('active','in_review','merged','abandoned','conflicted')),
    review_status    TEXT NOT NULL CHECK(review_status IN ('pending','approved','changes_requested')),
    source           TEXT NOT NULL CHECK(source IN ('cli','api','external_pr')),
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (repo_id, branch)
);
CREATE INDEX IF NOT EXISTS idx_streams_repo_status ON streams(repo_id, status);

CREATE TABLE IF NOT EXISTS reviews (
    id          TEXT PRIMARY KEY,
    stream_id   TEXT NOT NULL REFERENCES streams(id),
    reviewer_id TEXT NOT NULL REFERENCES agents(id),
    verdict     TEXT NOT NULL CHECK(verdict IN ('approve','request_changes','comment')),
    is_human    BOOLEAN NOT NULL DEFAULT 0,
    tested      BOOLEAN NOT NULL DEFAULT 0,
    reviewed_at TEXT NOT NULL,
    UNIQUE (stream_id, reviewer_id)
);

CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    repo_id     TEXT NOT NULL REFERENCES repos(id),
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    priority    TEXT NOT NULL DEFAULT 'medium',
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_claims (
    id        TEXT PRIMARY KEY,
    task_id   TEXT NOT NULL REFERENCES tasks(id),
    agent_id  TEXT NOT NULL REFERENCES agents(id),
    stream_id TEXT REFERENCES streams(id),
    status    TEXT NOT NULL CHECK(status IN ('active','submitted','approved','rejected','abandoned'))
);

CREATE TABLE IF NOT EXISTS sync_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id    TEXT NOT NULL REFERENCES repos(id),
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_events_repo_seq ON sync_events(repo_id, seq);

CREATE TABLE IF NOT EXISTS stabilizations (
    id                 TEXT PRIMARY KEY,
    repo_id            TEXT NOT NULL REFERENCES repos(id),
    result             TEXT NOT NULL CHECK(result IN ('green','red','flaky','timeout')),
    buffer_commit      TEXT NOT NULL,
    tag                TEXT,
    breaking_stream_id TEXT REFERENCES streams(id),
    details            TEXT NOT NULL DEFAULT '',
    stabilized_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stabilizations_repo ON stabilizations(repo_id, stabilized_at DESC);

CREATE TABLE IF NOT EXISTS branch_rules (
    repo_id                      TEXT NOT NULL REFERENCES repos(id),
    branch_pattern               TEXT NOT NULL,
    direct_push                  TEXT NOT NULL CHECK(direct_push IN ('none','maintainers','all')),
    required_approvals           INTEGER NOT NULL DEFAULT 0,
    require_tests_pass           BOOLEAN NOT NULL DEFAULT 0,
    consensus_threshold_override REAL,
    priority                     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (repo_id, branch_pattern)
);

CREATE TABLE IF NOT EXISTS merge_queue (
    enqueue_seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id              TEXT NOT NULL REFERENCES repos(id),
    stream_id            TEXT NOT NULL REFERENCES streams(id),
    priority_rank        INTEGER NOT NULL,
    consensus_timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merge_queue_order ON merge_queue(repo_id, priority_rank, consensus_timestamp, enqueue_seq);

CREATE TABLE IF NOT EXISTS conflicts (
    id        TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL REFERENCES streams(id),
    files     TEXT NOT NULL,
    src       TEXT NOT NULL,
    tgt       TEXT NOT NULL,
    status    TEXT NOT NULL CHECK(status IN ('pending','resolved'))
);
`

// Migrate applies the database schema using a schema_version-gated
// single-transaction migration.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops every federation table and re-applies the schema. Used by
// tests.
func (d *DB) Reset() error {
	tables := []string{
		"conflicts", "merge_queue", "branch_rules", "stabilizations", "sync_events",
		"task_claims", "tasks", "reviews", "streams", "permission_grants",
		"maintainers", "repos", "agents", "schema_version",
	}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
