package postgres

import (
	"strings"
	"testing"
)

// Exercising Open/Migrate against a live Postgres instance requires network
// access this module's test suite doesn't assume (unlike the embedded
// sqlite backend, which runs entirely in-process against ":memory:"). These
// checks instead guard the one thing that's easy to regress silently: the
// schema must declare every table the shared store.queries.go surface
// expects, all consistently prefixed `gitswarm_`.

var expectedTables = []string{
	"gitswarm_agents", "gitswarm_repos", "gitswarm_maintainers", "gitswarm_permission_grants",
	"gitswarm_streams", "gitswarm_reviews", "gitswarm_tasks", "gitswarm_task_claims",
	"gitswarm_sync_events", "gitswarm_stabilizations", "gitswarm_branch_rules",
	"gitswarm_merge_queue", "gitswarm_conflicts",
}

func TestSchemaDeclaresExpectedTables(t *testing.T) {
	for _, table := range expectedTables {
		if !strings.Contains(schemaV1, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schemaV1 missing table %s", table)
		}
	}
}
