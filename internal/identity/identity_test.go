package identity

import (
	"context"
	"testing"
	"time"

	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
	"github.com/lucasnoah/gitswarm/internal/store/sqlite"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	d, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d.Store
}

func baseRepo() models.Repo {
	return models.Repo{
		ID: id.Generate(), Name: "r", MergeMode: models.MergeModeReview,
		OwnershipModel: models.OwnershipGuild, AgentAccess: models.AccessPublic,
		Stage: models.StageSeed, ConsensusAuthority: models.AuthorityLocal,
		BufferBranch: "buffer", PromoteTarget: "main",
	}
}

func TestResolvePermissionsPublicAccess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	if err := s.InsertRepo(ctx, repo); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	agent := models.Agent{ID: id.Generate(), Name: "a", Status: models.AgentActive}
	if err := s.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	svc := New(s)
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Level != models.LevelWrite || res.Source != "access_mode" {
		t.Errorf("got %+v, want write/access_mode", res)
	}
}

func TestResolvePermissionsOwnerOverridesAccessMode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	repo.AgentAccess = models.AccessAllowlist
	_ = s.InsertRepo(ctx, repo)
	agent := models.Agent{ID: id.Generate(), Name: "owner", Status: models.AgentActive}
	_ = s.InsertAgent(ctx, agent)
	if err := s.SetMaintainerRole(ctx, repo.ID, agent.ID, models.RoleOwner); err != nil {
		t.Fatalf("set role: %v", err)
	}

	svc := New(s)
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Level != models.LevelAdmin || res.Source != "maintainer" {
		t.Errorf("got %+v, want admin/maintainer", res)
	}
}

func TestResolvePermissionsExplicitGrantWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	repo.AgentAccess = models.AccessAllowlist
	_ = s.InsertRepo(ctx, repo)
	agent := models.Agent{ID: id.Generate(), Name: "a", Status: models.AgentActive}
	_ = s.InsertAgent(ctx, agent)
	if err := s.GrantPermission(ctx, repo.ID, agent.ID, models.LevelMaintain, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	svc := New(s)
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Level != models.LevelMaintain || res.Source != "grant" {
		t.Errorf("got %+v, want maintain/grant", res)
	}
}

func TestResolvePermissionsExpiredGrantIgnored(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	repo.AgentAccess = models.AccessAllowlist
	_ = s.InsertRepo(ctx, repo)
	agent := models.Agent{ID: id.Generate(), Name: "a", Status: models.AgentActive}
	_ = s.InsertAgent(ctx, agent)
	past := time.Now().Add(-time.Hour)
	_ = s.GrantPermission(ctx, repo.ID, agent.ID, models.LevelMaintain, &past)

	svc := New(s)
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Level != models.LevelNone {
		t.Errorf("expired grant should not apply, got %+v", res)
	}
}

func TestCanPerform(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	_ = s.InsertRepo(ctx, repo)
	agent := models.Agent{ID: id.Generate(), Name: "a", Status: models.AgentActive}
	_ = s.InsertAgent(ctx, agent)

	svc := New(s)
	allowed, _, err := svc.CanPerform(ctx, agent, repo, models.ActionMerge)
	if err != nil {
		t.Fatalf("can perform: %v", err)
	}
	if !allowed {
		t.Error("public-access agent with write level should be able to merge")
	}

	allowed, _, err = svc.CanPerform(ctx, agent, repo, models.ActionSettings)
	if err != nil {
		t.Fatalf("can perform: %v", err)
	}
	if allowed {
		t.Error("write-level agent should not be able to change settings")
	}
}

func TestMatchBranchRuleLongestLiteral(t *testing.T) {
	rules := []models.BranchRule{
		{BranchPattern: "*", DirectPush: models.DirectPushAll},
		{BranchPattern: "release/*", DirectPush: models.DirectPushMaintainers},
		{BranchPattern: "main", DirectPush: models.DirectPushNone},
	}
	if got := MatchBranchRule(rules, "main"); got == nil || got.BranchPattern != "main" {
		t.Errorf("expected exact 'main' match, got %+v", got)
	}
	if got := MatchBranchRule(rules, "release/1.0"); got == nil || got.BranchPattern != "release/*" {
		t.Errorf("expected 'release/*' match, got %+v", got)
	}
	if got := MatchBranchRule(rules, "feature/x"); got == nil || got.BranchPattern != "*" {
		t.Errorf("expected '*' fallback match, got %+v", got)
	}
}

func TestCanPushToBranchDirectPushNoneForcesReview(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo()
	_ = s.InsertRepo(ctx, repo)
	agent := models.Agent{ID: id.Generate(), Name: "a", Status: models.AgentActive}
	_ = s.InsertAgent(ctx, agent)
	_ = s.InsertBranchRule(ctx, models.BranchRule{RepoID: repo.ID, BranchPattern: "main", DirectPush: models.DirectPushNone})

	svc := New(s)
	canPush, err := svc.CanPushToBranch(ctx, agent, repo, "main")
	if err != nil {
		t.Fatalf("can push: %v", err)
	}
	if canPush {
		t.Error("direct_push=none must force stream review path")
	}
}

func TestKarmaWeight(t *testing.T) {
	if w := KarmaWeight(0); w != 1.0 {
		t.Errorf("KarmaWeight(0) = %v, want 1.0", w)
	}
	if w := KarmaWeight(3); w != 2.0 {
		t.Errorf("KarmaWeight(3) = %v, want 2.0", w)
	}
}
