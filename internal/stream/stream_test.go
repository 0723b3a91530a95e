package stream

import (
	"context"
	"testing"

	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/identity"
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

func baseRepo(mode models.MergeMode) models.Repo {
	return models.Repo{
		ID: id.Generate(), Name: "r", MergeMode: mode, OwnershipModel: models.OwnershipGuild,
		ConsensusThreshold: 0.66, MinReviews: 1, HumanReviewWeight: 1.5, AgentAccess: models.AccessPublic,
		Stage: models.StageSeed, ConsensusAuthority: models.AuthorityLocal, BufferBranch: "buffer", PromoteTarget: "main",
	}
}

type fakeMechanics struct {
	streamID     string
	worktreePath string
	commitResult *gitmechanics.CommitResult
	diffErr      error
}

func (f *fakeMechanics) CreateStream(ctx context.Context, repoDir, base string, parent *string) (string, error) {
	return f.streamID, nil
}
func (f *fakeMechanics) CreateWorktree(ctx context.Context, repoDir, streamID, agentID string) (string, error) {
	return f.worktreePath, nil
}
func (f *fakeMechanics) Commit(ctx context.Context, worktreePath, message, agentID string) (*gitmechanics.CommitResult, error) {
	return f.commitResult, nil
}
func (f *fakeMechanics) MergeStream(ctx context.Context, repoDir, streamBranch, targetBranch string) (*gitmechanics.MergeResult, error) {
	return &gitmechanics.MergeResult{CommitHash: "merged"}, nil
}
func (f *fakeMechanics) CascadeRebase(ctx context.Context, repoDir string, streamBranches map[string]string, newParentBranch string) ([]gitmechanics.RebaseOutcome, error) {
	return nil, nil
}
func (f *fakeMechanics) RollbackToOperation(ctx context.Context, repoDir, opID string) (string, error) {
	return "", nil
}
func (f *fakeMechanics) OperationsSince(ctx context.Context, repoDir, tag string) ([]gitmechanics.Operation, error) {
	return nil, nil
}
func (f *fakeMechanics) Diff(ctx context.Context, repoDir, streamBranch, against string) (string, error) {
	return "", f.diffErr
}
func (f *fakeMechanics) ChangedFiles(ctx context.Context, repoDir, streamBranch string) ([]string, error) {
	return nil, nil
}

type fakeAutoMerge struct {
	calls int
	err   error
}

func (f *fakeAutoMerge) RequestAutoMerge(ctx context.Context, repo models.Repo, streamID string) error {
	f.calls++
	return f.err
}

func setupAgent(t *testing.T, s *store.Store) models.Agent {
	t.Helper()
	a := models.Agent{ID: id.Generate(), Name: id.Generate(), Status: models.AgentActive}
	if err := s.InsertAgent(context.Background(), a); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return a
}

func TestCreateWorkspace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	mech := &fakeMechanics{streamID: id.Generate(), worktreePath: "/wt/a"}
	svc := New(s, identity.New(s), mech, nil)

	st, wt, err := svc.CreateWorkspace(ctx, CreateWorkspaceInput{Agent: agent, Repo: repo, RepoDir: "/repo"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if st.Status != models.StreamActive {
		t.Errorf("status = %s, want active", st.Status)
	}
	if wt != "/wt/a" {
		t.Errorf("worktree = %s, want /wt/a", wt)
	}

	got, err := s.GetStream(ctx, st.ID)
	if err != nil || got == nil {
		t.Fatalf("stream not persisted: %v", err)
	}
}

func TestCreateWorkspaceForbiddenWithoutAccess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	repo.AgentAccess = models.AccessAllowlist
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	mech := &fakeMechanics{streamID: id.Generate(), worktreePath: "/wt/a"}
	svc := New(s, identity.New(s), mech, nil)

	_, _, err := svc.CreateWorkspace(ctx, CreateWorkspaceInput{Agent: agent, Repo: repo, RepoDir: "/repo"})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
}

func TestCommitSwarmModeTriggersAutoMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeSwarm)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamActive, ReviewStatus: models.ReviewPending, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	mech := &fakeMechanics{commitResult: &gitmechanics.CommitResult{CommitHash: "abc", ChangeID: "Ideadbeef"}}
	auto := &fakeAutoMerge{}
	svc := New(s, identity.New(s), mech, auto)

	_, err := svc.Commit(ctx, repo, streamID, "/wt/a", "msg", agent.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if auto.calls != 1 {
		t.Errorf("expected auto-merge handoff once, got %d calls", auto.calls)
	}
}

func TestCommitReviewModeDoesNotAutoMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamActive, ReviewStatus: models.ReviewPending, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	mech := &fakeMechanics{commitResult: &gitmechanics.CommitResult{CommitHash: "abc", ChangeID: "Ideadbeef"}}
	auto := &fakeAutoMerge{}
	svc := New(s, identity.New(s), mech, auto)

	_, err := svc.Commit(ctx, repo, streamID, "/wt/a", "msg", agent.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if auto.calls != 0 {
		t.Errorf("expected no auto-merge handoff in review mode, got %d calls", auto.calls)
	}
}

func TestCommitClearsConflictedBackToActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamConflicted, ReviewStatus: models.ReviewChangesRequested, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	mech := &fakeMechanics{commitResult: &gitmechanics.CommitResult{CommitHash: "abc", ChangeID: "Ideadbeef"}}
	svc := New(s, identity.New(s), mech, nil)

	if _, err := svc.Commit(ctx, repo, streamID, "/wt/a", "fix", agent.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := s.GetStream(ctx, streamID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.Status != models.StreamActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.ReviewStatus != models.ReviewPending {
		t.Errorf("review status = %s, want pending (reset on new commit)", got.ReviewStatus)
	}
}

func TestSubmitForReviewRequiresActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamInReview, ReviewStatus: models.ReviewPending, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	mech := &fakeMechanics{}
	svc := New(s, identity.New(s), mech, nil)
	if err := svc.SubmitForReview(ctx, "/repo", streamID); err == nil {
		t.Fatal("expected illegal_transition from in_review")
	}
}

func TestSubmitReviewApproveUpdatesReviewStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)
	reviewer := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamInReview, ReviewStatus: models.ReviewPending, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	svc := New(s, identity.New(s), &fakeMechanics{}, nil)
	if err := svc.SubmitReview(ctx, repo, streamID, reviewer.ID, models.VerdictApprove, false, true); err != nil {
		t.Fatalf("submit review: %v", err)
	}
	got, err := s.GetStream(ctx, streamID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got.ReviewStatus != models.ReviewApproved {
		t.Errorf("review status = %s, want approved", got.ReviewStatus)
	}
}

func TestAbandonIsTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := baseRepo(models.MergeModeReview)
	_ = s.InsertRepo(ctx, repo)
	agent := setupAgent(t, s)

	streamID := id.Generate()
	st := models.Stream{ID: streamID, RepoID: repo.ID, AgentID: agent.ID, Branch: "stream/" + streamID,
		BaseBranch: "buffer", Status: models.StreamActive, ReviewStatus: models.ReviewPending, Source: models.SourceCLI}
	if err := s.InsertStream(ctx, st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	svc := New(s, identity.New(s), &fakeMechanics{}, nil)
	if err := svc.Abandon(ctx, repo, streamID, "no longer needed"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := svc.Abandon(ctx, repo, streamID, "again"); err == nil {
		t.Fatal("expected illegal_transition on second abandon")
	}
}
