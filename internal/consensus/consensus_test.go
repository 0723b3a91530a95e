package consensus

import (
	"context"
	"errors"
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

func mkRepo(model models.OwnershipModel, threshold float64, minReviews int) models.Repo {
	return models.Repo{
		ID: id.Generate(), Name: "r", MergeMode: models.MergeModeReview,
		OwnershipModel: model, ConsensusThreshold: threshold, MinReviews: minReviews,
		HumanReviewWeight: 1.5, AgentAccess: models.AccessPublic, Stage: models.StageSeed,
		ConsensusAuthority: models.AuthorityLocal, BufferBranch: "buffer", PromoteTarget: "main",
	}
}

func mkAgent(t *testing.T, s *store.Store, karma int) models.Agent {
	t.Helper()
	a := models.Agent{ID: id.Generate(), Name: id.Generate(), Karma: karma, Status: models.AgentActive}
	if err := s.InsertAgent(context.Background(), a); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return a
}

func mkStream(t *testing.T, s *store.Store, repo models.Repo, author models.Agent) models.Stream {
	t.Helper()
	st := models.Stream{ID: id.Generate(), RepoID: repo.ID, AgentID: author.ID, Branch: "s", BaseBranch: "buffer",
		Status: models.StreamInReview, ReviewStatus: models.ReviewPending, Source: models.SourceCLI, CreatedAt: time.Now().UTC()}
	if err := s.InsertStream(context.Background(), st); err != nil {
		t.Fatalf("insert stream: %v", err)
	}
	return st
}

func review(streamID, reviewerID string, verdict models.ReviewVerdict, isHuman bool) models.Review {
	return models.Review{ID: id.Generate(), StreamID: streamID, ReviewerID: reviewerID, Verdict: verdict,
		IsHuman: isHuman, ReviewedAt: time.Now().UTC()}
}

func TestSoloConsensusReachedOnOwnerApprove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipSolo, 0.66, 1)
	_ = s.InsertRepo(ctx, repo)
	owner := mkAgent(t, s, 0)
	_ = s.SetMaintainerRole(ctx, repo.ID, owner.ID, models.RoleOwner)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)
	_ = s.UpsertReview(ctx, review(st.ID, owner.ID, models.VerdictApprove, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if !res.Reached || res.Reason != models.ReasonConsensusReached {
		t.Errorf("got %+v, want reached/consensus_reached", res)
	}
}

func TestSoloConsensusOwnerRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipSolo, 0.66, 1)
	_ = s.InsertRepo(ctx, repo)
	owner := mkAgent(t, s, 0)
	_ = s.SetMaintainerRole(ctx, repo.ID, owner.ID, models.RoleOwner)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)
	_ = s.UpsertReview(ctx, review(st.ID, owner.ID, models.VerdictRequestChanges, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if res.Reached || res.Reason != models.ReasonOwnerRejected {
		t.Errorf("got %+v, want not reached/owner_rejected", res)
	}
}

func TestGuildConsensusSingleMaintainerApproval(t *testing.T) {
	// guild, threshold 0.66, min_reviews 1, one maintainer approves.
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipGuild, 0.66, 1)
	_ = s.InsertRepo(ctx, repo)
	m1 := mkAgent(t, s, 0)
	_ = s.SetMaintainerRole(ctx, repo.ID, m1.ID, models.RoleMaintainer)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)
	_ = s.UpsertReview(ctx, review(st.ID, m1.ID, models.VerdictApprove, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if !res.Reached || res.Reason != models.ReasonConsensusReached || res.Ratio == nil || *res.Ratio != 1.0 {
		t.Errorf("got %+v, want reached ratio 1.0", res)
	}
}

func TestGuildConsensusIgnoresNonMaintainers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipGuild, 0.66, 1)
	_ = s.InsertRepo(ctx, repo)
	nonMaintainer := mkAgent(t, s, 100)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)
	_ = s.UpsertReview(ctx, review(st.ID, nonMaintainer.ID, models.VerdictApprove, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if res.Reached || res.Reason != models.ReasonNoMaintainerReviews {
		t.Errorf("got %+v, want no_maintainer_reviews", res)
	}
}

func TestOpenConsensusKarmaWeighted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipOpen, 0.6, 2)
	_ = s.InsertRepo(ctx, repo)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)

	highKarma := mkAgent(t, s, 8) // weight sqrt(9)=3
	lowKarma := mkAgent(t, s, 0)  // weight sqrt(1)=1
	_ = s.UpsertReview(ctx, review(st.ID, highKarma.ID, models.VerdictApprove, false))
	_ = s.UpsertReview(ctx, review(st.ID, lowKarma.ID, models.VerdictRequestChanges, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	// approval weight 3, rejection weight 1, ratio 0.75 >= 0.6
	if !res.Reached {
		t.Errorf("expected consensus reached, got %+v", res)
	}
	if res.Ratio == nil || *res.Ratio != 0.75 {
		t.Errorf("ratio = %v, want 0.75", res.Ratio)
	}
}

func TestOpenConsensusHumanMultiplier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipOpen, 0.6, 2)
	_ = s.InsertRepo(ctx, repo)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)

	human := mkAgent(t, s, 0) // weight sqrt(1)=1, *1.5 = 1.5 human multiplier
	agentReviewer := mkAgent(t, s, 0)
	_ = s.UpsertReview(ctx, review(st.ID, human.ID, models.VerdictApprove, true))
	_ = s.UpsertReview(ctx, review(st.ID, agentReviewer.ID, models.VerdictRequestChanges, false))

	svc := New(s, nil)
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	// approval weight 1.5, rejection weight 1, ratio 0.6
	if res.Ratio == nil || *res.Ratio != 0.6 {
		t.Errorf("ratio = %v, want 0.6", res.Ratio)
	}
	if !res.Reached {
		t.Errorf("expected reached at exactly threshold, got %+v", res)
	}
}

type fakeRemote struct {
	result *models.ConsensusResult
	err    error
}

func (f *fakeRemote) EvaluateRemote(ctx context.Context, streamID, repoID string) (*models.ConsensusResult, error) {
	return f.result, f.err
}

func TestServerAuthorityUnavailableNeverFallsBackToLocal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipSolo, 0.66, 1)
	repo.ConsensusAuthority = models.AuthorityServer
	_ = s.InsertRepo(ctx, repo)
	owner := mkAgent(t, s, 0)
	_ = s.SetMaintainerRole(ctx, repo.ID, owner.ID, models.RoleOwner)
	author := mkAgent(t, s, 0)
	st := mkStream(t, s, repo, author)
	// Local data alone would reach consensus, but authority=server and the
	// remote call fails, so the result must be server_unavailable, not a
	// silent local evaluation.
	_ = s.UpsertReview(ctx, review(st.ID, owner.ID, models.VerdictApprove, false))

	svc := New(s, &fakeRemote{err: errors.New("network down")})
	res, err := svc.CheckConsensus(ctx, st.ID, repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if res.Reached {
		t.Error("server-unreachable consensus must not report reached")
	}
	if res.Reason != models.ReasonServerUnavailable {
		t.Errorf("reason = %s, want server_unavailable", res.Reason)
	}
	if !res.IsServerAuthoritative {
		t.Error("expected IsServerAuthoritative=true")
	}
}

func TestServerAuthorityUsesRemoteResult(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := mkRepo(models.OwnershipGuild, 0.66, 1)
	repo.ConsensusAuthority = models.AuthorityServer
	_ = s.InsertRepo(ctx, repo)

	remoteResult := &models.ConsensusResult{Reached: true, Reason: models.ReasonConsensusReached, Threshold: 0.66}
	svc := New(s, &fakeRemote{result: remoteResult})
	res, err := svc.CheckConsensus(ctx, "stream-doesnt-matter-for-remote", repo)
	if err != nil {
		t.Fatalf("check consensus: %v", err)
	}
	if !res.Reached || !res.IsServerAuthoritative {
		t.Errorf("expected remote result passed through, got %+v", res)
	}
}
