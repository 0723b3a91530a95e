// Package stream implements the stream manager: the state
// machine governing one unit of work from workspace creation through merge,
// abandonment, or conflict.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/gitswarm/internal/errs"
	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/identity"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
)

// AutoMergeHandoff is the seam into the merge coordinator: in swarm mode, a
// commit hands the stream off for immediate auto-merge.
// Defined here rather than imported from internal/merge to keep the
// dependency pointing one way: merge depends on stream, not the reverse.
type AutoMergeHandoff interface {
	RequestAutoMerge(ctx context.Context, repo models.Repo, streamID string) error
}

// Service implements create_workspace, commit, submit_for_review,
// submit_review, and abandon.
type Service struct {
	store     *store.Store
	identity  *identity.Service
	mechanics gitmechanics.Provider
	autoMerge AutoMergeHandoff
	now       func() time.Time
}

// New constructs a Service. autoMerge may be nil until the merge coordinator
// is wired in by the caller; commits on a swarm-mode repo fail with
// KindFatal if a swarm commit is attempted with no handoff configured.
func New(s *store.Store, idn *identity.Service, mechanics gitmechanics.Provider, autoMerge AutoMergeHandoff) *Service {
	return &Service{store: s, identity: idn, mechanics: mechanics, autoMerge: autoMerge, now: time.Now}
}

// SetAutoMerge wires the merge coordinator in after construction, for
// callers that must build the stream service and the merge coordinator in
// the same breath (the coordinator itself takes a *Service).
func (s *Service) SetAutoMerge(h AutoMergeHandoff) {
	s.autoMerge = h
}

// CreateWorkspaceInput is create_workspace's argument set.
type CreateWorkspaceInput struct {
	Agent        models.Agent
	Repo         models.Repo
	RepoDir      string
	TaskID       *string
	ClaimID      *string // if TaskID given, the claim to link stream_id onto
	DependsOn    *string // parent stream id
}

// CreateWorkspace validates write permission, delegates branch/worktree
// creation to mechanics, and inserts the stream's policy row.
func (s *Service) CreateWorkspace(ctx context.Context, in CreateWorkspaceInput) (*models.Stream, string, error) {
	allowed, res, err := s.identity.CanPerform(ctx, in.Agent, in.Repo, models.ActionWrite)
	if err != nil {
		return nil, "", err
	}
	if !allowed {
		return nil, "", errs.New(errs.KindForbidden, "agent lacks write access").WithDetail("source", res.Source)
	}

	base := in.Repo.BufferBranch
	streamID, err := s.mechanics.CreateStream(ctx, in.RepoDir, base, in.DependsOn)
	if err != nil {
		return nil, "", fmt.Errorf("create workspace: %w", err)
	}
	worktreePath, err := s.mechanics.CreateWorktree(ctx, in.RepoDir, streamID, in.Agent.ID)
	if err != nil {
		return nil, "", fmt.Errorf("create workspace: %w", err)
	}

	st := models.Stream{
		ID:             streamID,
		RepoID:         in.Repo.ID,
		AgentID:        in.Agent.ID,
		Branch:         "stream/" + streamID,
		BaseBranch:     base,
		ParentStreamID: in.DependsOn,
		TaskID:         in.TaskID,
		Status:         models.StreamActive,
		ReviewStatus:   models.ReviewPending,
		Source:         models.SourceCLI,
		CreatedAt:      s.now().UTC(),
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.InsertStream(ctx, st); err != nil {
			return err
		}
		if in.ClaimID != nil {
			if err := tx.LinkClaimStream(ctx, *in.ClaimID, streamID); err != nil {
				return err
			}
		}
		payload, _ := json.Marshal(map[string]string{"stream_id": streamID, "agent_id": in.Agent.ID})
		_, err := tx.AppendSyncEvent(ctx, in.Repo.ID, models.EventStreamCreated, payload)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("create workspace: %w", err)
	}
	return &st, worktreePath, nil
}

// Commit delegates to mechanics and dispatches on repo.MergeMode: swarm
// immediately hands the stream to the merge coordinator for auto-merge;
// review/gated leave the stream in place. A `commit` sync event is emitted
// in every mode.
func (s *Service) Commit(ctx context.Context, repo models.Repo, streamID, worktreePath, message, agentID string) (*gitmechanics.CommitResult, error) {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if st == nil {
		return nil, errs.New(errs.KindInvalidInput, "stream not found").WithDetail("stream_id", streamID)
	}
	if st.Status.IsTerminal() {
		return nil, errs.New(errs.KindIllegalTransition, "cannot commit to a terminal stream").
			WithDetail("status", string(st.Status))
	}

	result, err := s.mechanics.Commit(ctx, worktreePath, message, agentID)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		// A new commit resolves any conflict routed against this stream, and
		// per the review reset-to-pending decision (DESIGN.md), clears a
		// prior changes_requested back to pending so stale reviews don't
		// silently re-approve new content.
		if err := tx.ResolveConflict(ctx, streamID); err != nil {
			return err
		}
		if st.ReviewStatus == models.ReviewChangesRequested || st.ReviewStatus == models.ReviewApproved {
			if err := tx.UpdateReviewStatus(ctx, streamID, models.ReviewPending); err != nil {
				return err
			}
		}
		if st.Status == models.StreamConflicted {
			if err := tx.UpdateStreamStatus(ctx, streamID, models.StreamActive); err != nil {
				return err
			}
		}
		payload, _ := json.Marshal(map[string]string{
			"stream_id": streamID, "commit_hash": result.CommitHash, "change_id": result.ChangeID,
		})
		_, err := tx.AppendSyncEvent(ctx, repo.ID, models.EventCommit, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if repo.MergeMode == models.MergeModeSwarm {
		if s.autoMerge == nil {
			return nil, errs.New(errs.KindFatal, "swarm mode requires a merge coordinator handoff")
		}
		if err := s.autoMerge.RequestAutoMerge(ctx, repo, streamID); err != nil {
			return result, fmt.Errorf("commit: auto-merge handoff: %w", err)
		}
	}
	return result, nil
}

// SubmitForReview requires status=active and transitions to in_review,
// auto-populating the review diff via mechanics.
func (s *Service) SubmitForReview(ctx context.Context, repoDir string, streamID string) error {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("submit for review: %w", err)
	}
	if st == nil {
		return errs.New(errs.KindInvalidInput, "stream not found").WithDetail("stream_id", streamID)
	}
	if st.Status != models.StreamActive {
		return errs.New(errs.KindIllegalTransition, "submit_for_review requires status=active").
			WithDetail("status", string(st.Status))
	}
	if _, err := s.mechanics.Diff(ctx, repoDir, st.Branch, st.BaseBranch); err != nil {
		return fmt.Errorf("submit for review: %w", err)
	}
	if err := s.store.UpdateStreamStatus(ctx, streamID, models.StreamInReview); err != nil {
		return fmt.Errorf("submit for review: %w", err)
	}
	return nil
}

// SubmitReview upserts a reviewer's verdict keyed by (stream, reviewer) and
// emits a `review` sync event. Consensus is not re-evaluated here.
func (s *Service) SubmitReview(ctx context.Context, repo models.Repo, streamID, reviewerID string, verdict models.ReviewVerdict, isHuman, tested bool) error {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("submit review: %w", err)
	}
	if st == nil {
		return errs.New(errs.KindInvalidInput, "stream not found").WithDetail("stream_id", streamID)
	}
	if st.Status.IsTerminal() {
		return errs.New(errs.KindIllegalTransition, "cannot review a terminal stream").
			WithDetail("status", string(st.Status))
	}

	rv := models.Review{
		ID: id.Generate(), StreamID: streamID, ReviewerID: reviewerID,
		Verdict: verdict, IsHuman: isHuman, Tested: tested, ReviewedAt: s.now().UTC(),
	}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertReview(ctx, rv); err != nil {
			return err
		}
		switch verdict {
		case models.VerdictApprove:
			if err := tx.UpdateReviewStatus(ctx, streamID, models.ReviewApproved); err != nil {
				return err
			}
		case models.VerdictRequestChanges:
			if err := tx.UpdateReviewStatus(ctx, streamID, models.ReviewChangesRequested); err != nil {
				return err
			}
		}
		payload, _ := json.Marshal(map[string]string{
			"stream_id": streamID, "reviewer_id": reviewerID, "verdict": string(verdict),
		})
		_, err := tx.AppendSyncEvent(ctx, repo.ID, models.EventReview, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("submit review: %w", err)
	}
	return nil
}

// Abandon is a terminal transition: it sets the stream's status to abandoned
// and emits a stream_abandoned sync event carrying reason, which does not
// affect state. The stream's worktree and branch are left in place.
func (s *Service) Abandon(ctx context.Context, repo models.Repo, streamID, reason string) error {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	if st == nil {
		return errs.New(errs.KindInvalidInput, "stream not found").WithDetail("stream_id", streamID)
	}
	if st.Status.IsTerminal() {
		return errs.New(errs.KindIllegalTransition, "stream already terminal").
			WithDetail("status", string(st.Status))
	}

	err = s.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateStreamStatus(ctx, streamID, models.StreamAbandoned); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"stream_id": streamID, "reason": reason})
		_, err := tx.AppendSyncEvent(ctx, repo.ID, models.EventStreamAbandoned, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	return nil
}

// MarkConflicted transitions a stream to conflicted after mechanics reports
// a merge/cascade conflict. The merge coordinator calls
// this; a later commit by the stream's agent clears it back to active via
// Commit's conflict-resolution path.
func (s *Service) MarkConflicted(ctx context.Context, streamID string) error {
	st, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("mark conflicted: %w", err)
	}
	if st == nil {
		return errs.New(errs.KindInvalidInput, "stream not found").WithDetail("stream_id", streamID)
	}
	if st.Status.IsTerminal() {
		return errs.New(errs.KindIllegalTransition, "cannot conflict a terminal stream").
			WithDetail("status", string(st.Status))
	}
	return s.store.UpdateStreamStatus(ctx, streamID, models.StreamConflicted)
}

// MarkMerged is the terminal success transition, called by the merge
// coordinator once mechanics confirms the merge commit.
func (s *Service) MarkMerged(ctx context.Context, streamID string) error {
	return s.store.UpdateStreamStatus(ctx, streamID, models.StreamMerged)
}
