// Package consensus implements the consensus service: given a
// stream and repo, computes whether the current review set satisfies the
// repo's ownership-model-specific threshold.
package consensus

import (
	"context"
	"fmt"

	"github.com/lucasnoah/gitswarm/internal/identity"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
)

// RemoteEvaluator queries a server-authoritative repo's consensus endpoint
// (`GET /streams/:id/consensus`). The sync engine supplies the
// real implementation; nil means "no remote configured" (local authority).
type RemoteEvaluator interface {
	EvaluateRemote(ctx context.Context, streamID, repoID string) (*models.ConsensusResult, error)
}

// Service evaluates consensus against the store, deferring to a
// RemoteEvaluator for server-authoritative repos.
type Service struct {
	store  *store.Store
	remote RemoteEvaluator
}

// New constructs a Service. remote may be nil if no server authority will
// ever be configured for the repos this Service evaluates.
func New(s *store.Store, remote RemoteEvaluator) *Service {
	return &Service{store: s, remote: remote}
}

// reviewerRole resolves an agent's maintainer role for the guild/solo rules.
type reviewerRole struct {
	agentID string
	role    models.MaintainerRole
	karma   int
	isHuman bool
}

// CheckConsensus evaluates whether streamID's reviews satisfy repo's
// consensus rule. For server-authoritative repos it drains
// local evaluation entirely in favor of the remote result, returning
// `stale_reviews`/`server_unavailable` rather than silently falling back to
// local data.
func (s *Service) CheckConsensus(ctx context.Context, streamID string, repo models.Repo) (*models.ConsensusResult, error) {
	if repo.ConsensusAuthority == models.AuthorityServer {
		return s.checkRemote(ctx, streamID, repo)
	}
	return s.checkLocal(ctx, streamID, repo)
}

func (s *Service) checkRemote(ctx context.Context, streamID string, repo models.Repo) (*models.ConsensusResult, error) {
	if s.remote == nil {
		return &models.ConsensusResult{
			Reached: false, Reason: models.ReasonServerUnavailable,
			Threshold: repo.ConsensusThreshold, IsServerAuthoritative: true,
		}, nil
	}
	res, err := s.remote.EvaluateRemote(ctx, streamID, repo.ID)
	if err != nil {
		return &models.ConsensusResult{
			Reached: false, Reason: models.ReasonServerUnavailable,
			Threshold: repo.ConsensusThreshold, IsServerAuthoritative: true,
		}, nil
	}
	res.IsServerAuthoritative = true
	return res, nil
}

func (s *Service) checkLocal(ctx context.Context, streamID string, repo models.Repo) (*models.ConsensusResult, error) {
	reviews, err := s.store.ListReviews(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("check consensus: %w", err)
	}

	roles := make([]reviewerRole, 0, len(reviews))
	for _, r := range reviews {
		agent, err := s.store.GetAgent(ctx, r.ReviewerID)
		if err != nil {
			return nil, fmt.Errorf("check consensus: %w", err)
		}
		karma := 0
		if agent != nil {
			karma = agent.Karma
		}
		role, err := s.store.GetMaintainerRole(ctx, repo.ID, r.ReviewerID)
		if err != nil {
			return nil, fmt.Errorf("check consensus: %w", err)
		}
		roles = append(roles, reviewerRole{agentID: r.ReviewerID, role: role, karma: karma, isHuman: r.IsHuman})
	}

	switch repo.OwnershipModel {
	case models.OwnershipSolo:
		return soloConsensus(reviews, roles, repo), nil
	case models.OwnershipGuild:
		return guildConsensus(reviews, roles, repo), nil
	case models.OwnershipOpen:
		return openConsensus(reviews, roles, repo), nil
	}
	return nil, fmt.Errorf("check consensus: unknown ownership model %q", repo.OwnershipModel)
}

// soloConsensus is reached iff at least one owner has an approve review and
// no outstanding request_changes from the owner.
func soloConsensus(reviews []models.Review, roles []reviewerRole, repo models.Repo) *models.ConsensusResult {
	var ownerApproved, ownerRejected bool
	for i, rv := range reviews {
		if roles[i].role != models.RoleOwner {
			continue
		}
		switch rv.Verdict {
		case models.VerdictApprove:
			ownerApproved = true
		case models.VerdictRequestChanges:
			ownerRejected = true
		}
	}
	if ownerRejected {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonOwnerRejected, Threshold: repo.ConsensusThreshold}
	}
	if ownerApproved {
		ratio := 1.0
		return &models.ConsensusResult{Reached: true, Reason: models.ReasonConsensusReached, Ratio: &ratio,
			Threshold: repo.ConsensusThreshold, Approvals: 1}
	}
	return &models.ConsensusResult{Reached: false, Reason: models.ReasonAwaitingOwner, Threshold: repo.ConsensusThreshold}
}

// guildConsensus considers only maintainer reviewers: reached iff
// total >= min_reviews AND approve/(approve+reject) >= threshold AND at
// least one maintainer approval.
func guildConsensus(reviews []models.Review, roles []reviewerRole, repo models.Repo) *models.ConsensusResult {
	var approvals, rejections int
	for i, rv := range reviews {
		if roles[i].role != models.RoleMaintainer && roles[i].role != models.RoleOwner {
			continue
		}
		switch rv.Verdict {
		case models.VerdictApprove:
			approvals++
		case models.VerdictRequestChanges:
			rejections++
		}
	}

	total := approvals + rejections
	if total == 0 {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonNoMaintainerReviews, Threshold: repo.ConsensusThreshold}
	}
	if total < repo.MinReviews {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonInsufficientReviews,
			Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
	}
	ratio := float64(approvals) / float64(total)
	if approvals == 0 || ratio < repo.ConsensusThreshold {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonBelowThreshold, Ratio: &ratio,
			Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
	}
	return &models.ConsensusResult{Reached: true, Reason: models.ReasonConsensusReached, Ratio: &ratio,
		Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
}

// openConsensus weights each review by √(karma+1), with a human_review_weight
// multiplier applied to human reviewers' weight.
func openConsensus(reviews []models.Review, roles []reviewerRole, repo models.Repo) *models.ConsensusResult {
	var approvalWeight, rejectionWeight float64
	var approvals, rejections int

	for i, rv := range reviews {
		weight := identity.KarmaWeight(roles[i].karma)
		if roles[i].isHuman {
			weight *= repo.HumanReviewWeight
		}
		switch rv.Verdict {
		case models.VerdictApprove:
			approvalWeight += weight
			approvals++
		case models.VerdictRequestChanges:
			rejectionWeight += weight
			rejections++
		}
	}

	total := approvals + rejections
	if total < repo.MinReviews {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonInsufficientReviews,
			Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
	}

	totalWeight := approvalWeight + rejectionWeight
	var ratio float64
	if totalWeight > 0 {
		ratio = approvalWeight / totalWeight
	}
	if ratio < repo.ConsensusThreshold {
		return &models.ConsensusResult{Reached: false, Reason: models.ReasonBelowThreshold, Ratio: &ratio,
			Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
	}
	return &models.ConsensusResult{Reached: true, Reason: models.ReasonConsensusReached, Ratio: &ratio,
		Threshold: repo.ConsensusThreshold, Approvals: approvals, Rejections: rejections}
}
