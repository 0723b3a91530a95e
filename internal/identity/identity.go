// Package identity implements the identity & access service:
// pure functions over the store resolving an agent's permission level on a
// repo and whether a given action or branch push is allowed.
package identity

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lucasnoah/gitswarm/internal/errs"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
)

// Resolution is the result of resolve_permissions: the granted level and
// which rule produced it.
type Resolution struct {
	Level  models.PermissionLevel
	Source string // "grant" | "maintainer" | "access_mode" | "platform_default"
}

// Service resolves permissions and branch rules against the store.
type Service struct {
	store *store.Store
	now   func() time.Time
}

// New constructs a Service. now defaults to time.Now; tests may override it.
func New(s *store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// ResolvePermissions walks the resolution order: explicit
// grant (honoring expires_at) → maintainer role (owner=admin,
// maintainer=maintain) → repo access mode → platform default (none).
func (s *Service) ResolvePermissions(ctx context.Context, agent models.Agent, repo models.Repo) (Resolution, error) {
	level, ok, err := s.store.GetPermissionGrant(ctx, repo.ID, agent.ID, s.now())
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve permissions: %w", err)
	}
	if ok {
		return Resolution{Level: level, Source: "grant"}, nil
	}

	role, err := s.store.GetMaintainerRole(ctx, repo.ID, agent.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve permissions: %w", err)
	}
	switch role {
	case models.RoleOwner:
		return Resolution{Level: models.LevelAdmin, Source: "maintainer"}, nil
	case models.RoleMaintainer:
		return Resolution{Level: models.LevelMaintain, Source: "maintainer"}, nil
	}

	switch repo.AgentAccess {
	case models.AccessPublic:
		return Resolution{Level: models.LevelWrite, Source: "access_mode"}, nil
	case models.AccessKarmaThreshold:
		if agent.Karma >= repo.MinKarma {
			return Resolution{Level: models.LevelWrite, Source: "access_mode"}, nil
		}
		if !repo.IsPrivate {
			return Resolution{Level: models.LevelRead, Source: "access_mode"}, nil
		}
		return Resolution{Level: models.LevelNone, Source: "access_mode"}, nil
	case models.AccessAllowlist:
		return Resolution{Level: models.LevelNone, Source: "access_mode"}, nil
	}

	return Resolution{Level: models.LevelNone, Source: "platform_default"}, nil
}

var actionRequirement = map[models.Action]models.PermissionLevel{
	models.ActionRead:     models.LevelRead,
	models.ActionWrite:    models.LevelWrite,
	models.ActionMerge:    models.LevelWrite,
	models.ActionSettings: models.LevelMaintain,
	models.ActionDelete:   models.LevelAdmin,
}

// CanPerform maps an action to the minimum level it requires and checks the
// agent's resolved level against it.
func (s *Service) CanPerform(ctx context.Context, agent models.Agent, repo models.Repo, action models.Action) (bool, Resolution, error) {
	res, err := s.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		return false, Resolution{}, err
	}
	required, ok := actionRequirement[action]
	if !ok {
		return false, res, errs.Newf(errs.KindInvalidInput, "unknown action %q", action)
	}
	return res.Level.AtLeast(required), res, nil
}

// MatchBranchRule finds the longest-literal-matching branch rule for
// branch, with `*` as glob. Returns nil if no rule matches.
func MatchBranchRule(rules []models.BranchRule, branch string) *models.BranchRule {
	var best *models.BranchRule
	bestLen := -1
	for i := range rules {
		r := &rules[i]
		if !globMatch(r.BranchPattern, branch) {
			continue
		}
		literalLen := literalLength(r.BranchPattern)
		if literalLen > bestLen {
			bestLen = literalLen
			best = r
		}
	}
	return best
}

func literalLength(pattern string) int {
	return len(strings.ReplaceAll(pattern, "*", ""))
}

func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return true
}

// CanPushToBranch applies branch rules by longest-literal match;
// direct_push=none always forces the stream review path.
func (s *Service) CanPushToBranch(ctx context.Context, agent models.Agent, repo models.Repo, branch string) (bool, error) {
	rules, err := s.store.ListBranchRules(ctx, repo.ID)
	if err != nil {
		return false, fmt.Errorf("can push to branch: %w", err)
	}
	rule := MatchBranchRule(rules, branch)
	if rule == nil {
		return true, nil
	}
	switch rule.DirectPush {
	case models.DirectPushNone:
		return false, nil
	case models.DirectPushAll:
		return true, nil
	case models.DirectPushMaintainers:
		role, err := s.store.GetMaintainerRole(ctx, repo.ID, agent.ID)
		if err != nil {
			return false, fmt.Errorf("can push to branch: %w", err)
		}
		return role == models.RoleMaintainer || role == models.RoleOwner, nil
	}
	return false, nil
}

// KarmaWeight is the open-ownership-model's reviewer weighting function:
// √(karma+1).
func KarmaWeight(karma int) float64 {
	return math.Sqrt(float64(karma) + 1)
}
