package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/gitswarm/internal/errs"
	"github.com/lucasnoah/gitswarm/internal/models"
)

// Promote fast-forwards promote_target to the most recent green/* tag on
// buffer_branch. trigger is one of "auto", "manual", "council"
// and is recorded for audit; it does not change the fast-forward-only rule.
func (c *Coordinator) Promote(ctx context.Context, repo models.Repo, repoDir, trigger string) (string, error) {
	tag, err := c.store.LatestGreenTag(ctx, repo.ID)
	if err != nil {
		return "", fmt.Errorf("promote: %w", err)
	}
	if tag == "" {
		return "", errs.New(errs.KindFatal, "no green tag to promote")
	}

	changed, err := c.mechanics.ChangedFiles(ctx, repoDir, repo.PromoteTarget)
	if err != nil {
		return "", fmt.Errorf("promote: %w", err)
	}
	if len(changed) > 0 {
		// promote_target has diverged from what a pure fast-forward would
		// require; mechanics is expected to fail the merge rather than
		// create a merge commit, but this check fails fast with the
		// spec-named error before even attempting it.
		return "", errs.New(errs.KindConflict, "diverged").WithDetail("promote_target", repo.PromoteTarget)
	}

	result, err := c.mechanics.MergeStream(ctx, repoDir, tag, repo.PromoteTarget)
	if err != nil {
		return "", errs.Wrap(errs.KindConflict, "diverged", err)
	}

	payload, _ := json.Marshal(map[string]string{"repo_id": repo.ID, "tag": tag, "trigger": trigger, "commit_hash": result.CommitHash})
	if _, err := c.store.AppendSyncEvent(ctx, repo.ID, models.EventPromotion, payload); err != nil {
		return "", fmt.Errorf("promote: %w", err)
	}
	return result.CommitHash, nil
}
