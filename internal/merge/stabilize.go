package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/models"
)

// StabilizeConfig carries the repo-owned stabilization settings from
// config.yml; the merge package has no config dependency of
// its own, so callers translate config.RepoConfig into this shape.
type StabilizeConfig struct {
	Command        string
	Timeout        time.Duration
	FlakeEnabled   bool
	RetryCount     int
	FlakyThreshold float64
	AutoPromote    bool
	AutoRevert     bool
}

// flight coalesces concurrent Stabilize calls for the same repo into one
// actual run: one advisory lock per repo for stabilization.
var flight singleflight.Group

// Stabilize runs the full stabilization procedure against the repo's buffer
// branch: acquire lock, run the command, classify, optionally
// retry on red to detect flakes, tag green, revert on confirmed red if
// configured, and record the result.
func (c *Coordinator) Stabilize(ctx context.Context, repo models.Repo, repoDir string, runner CommandRunner, cfg StabilizeConfig) (*models.Stabilization, error) {
	key := repo.ID
	v, err, _ := flight.Do(key, func() (any, error) {
		return c.stabilizeLocked(ctx, repo, repoDir, runner, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Stabilization), nil
}

func (c *Coordinator) stabilizeLocked(ctx context.Context, repo models.Repo, repoDir string, runner CommandRunner, cfg StabilizeConfig) (*models.Stabilization, error) {
	lock := c.repoLock(repo.ID)
	lock.Lock()
	defer lock.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	stdout, stderr, exitCode, timedOut, err := runWithTimeout(ctx, runner, repoDir, cfg.Command, timeout)
	if err != nil {
		return nil, fmt.Errorf("stabilize: %w", err)
	}

	bufferCommit, err := c.resolveBufferHead(ctx, repoDir)
	if err != nil {
		return nil, fmt.Errorf("stabilize: %w", err)
	}

	result := classify(timedOut, exitCode)
	details := fmt.Sprintf("exit=%d stdout=%q stderr=%q", exitCode, truncate(stdout, 2000), truncate(stderr, 2000))

	if result == models.ResultRed && cfg.FlakeEnabled {
		result, details = c.detectFlake(ctx, repoDir, runner, cfg, timeout, details)
	}

	st := models.Stabilization{
		ID: id.Generate(), RepoID: repo.ID, Result: result,
		BufferCommit: bufferCommit, Details: details, StabilizedAt: time.Now().UTC(),
	}

	switch result {
	case models.ResultGreen:
		tag := "green/" + time.Now().UTC().Format(time.RFC3339)
		st.Tag = &tag
	case models.ResultRed:
		if cfg.AutoRevert {
			breakingID, err := c.revertToLastGreen(ctx, repo, repoDir)
			if err != nil {
				return nil, fmt.Errorf("stabilize: auto-revert: %w", err)
			}
			st.BreakingStreamID = breakingID
		}
	}

	if err := c.store.InsertStabilization(ctx, st); err != nil {
		return nil, fmt.Errorf("stabilize: %w", err)
	}
	payload, _ := json.Marshal(map[string]string{"repo_id": repo.ID, "result": string(result)})
	if _, err := c.store.AppendSyncEvent(ctx, repo.ID, models.EventStabilization, payload); err != nil {
		return nil, fmt.Errorf("stabilize: %w", err)
	}

	if result == models.ResultGreen && cfg.AutoPromote {
		if _, err := c.Promote(ctx, repo, repoDir, "auto"); err != nil {
			return &st, fmt.Errorf("stabilize: auto-promote: %w", err)
		}
	}
	return &st, nil
}

// classify maps a run's outcome to a StabilizationResult.
func classify(timedOut bool, exitCode int) models.StabilizationResult {
	if timedOut {
		return models.ResultTimeout
	}
	if exitCode == 0 {
		return models.ResultGreen
	}
	return models.ResultRed
}

// detectFlake reruns a candidate-red command up to RetryCount times; if the
// green fraction meets FlakyThreshold, the run is reclassified flaky and no
// revert follows. A confirmed timeout is never retried
// here: per the reset-on-timeout decision (DESIGN.md), a timeout is treated
// as fatal for this run rather than a flake candidate.
func (c *Coordinator) detectFlake(ctx context.Context, repoDir string, runner CommandRunner, cfg StabilizeConfig, timeout time.Duration, details string) (models.StabilizationResult, string) {
	if cfg.RetryCount <= 0 {
		return models.ResultRed, details
	}
	greens := 0
	for i := 0; i < cfg.RetryCount; i++ {
		_, _, exitCode, timedOut, err := runWithTimeout(ctx, runner, repoDir, cfg.Command, timeout)
		if err != nil || timedOut {
			continue
		}
		if exitCode == 0 {
			greens++
		}
	}
	fraction := float64(greens) / float64(cfg.RetryCount)
	if fraction >= cfg.FlakyThreshold {
		return models.ResultFlaky, fmt.Sprintf("%s; flake retries green_fraction=%.2f", details, fraction)
	}
	return models.ResultRed, details
}

// revertToLastGreen takes the oldest operation since the last green tag as
// the breaking one, rolls the buffer back, cascade-rebases remaining active
// streams, and creates a critical fixup task when that operation names a
// stream. No bisection or per-operation retest is performed.
func (c *Coordinator) revertToLastGreen(ctx context.Context, repo models.Repo, repoDir string) (*string, error) {
	lastGreen, err := c.store.LatestGreenTag(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	ops, err := c.mechanics.OperationsSince(ctx, repoDir, lastGreen)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	// ops is ordered oldest-first (OperationsSince contract). There is no
	// per-operation retest hook, so the earliest recorded operation is
	// treated as the breaking one and the buffer is rolled back to just
	// before it.
	breaking := ops[0]
	newHead, err := c.mechanics.RollbackToOperation(ctx, repoDir, breaking.ID)
	if err != nil {
		return nil, err
	}
	_ = newHead

	active, err := c.store.ListActiveStreams(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	branches := make(map[string]string, len(active))
	for _, s := range active {
		branches[s.ID] = s.Branch
	}
	if len(branches) > 0 {
		if _, err := c.mechanics.CascadeRebase(ctx, repoDir, branches, repo.BufferBranch); err != nil {
			return nil, err
		}
	}

	if breaking.StreamID == "" {
		return nil, nil
	}
	task := models.Task{
		ID: id.Generate(), RepoID: repo.ID,
		Title: "fix regression reverted from buffer", Priority: "critical",
	}
	if err := c.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	return &breaking.StreamID, nil
}

// resolveBufferHead approximates the buffer branch's current HEAD as the
// most recent merge commit recorded since the beginning of history. The
// mechanics interface exposes no direct "resolve ref" call;
// buffer only advances via merges, so its latest merge operation stands in
// for HEAD for tagging and bisect purposes.
func (c *Coordinator) resolveBufferHead(ctx context.Context, repoDir string) (string, error) {
	ops, err := c.mechanics.OperationsSince(ctx, repoDir, "")
	if err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", nil
	}
	return ops[len(ops)-1].CommitSHA, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
