package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/models"
)

// ProcessResult reports what ProcessQueue did with one queue entry.
type ProcessResult struct {
	StreamID string
	Status   string // "merged" | "conflicted" | "skipped_dag"
}

// ProcessQueue dequeues and merges streams in composite-key order, skipping
// any whose DAG ancestor (via parent_stream_id) is not yet merged or
// abandoned. At most batchSize entries (minimum 1) are merged per call;
// skipped entries do not count toward it. Each entry is merged directly into
// the buffer branch in turn: no temporary batch branch is built and no
// stabilize run is triggered.
func (c *Coordinator) ProcessQueue(ctx context.Context, repo models.Repo, repoDir string, batchSize int) ([]ProcessResult, error) {
	lock := c.repoLock(repo.ID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := c.store.ListQueuedMerges(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("process queue: %w", err)
	}
	if batchSize < 1 {
		batchSize = 1
	}

	var results []ProcessResult
	processed := 0
	for _, e := range entries {
		if processed >= batchSize {
			break
		}
		st, err := c.store.GetStream(ctx, e.StreamID)
		if err != nil {
			return results, fmt.Errorf("process queue: %w", err)
		}
		if st == nil {
			_ = c.store.DequeueMerge(ctx, e.EnqueueSeq)
			continue
		}

		ready, err := c.ancestorsSettled(ctx, *st)
		if err != nil {
			return results, fmt.Errorf("process queue: %w", err)
		}
		if !ready {
			results = append(results, ProcessResult{StreamID: st.ID, Status: "skipped_dag"})
			continue
		}

		res, err := c.mergeOne(ctx, repo, repoDir, *st)
		if err != nil {
			return results, fmt.Errorf("process queue: %w", err)
		}
		if err := c.store.DequeueMerge(ctx, e.EnqueueSeq); err != nil {
			return results, fmt.Errorf("process queue: %w", err)
		}
		results = append(results, *res)
		processed++
	}
	return results, nil
}

// ancestorsSettled walks the parent_stream_id chain and requires every
// ancestor to be merged or abandoned before st may be dequeued.
func (c *Coordinator) ancestorsSettled(ctx context.Context, st models.Stream) (bool, error) {
	cur := st.ParentStreamID
	for cur != nil {
		parent, err := c.store.GetStream(ctx, *cur)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return true, nil
		}
		if !parent.Status.IsTerminal() {
			return false, nil
		}
		cur = parent.ParentStreamID
	}
	return true, nil
}

func (c *Coordinator) mergeOne(ctx context.Context, repo models.Repo, repoDir string, st models.Stream) (*ProcessResult, error) {
	result, err := c.mechanics.MergeStream(ctx, repoDir, st.Branch, repo.BufferBranch)
	if err != nil {
		conflict, ok := err.(*gitmechanics.Conflict)
		if !ok {
			return nil, err
		}
		if markErr := c.streams.MarkConflicted(ctx, st.ID); markErr != nil {
			return nil, markErr
		}
		if routeErr := c.routeConflict(ctx, repo, st, conflict); routeErr != nil {
			return nil, routeErr
		}
		return &ProcessResult{StreamID: st.ID, Status: "conflicted"}, nil
	}

	if err := c.streams.MarkMerged(ctx, st.ID); err != nil {
		return nil, err
	}
	if err := c.recordMergeCompleted(ctx, repo.ID, st.ID, result.CommitHash); err != nil {
		return nil, err
	}

	if repo.MergeMode == models.MergeModeSwarm {
		if err := c.cascadeRebaseActive(ctx, repo, repoDir, st.ID); err != nil {
			return nil, err
		}
	}
	return &ProcessResult{StreamID: st.ID, Status: "merged"}, nil
}

func (c *Coordinator) recordMergeCompleted(ctx context.Context, repoID, streamID, commitHash string) error {
	payload, _ := json.Marshal(map[string]string{"stream_id": streamID, "commit_hash": commitHash})
	_, err := c.store.AppendSyncEvent(ctx, repoID, models.EventMergeCompleted, payload)
	return err
}

// cascadeRebaseActive rebases every other active stream for the repo onto
// the freshly-merged buffer.
func (c *Coordinator) cascadeRebaseActive(ctx context.Context, repo models.Repo, repoDir, justMergedID string) error {
	active, err := c.store.ListActiveStreams(ctx, repo.ID)
	if err != nil {
		return err
	}
	branches := make(map[string]string, len(active))
	for _, s := range active {
		if s.ID == justMergedID {
			continue
		}
		branches[s.ID] = s.Branch
	}
	if len(branches) == 0 {
		return nil
	}
	outcomes, err := c.mechanics.CascadeRebase(ctx, repoDir, branches, repo.BufferBranch)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.OK {
			continue
		}
		if err := c.streams.MarkConflicted(ctx, o.StreamID); err != nil {
			return err
		}
		if o.Conflict != nil {
			st, err := c.store.GetStream(ctx, o.StreamID)
			if err != nil {
				return err
			}
			if st != nil {
				if err := c.routeConflict(ctx, repo, *st, o.Conflict); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
