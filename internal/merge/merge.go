// Package merge implements the merge coordinator: the queue,
// dependency ordering, conflict routing, stabilization driver, promotion
// gate, and Tier-1 plugin dispatch. It is the deepest component in the
// federation engine and depends on stream, consensus, gitmechanics, and
// identity rather than the reverse.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/gitswarm/internal/consensus"
	"github.com/lucasnoah/gitswarm/internal/errs"
	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/identity"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
	"github.com/lucasnoah/gitswarm/internal/stream"
)

// Priority ranks map directly to the merge queue's priority_rank column
//. Council overrides may set any integer directly.
const (
	PriorityCritical = 0
	PriorityHigh     = 25
	PriorityMedium   = 50
	PriorityLow      = 75
)

// RemoteMerger is the seam into the sync engine for gated-mode,
// server-authoritative merge requests. nil is treated as
// unreachable: the request is queued as a sync event, never executed
// against stale local state.
type RemoteMerger interface {
	RequestRemoteMerge(ctx context.Context, repoID, streamID string) error
}

// Decision is the outcome of a RequestMerge call.
type Decision struct {
	Status    string // "enqueued" | "rejected" | "queued_server"
	Consensus *models.ConsensusResult
}

// Coordinator implements the merge coordinator. Construct with New; the
// stream.Service's AutoMergeHandoff is satisfied by RequestAutoMerge.
type Coordinator struct {
	store     *store.Store
	mechanics gitmechanics.Provider
	identity  *identity.Service
	consensus *consensus.Service
	streams   *stream.Service
	remote    RemoteMerger
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by repo id, guards stabilize/merge execution
}

// New constructs a Coordinator. remote may be nil for repos that never run
// with consensus_authority=server.
func New(s *store.Store, mechanics gitmechanics.Provider, idn *identity.Service, cons *consensus.Service,
	streams *stream.Service, remote RemoteMerger, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store: s, mechanics: mechanics, identity: idn, consensus: cons,
		streams: streams, remote: remote, log: log, locks: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) repoLock(repoID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[repoID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[repoID] = l
	}
	return l
}

// RequestAutoMerge implements stream.AutoMergeHandoff: a swarm-mode commit
// hands its stream straight to the queue with medium priority, skipping the
// consensus check entirely.
func (c *Coordinator) RequestAutoMerge(ctx context.Context, repo models.Repo, streamID string) error {
	_, err := c.enqueue(ctx, repo.ID, streamID, PriorityMedium)
	return err
}

// RequestMerge dispatches on repo.MergeMode
func (c *Coordinator) RequestMerge(ctx context.Context, repo models.Repo, streamID string, requester models.Agent, priority int) (*Decision, error) {
	switch repo.MergeMode {
	case models.MergeModeSwarm:
		if _, err := c.enqueue(ctx, repo.ID, streamID, priority); err != nil {
			return nil, err
		}
		return &Decision{Status: "enqueued"}, nil

	case models.MergeModeReview:
		res, err := c.consensus.CheckConsensus(ctx, streamID, repo)
		if err != nil {
			return nil, fmt.Errorf("request merge: %w", err)
		}
		if !res.Reached {
			return &Decision{Status: "rejected", Consensus: res}, nil
		}
		if _, err := c.enqueue(ctx, repo.ID, streamID, priority); err != nil {
			return nil, err
		}
		return &Decision{Status: "enqueued", Consensus: res}, nil

	case models.MergeModeGated:
		return c.requestGatedMerge(ctx, repo, streamID, requester, priority)
	}
	return nil, errs.Newf(errs.KindInvalidInput, "unknown merge mode %q", repo.MergeMode)
}

func (c *Coordinator) requestGatedMerge(ctx context.Context, repo models.Repo, streamID string, requester models.Agent, priority int) (*Decision, error) {
	allowed, res, err := c.identity.CanPerform(ctx, requester, repo, models.ActionMerge)
	if err != nil {
		return nil, err
	}
	level := res.Level
	if !allowed || !(level == models.LevelMaintain || level == models.LevelAdmin) {
		return nil, errs.New(errs.KindForbidden, "gated merge requires maintain or admin access").
			WithDetail("source", res.Source)
	}

	reviews, err := c.store.ListReviews(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("request gated merge: %w", err)
	}
	for _, r := range reviews {
		if r.Verdict != models.VerdictRequestChanges {
			continue
		}
		role, err := c.store.GetMaintainerRole(ctx, repo.ID, r.ReviewerID)
		if err != nil {
			return nil, fmt.Errorf("request gated merge: %w", err)
		}
		if role == models.RoleMaintainer || role == models.RoleOwner {
			return &Decision{Status: "rejected"}, errs.New(errs.KindConflict,
				"an outstanding maintainer request_changes has not been superseded by that maintainer's approval").
				WithDetail("reviewer_id", r.ReviewerID)
		}
	}

	if repo.ConsensusAuthority == models.AuthorityServer {
		if c.remote == nil || c.remote.RequestRemoteMerge(ctx, repo.ID, streamID) != nil {
			payload, _ := json.Marshal(map[string]string{"stream_id": streamID, "requested_by": requester.ID})
			if _, err := c.store.AppendSyncEvent(ctx, repo.ID, models.EventMergeRequested, payload); err != nil {
				return nil, fmt.Errorf("request gated merge: %w", err)
			}
			return &Decision{Status: "queued_server"}, nil
		}
		return &Decision{Status: "queued_server"}, nil
	}

	if _, err := c.enqueue(ctx, repo.ID, streamID, priority); err != nil {
		return nil, err
	}
	return &Decision{Status: "enqueued"}, nil
}

func (c *Coordinator) enqueue(ctx context.Context, repoID, streamID string, priority int) (int64, error) {
	var seq int64
	err := c.store.Tx(ctx, func(tx *store.Store) error {
		s, err := tx.EnqueueMerge(ctx, repoID, streamID, priority)
		if err != nil {
			return err
		}
		seq = s
		payload, _ := json.Marshal(map[string]any{"stream_id": streamID, "priority_rank": priority})
		_, err = tx.AppendSyncEvent(ctx, repoID, models.EventMergeRequested, payload)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue merge: %w", err)
	}
	return seq, nil
}

// routeConflict records the conflict and routes a fixup task per mode
//.
func (c *Coordinator) routeConflict(ctx context.Context, repo models.Repo, st models.Stream, conflict *gitmechanics.Conflict) error {
	files, _ := json.Marshal(conflict.Files)
	return c.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.InsertConflict(ctx, id.Generate(), st.ID, files, conflict.Src, conflict.Tgt); err != nil {
			return err
		}

		switch repo.MergeMode {
		case models.MergeModeSwarm:
			// Stream owner must resolve directly; no fixup task, stream stays conflicted.
		case models.MergeModeReview:
			if err := c.createFixupTask(ctx, tx, repo, st, st.AgentID); err != nil {
				return err
			}
		case models.MergeModeGated:
			assignee := st.AgentID
			role, err := tx.GetMaintainerRole(ctx, repo.ID, st.AgentID)
			if err != nil {
				return err
			}
			if role != models.RoleMaintainer && role != models.RoleOwner {
				if m, err := c.anyMaintainer(ctx, tx, repo.ID); err == nil && m != "" {
					assignee = m
				}
			}
			if err := c.createFixupTask(ctx, tx, repo, st, assignee); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Coordinator) createFixupTask(ctx context.Context, tx *store.Store, repo models.Repo, st models.Stream, assignee string) error {
	task := models.Task{
		ID: id.Generate(), RepoID: repo.ID,
		Title:       "resolve merge conflict on " + st.Branch,
		Description: fmt.Sprintf("stream %s could not be merged automatically", st.ID),
		Priority:    "high",
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		return err
	}
	claim := models.TaskClaim{ID: id.Generate(), TaskID: task.ID, AgentID: assignee, StreamID: &st.ID, Status: models.ClaimActive}
	return tx.InsertClaim(ctx, claim)
}

func (c *Coordinator) anyMaintainer(ctx context.Context, tx *store.Store, repoID string) (string, error) {
	maintainers, err := tx.ListMaintainers(ctx, repoID)
	if err != nil {
		return "", err
	}
	if len(maintainers) == 0 {
		return "", nil
	}
	return maintainers[0], nil
}
