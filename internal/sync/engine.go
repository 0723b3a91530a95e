package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
)

// maxAttempts is the attempt count at which ListPendingSyncEvents stops
// selecting an event; MarkSyncEventError adds one attempt per retryable
// failure, and attempts persist across flushes. A dead event is pinned
// separately via MarkSyncEventDead on a terminal server error.
const maxAttempts = 20

// Engine drives the offline queue's replay, server-authoritative consensus
// routing, and server push/poll reconciliation. It implements
// consensus.RemoteEvaluator and merge.RemoteMerger so those packages never
// import this one directly.
type Engine struct {
	store     *store.Store
	client    *Client
	log       zerolog.Logger
	batchSize int
}

// New constructs an Engine. client may be nil for repos running local-only;
// every method below that talks to the server returns an error when client
// is nil.
func New(s *store.Store, client *Client, log zerolog.Logger, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{store: s, client: client, log: log, batchSize: batchSize}
}

// FlushResult reports one flush() run's outcome.
type FlushResult struct {
	Flushed   int
	Remaining int
}

// Flush implements the batch replay procedure: select pending
// events, post as one batch, delete ok/duplicate rows, pin terminal errors
// dead, and stop at the first non-terminal error to preserve seq ordering.
func (e *Engine) Flush(ctx context.Context, repoID string) (FlushResult, error) {
	if e.client == nil {
		return FlushResult{}, errors.New("sync: flush called with no remote configured")
	}

	pending, err := e.store.ListPendingSyncEvents(ctx, repoID, maxAttempts, e.batchSize)
	if err != nil {
		return FlushResult{}, fmt.Errorf("flush: %w", err)
	}
	if len(pending) == 0 {
		return FlushResult{}, nil
	}

	batch := make([]BatchEvent, len(pending))
	for i, ev := range pending {
		batch[i] = BatchEvent{Seq: ev.Seq, Type: string(ev.EventType), Data: json.RawMessage(ev.Payload), CreatedAt: ev.CreatedAt}
	}

	results, err := e.client.SyncBatch(ctx, batch)
	if err != nil {
		// Network failure: nothing acknowledged, whole batch remains pending.
		return FlushResult{Remaining: len(pending)}, nil
	}

	flushed := 0
	remaining := len(pending)
	for _, r := range results {
		switch r.Status {
		case "ok", "duplicate":
			if err := e.store.DeleteSyncEvent(ctx, repoID, r.Seq); err != nil {
				return FlushResult{Flushed: flushed, Remaining: remaining}, fmt.Errorf("flush: %w", err)
			}
			flushed++
			remaining--
		case "error":
			if r.Terminal {
				if err := e.store.MarkSyncEventDead(ctx, repoID, r.Seq, r.Message); err != nil {
					return FlushResult{Flushed: flushed, Remaining: remaining}, fmt.Errorf("flush: %w", err)
				}
				remaining--
				continue
			}
			if err := e.store.MarkSyncEventError(ctx, repoID, r.Seq, r.Message); err != nil {
				return FlushResult{Flushed: flushed, Remaining: remaining}, fmt.Errorf("flush: %w", err)
			}
			// Preserve seq ordering: stop at the first non-terminal error.
			return FlushResult{Flushed: flushed, Remaining: remaining}, nil
		case "pending":
			// Server stopped processing early (its own first error); leave as-is.
			return FlushResult{Flushed: flushed, Remaining: remaining}, nil
		}
	}
	return FlushResult{Flushed: flushed, Remaining: remaining}, nil
}

// hasPendingReviews reports whether any review event is still queued for
// repoID, used to gate consensus queries "do not query
// consensus until [pending review events are] acknowledged".
func (e *Engine) hasPendingReviews(ctx context.Context, repoID string) (bool, error) {
	pending, err := e.store.ListPendingSyncEvents(ctx, repoID, maxAttempts, 1000)
	if err != nil {
		return false, err
	}
	for _, ev := range pending {
		if ev.EventType == models.EventReview {
			return true, nil
		}
	}
	return false, nil
}

// EvaluateRemote implements consensus.RemoteEvaluator: drains
// pending reviews first, then queries the remote consensus endpoint. A nil
// client or any network failure is reported to the caller as an error, which
// consensus.Service turns into `server_unavailable` rather than falling back
// to a local computation. If review events are still queued after the drain
// attempt (the batch stopped early on a non-terminal error, or the network
// call itself failed), the server's view of this stream is stale and
// EvaluateRemote reports that directly instead of querying consensus against
// it: a reachable server must never be treated as authoritative while local
// reviews it hasn't seen yet could still change the outcome.
func (e *Engine) EvaluateRemote(ctx context.Context, streamID, repoID string) (*models.ConsensusResult, error) {
	if e.client == nil {
		return nil, errors.New("sync: no remote configured")
	}
	if pending, err := e.hasPendingReviews(ctx, repoID); err != nil {
		return nil, fmt.Errorf("evaluate remote: %w", err)
	} else if pending {
		if _, err := e.Flush(ctx, repoID); err != nil {
			return nil, fmt.Errorf("evaluate remote: drain before consensus: %w", err)
		}
		stillPending, err := e.hasPendingReviews(ctx, repoID)
		if err != nil {
			return nil, fmt.Errorf("evaluate remote: %w", err)
		}
		if stillPending {
			return &models.ConsensusResult{Reached: false, Reason: models.ReasonStaleReviews}, nil
		}
	}
	return e.client.GetConsensus(ctx, streamID)
}

// RequestRemoteMerge implements merge.RemoteMerger: forwards a gated-mode
// merge request to the server. A nil client is reported as an error so the
// merge coordinator queues the request as a sync event instead.
func (e *Engine) RequestRemoteMerge(ctx context.Context, repoID, streamID string) error {
	if e.client == nil {
		return errors.New("sync: no remote configured")
	}
	return e.client.RequestMerge(ctx, streamID)
}

// Poll implements the server push/poll reconciliation loop:
// fetches updates since the last cursor and applies each by kind, returning
// the new cursor to persist. An unrecognized kind is logged and skipped
// rather than failing the whole poll.
func (e *Engine) Poll(ctx context.Context, repoID string, since time.Time) (time.Time, error) {
	if e.client == nil {
		return since, errors.New("sync: poll called with no remote configured")
	}
	updates, err := e.client.GetUpdates(ctx, since)
	if err != nil {
		return since, fmt.Errorf("poll: %w", err)
	}

	cursor := since
	for _, u := range updates {
		if err := e.applyUpdate(ctx, repoID, u); err != nil {
			e.log.Warn().Err(err).Str("kind", u.Kind).Msg("failed to apply polled update, skipping")
			continue
		}
		if u.Timestamp.After(cursor) {
			cursor = u.Timestamp
		}
	}
	return cursor, nil
}

type taskAssignmentUpdate struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	StreamID string `json:"stream_id"`
}

type accessChangeUpdate struct {
	AgentID string `json:"agent_id"`
	Level   string `json:"level"`
}

func (e *Engine) applyUpdate(ctx context.Context, repoID string, u Update) error {
	switch u.Kind {
	case "task_assignment":
		var payload taskAssignmentUpdate
		if err := json.Unmarshal(u.Data, &payload); err != nil {
			return err
		}
		var streamID *string
		if payload.StreamID != "" {
			streamID = &payload.StreamID
		}
		return e.store.InsertClaim(ctx, models.TaskClaim{
			ID: payload.TaskID + ":" + payload.AgentID, TaskID: payload.TaskID, AgentID: payload.AgentID,
			StreamID: streamID, Status: models.ClaimActive,
		})
	case "access_change":
		var payload accessChangeUpdate
		if err := json.Unmarshal(u.Data, &payload); err != nil {
			return err
		}
		return e.store.GrantPermission(ctx, repoID, payload.AgentID, models.PermissionLevel(payload.Level), nil)
	case "council_decision", "plugin_result":
		// Recorded for audit only; the server has already executed the
		// decision or plugin and this poll result is informational.
		payload, _ := json.Marshal(u)
		_, err := e.store.AppendSyncEvent(ctx, repoID, models.EventCouncilProposal, payload)
		return err
	default:
		return fmt.Errorf("unrecognized update kind %q", u.Kind)
	}
}
