package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/gitswarm/internal/errs"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/models"
)

func invalidID(value string) error {
	return errs.New(errs.KindInvalidInput, "invalid_id").WithDetail("value", value)
}

func checkID(values ...string) error {
	for _, v := range values {
		if v != "" && !id.IsValid(v) {
			return invalidID(v)
		}
	}
	return nil
}

// --- Agents -----------------------------------------------------------

// InsertAgent creates a new agent row.
func (s *Store) InsertAgent(ctx context.Context, a models.Agent) error {
	if err := checkID(a.ID); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, name, karma, status) VALUES (%s, %s, %s, %s)`,
		s.t("agents"), s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.exec.ExecContext(ctx, q, a.ID, a.Name, a.Karma, string(a.Status))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func scanAgent(row *sql.Row) (*models.Agent, error) {
	var a models.Agent
	var status string
	if err := row.Scan(&a.ID, &a.Name, &a.Karma, &status); err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	return &a, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	if err := checkID(agentID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, name, karma, status FROM %s WHERE id = %s`, s.t("agents"), s.ph(1))
	a, err := scanAgent(s.exec.QueryRowContext(ctx, q, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName fetches an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	q := fmt.Sprintf(`SELECT id, name, karma, status FROM %s WHERE name = %s`, s.t("agents"), s.ph(1))
	a, err := scanAgent(s.exec.QueryRowContext(ctx, q, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

// AdjustKarma applies a karma delta to an agent. Karma is mutated only
// through karma transactions and admin actions, never set directly.
func (s *Store) AdjustKarma(ctx context.Context, agentID string, delta int) error {
	if err := checkID(agentID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET karma = karma + %s WHERE id = %s`, s.t("agents"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, delta, agentID)
	if err != nil {
		return fmt.Errorf("adjust karma: %w", err)
	}
	return nil
}

// SuspendAgent marks an agent suspended. Agents are never deleted.
func (s *Store) SuspendAgent(ctx context.Context, agentID string) error {
	if err := checkID(agentID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = %s WHERE id = %s`, s.t("agents"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, string(models.AgentSuspended), agentID)
	if err != nil {
		return fmt.Errorf("suspend agent: %w", err)
	}
	return nil
}

// --- Repos --------------------------------------------------------------

// InsertRepo creates a new repo row.
func (s *Store) InsertRepo(ctx context.Context, r models.Repo) error {
	if err := checkID(r.ID); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s
		(id, name, merge_mode, ownership_model, consensus_threshold, min_reviews, human_review_weight,
		 agent_access, min_karma, buffer_branch, promote_target, auto_promote_on_green, auto_revert_on_red,
		 stabilize_command, stage, consensus_authority, is_private, plugins_enabled)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.t("repos"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9),
		s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16), s.ph(17), s.ph(18))
	_, err := s.exec.ExecContext(ctx, q,
		r.ID, r.Name, string(r.MergeMode), string(r.OwnershipModel), r.ConsensusThreshold, r.MinReviews,
		r.HumanReviewWeight, string(r.AgentAccess), r.MinKarma, r.BufferBranch, r.PromoteTarget,
		r.AutoPromoteOnGreen, r.AutoRevertOnRed, r.StabilizeCommand, string(r.Stage),
		string(r.ConsensusAuthority), r.IsPrivate, r.PluginsEnabled)
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

func scanRepo(row *sql.Row) (*models.Repo, error) {
	var r models.Repo
	var mergeMode, ownership, access, stage, authority string
	if err := row.Scan(&r.ID, &r.Name, &mergeMode, &ownership, &r.ConsensusThreshold, &r.MinReviews,
		&r.HumanReviewWeight, &access, &r.MinKarma, &r.BufferBranch, &r.PromoteTarget,
		&r.AutoPromoteOnGreen, &r.AutoRevertOnRed, &r.StabilizeCommand, &stage, &authority,
		&r.IsPrivate, &r.PluginsEnabled); err != nil {
		return nil, err
	}
	r.MergeMode = models.MergeMode(mergeMode)
	r.OwnershipModel = models.OwnershipModel(ownership)
	r.AgentAccess = models.AgentAccess(access)
	r.Stage = models.RepoStage(stage)
	r.ConsensusAuthority = models.ConsensusAuthority(authority)
	return &r, nil
}

// GetRepo fetches a repo by id.
func (s *Store) GetRepo(ctx context.Context, repoID string) (*models.Repo, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, name, merge_mode, ownership_model, consensus_threshold, min_reviews,
		human_review_weight, agent_access, min_karma, buffer_branch, promote_target, auto_promote_on_green,
		auto_revert_on_red, stabilize_command, stage, consensus_authority, is_private, plugins_enabled
		FROM %s WHERE id = %s`, s.t("repos"), s.ph(1))
	r, err := scanRepo(s.exec.QueryRowContext(ctx, q, repoID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return r, nil
}

// SetConsensusAuthorityServer flips a repo's consensus_authority to server.
// This transition is one-way and never reverts; callers are responsible
// for only calling it after a successful remote handshake.
func (s *Store) SetConsensusAuthorityServer(ctx context.Context, repoID string) error {
	if err := checkID(repoID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET consensus_authority = %s WHERE id = %s AND consensus_authority = %s`,
		s.t("repos"), s.ph(1), s.ph(2), s.ph(3))
	_, err := s.exec.ExecContext(ctx, q, string(models.AuthorityServer), repoID, string(models.AuthorityLocal))
	if err != nil {
		return fmt.Errorf("set consensus authority: %w", err)
	}
	return nil
}

// AdvanceRepoStage updates stage only if the new stage does not regress:
// stage is monotonic.
func (s *Store) AdvanceRepoStage(ctx context.Context, repoID string, newStage models.RepoStage) error {
	repo, err := s.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return errs.New(errs.KindInvalidInput, "repo not found").WithDetail("repo_id", repoID)
	}
	if !newStage.AdvancesFrom(repo.Stage) {
		return errs.Newf(errs.KindInvalidInput, "stage %q does not advance from %q", newStage, repo.Stage)
	}
	q := fmt.Sprintf(`UPDATE %s SET stage = %s WHERE id = %s`, s.t("repos"), s.ph(1), s.ph(2))
	_, err = s.exec.ExecContext(ctx, q, string(newStage), repoID)
	if err != nil {
		return fmt.Errorf("advance repo stage: %w", err)
	}
	return nil
}

// --- Maintainers & permission grants --------------------------------------

// SetMaintainerRole upserts an agent's maintainer role on a repo.
func (s *Store) SetMaintainerRole(ctx context.Context, repoID, agentID string, role models.MaintainerRole) error {
	if err := checkID(repoID, agentID); err != nil {
		return err
	}
	var q string
	switch s.dialect {
	case Postgres:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, agent_id, role) VALUES ($1,$2,$3)
			ON CONFLICT (repo_id, agent_id) DO UPDATE SET role = EXCLUDED.role`, s.t("maintainers"))
	default:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, agent_id, role) VALUES (?,?,?)
			ON CONFLICT (repo_id, agent_id) DO UPDATE SET role = excluded.role`, s.t("maintainers"))
	}
	_, err := s.exec.ExecContext(ctx, q, repoID, agentID, string(role))
	if err != nil {
		return fmt.Errorf("set maintainer role: %w", err)
	}
	return nil
}

// GetMaintainerRole returns the agent's explicit maintainer role on a repo,
// or models.RoleNone if they hold none.
func (s *Store) GetMaintainerRole(ctx context.Context, repoID, agentID string) (models.MaintainerRole, error) {
	if err := checkID(repoID, agentID); err != nil {
		return "", err
	}
	q := fmt.Sprintf(`SELECT role FROM %s WHERE repo_id = %s AND agent_id = %s`, s.t("maintainers"), s.ph(1), s.ph(2))
	var role string
	err := s.exec.QueryRowContext(ctx, q, repoID, agentID).Scan(&role)
	if err == sql.ErrNoRows {
		return models.RoleNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("get maintainer role: %w", err)
	}
	return models.MaintainerRole(role), nil
}

// ListMaintainers returns every agent id holding maintainer or owner role on
// a repo, used by gated-mode conflict routing to pick a fallback assignee.
func (s *Store) ListMaintainers(ctx context.Context, repoID string) ([]string, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT agent_id FROM %s WHERE repo_id = %s AND role IN ('maintainer','owner')`,
		s.t("maintainers"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("list maintainers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, fmt.Errorf("scan maintainer: %w", err)
		}
		out = append(out, agentID)
	}
	return out, rows.Err()
}

// GrantPermission records an explicit access grant, optionally expiring.
func (s *Store) GrantPermission(ctx context.Context, repoID, agentID string, level models.PermissionLevel, expiresAt *time.Time) error {
	if err := checkID(repoID, agentID); err != nil {
		return err
	}
	var q string
	switch s.dialect {
	case Postgres:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, agent_id, level, expires_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (repo_id, agent_id) DO UPDATE SET level = EXCLUDED.level, expires_at = EXCLUDED.expires_at`,
			s.t("permission_grants"))
	default:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, agent_id, level, expires_at) VALUES (?,?,?,?)
			ON CONFLICT (repo_id, agent_id) DO UPDATE SET level = excluded.level, expires_at = excluded.expires_at`,
			s.t("permission_grants"))
	}
	_, err := s.exec.ExecContext(ctx, q, repoID, agentID, string(level), expiresAt)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// GetPermissionGrant returns an agent's explicit grant on a repo, if any and
// unexpired as of now.
func (s *Store) GetPermissionGrant(ctx context.Context, repoID, agentID string, now time.Time) (models.PermissionLevel, bool, error) {
	if err := checkID(repoID, agentID); err != nil {
		return "", false, err
	}
	q := fmt.Sprintf(`SELECT level, expires_at FROM %s WHERE repo_id = %s AND agent_id = %s`,
		s.t("permission_grants"), s.ph(1), s.ph(2))
	var level string
	var expiresAt sql.NullTime
	err := s.exec.QueryRowContext(ctx, q, repoID, agentID).Scan(&level, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get permission grant: %w", err)
	}
	if expiresAt.Valid && expiresAt.Time.Before(now) {
		return "", false, nil
	}
	return models.PermissionLevel(level), true, nil
}

// --- Streams --------------------------------------------------------------

// InsertStream creates a new stream's policy row.
func (s *Store) InsertStream(ctx context.Context, st models.Stream) error {
	if err := checkID(st.ID, st.RepoID, st.AgentID); err != nil {
		return err
	}
	if st.ParentStreamID != nil {
		if err := checkID(*st.ParentStreamID); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s
		(id, repo_id, agent_id, branch, base_branch, parent_stream_id, task_id, status, review_status, source, metadata, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.t("streams"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))
	_, err := s.exec.ExecContext(ctx, q,
		st.ID, st.RepoID, st.AgentID, st.Branch, st.BaseBranch, st.ParentStreamID, st.TaskID,
		string(st.Status), string(st.ReviewStatus), string(st.Source), encodeMetadata(st.Metadata), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func scanStream(row *sql.Row) (*models.Stream, error) {
	var st models.Stream
	var status, reviewStatus, source, metadata string
	var parentID, taskID sql.NullString
	if err := row.Scan(&st.ID, &st.RepoID, &st.AgentID, &st.Branch, &st.BaseBranch, &parentID, &taskID,
		&status, &reviewStatus, &source, &metadata, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Status = models.StreamStatus(status)
	st.ReviewStatus = models.ReviewStatus(reviewStatus)
	st.Source = models.StreamSource(source)
	st.Metadata = decodeMetadata(metadata)
	if parentID.Valid {
		v := parentID.String
		st.ParentStreamID = &v
	}
	if taskID.Valid {
		v := taskID.String
		st.TaskID = &v
	}
	return &st, nil
}

// GetStream fetches a stream's policy row by id.
func (s *Store) GetStream(ctx context.Context, streamID string) (*models.Stream, error) {
	if err := checkID(streamID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, repo_id, agent_id, branch, base_branch, parent_stream_id, task_id,
		status, review_status, source, metadata, created_at FROM %s WHERE id = %s`, s.t("streams"), s.ph(1))
	st, err := scanStream(s.exec.QueryRowContext(ctx, q, streamID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

// UpdateStreamStatus transitions a stream's status.
func (s *Store) UpdateStreamStatus(ctx context.Context, streamID string, status models.StreamStatus) error {
	if err := checkID(streamID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = %s WHERE id = %s`, s.t("streams"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, string(status), streamID)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return nil
}

// UpdateReviewStatus sets review_status, used on submit_for_review,
// submit_review, and the reset-to-pending-on-new-commit policy (DESIGN.md
// open question decision).
func (s *Store) UpdateReviewStatus(ctx context.Context, streamID string, status models.ReviewStatus) error {
	if err := checkID(streamID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET review_status = %s WHERE id = %s`, s.t("streams"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, string(status), streamID)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	return nil
}

// ListActiveStreams returns every stream for a repo whose status is not
// terminal, used by stale_stream_cleanup and cascade rebase.
func (s *Store) ListActiveStreams(ctx context.Context, repoID string) ([]models.Stream, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, repo_id, agent_id, branch, base_branch, parent_stream_id, task_id,
		status, review_status, source, metadata, created_at FROM %s
		WHERE repo_id = %s AND status NOT IN ('merged','abandoned')`, s.t("streams"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var out []models.Stream
	for rows.Next() {
		var st models.Stream
		var status, reviewStatus, source, metadata string
		var parentID, taskID sql.NullString
		if err := rows.Scan(&st.ID, &st.RepoID, &st.AgentID, &st.Branch, &st.BaseBranch, &parentID, &taskID,
			&status, &reviewStatus, &source, &metadata, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		st.Status = models.StreamStatus(status)
		st.ReviewStatus = models.ReviewStatus(reviewStatus)
		st.Source = models.StreamSource(source)
		st.Metadata = decodeMetadata(metadata)
		if parentID.Valid {
			v := parentID.String
			st.ParentStreamID = &v
		}
		if taskID.Valid {
			v := taskID.String
			st.TaskID = &v
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Reviews ----------------------------------------------------------

// UpsertReview inserts or replaces the reviewer's verdict for a stream: the
// most recent verdict per (stream_id, reviewer_id) wins.
func (s *Store) UpsertReview(ctx context.Context, r models.Review) error {
	if err := checkID(r.ID, r.StreamID, r.ReviewerID); err != nil {
		return err
	}
	var q string
	switch s.dialect {
	case Postgres:
		q = fmt.Sprintf(`INSERT INTO %s (id, stream_id, reviewer_id, verdict, is_human, tested, reviewed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (stream_id, reviewer_id) DO UPDATE SET
				verdict = EXCLUDED.verdict, is_human = EXCLUDED.is_human,
				tested = EXCLUDED.tested, reviewed_at = EXCLUDED.reviewed_at
			WHERE EXCLUDED.reviewed_at >= %s.reviewed_at`, s.t("reviews"), s.t("reviews"))
	default:
		q = fmt.Sprintf(`INSERT INTO %s (id, stream_id, reviewer_id, verdict, is_human, tested, reviewed_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (stream_id, reviewer_id) DO UPDATE SET
				verdict = excluded.verdict, is_human = excluded.is_human,
				tested = excluded.tested, reviewed_at = excluded.reviewed_at
			WHERE excluded.reviewed_at >= reviewed_at`, s.t("reviews"))
	}
	_, err := s.exec.ExecContext(ctx, q, r.ID, r.StreamID, r.ReviewerID, string(r.Verdict), r.IsHuman, r.Tested, r.ReviewedAt)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

// ListReviews returns every current review for a stream (one per reviewer).
func (s *Store) ListReviews(ctx context.Context, streamID string) ([]models.Review, error) {
	if err := checkID(streamID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, stream_id, reviewer_id, verdict, is_human, tested, reviewed_at
		FROM %s WHERE stream_id = %s`, s.t("reviews"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []models.Review
	for rows.Next() {
		var r models.Review
		var verdict string
		if err := rows.Scan(&r.ID, &r.StreamID, &r.ReviewerID, &verdict, &r.IsHuman, &r.Tested, &r.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.Verdict = models.ReviewVerdict(verdict)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Tasks & claims -----------------------------------------------------

// InsertTask creates a work advertisement.
func (s *Store) InsertTask(ctx context.Context, tsk models.Task) error {
	if err := checkID(tsk.ID, tsk.RepoID); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, repo_id, title, description, priority, created_at)
		VALUES (%s,%s,%s,%s,%s,%s)`, s.t("tasks"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err := s.exec.ExecContext(ctx, q, tsk.ID, tsk.RepoID, tsk.Title, tsk.Description, tsk.Priority, tsk.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ListTasksForRepo returns every task advertisement for a repo, newest first.
func (s *Store) ListTasksForRepo(ctx context.Context, repoID string) ([]models.Task, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, repo_id, title, description, priority, created_at FROM %s
		WHERE repo_id = %s ORDER BY created_at DESC`, s.t("tasks"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		var tsk models.Task
		if err := rows.Scan(&tsk.ID, &tsk.RepoID, &tsk.Title, &tsk.Description, &tsk.Priority, &tsk.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, tsk)
	}
	return out, rows.Err()
}

// InsertClaim binds an agent to a task.
func (s *Store) InsertClaim(ctx context.Context, c models.TaskClaim) error {
	if err := checkID(c.ID, c.TaskID, c.AgentID); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, task_id, agent_id, stream_id, status) VALUES (%s,%s,%s,%s,%s)`,
		s.t("task_claims"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.exec.ExecContext(ctx, q, c.ID, c.TaskID, c.AgentID, c.StreamID, string(c.Status))
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// UpdateClaimStatus transitions a claim (active→submitted→{approved,rejected}, or abandoned).
func (s *Store) UpdateClaimStatus(ctx context.Context, claimID string, status models.TaskClaimStatus) error {
	if err := checkID(claimID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = %s WHERE id = %s`, s.t("task_claims"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, string(status), claimID)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	return nil
}

// LinkClaimStream records the stream that fulfills a claim.
func (s *Store) LinkClaimStream(ctx context.Context, claimID, streamID string) error {
	if err := checkID(claimID, streamID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET stream_id = %s WHERE id = %s`, s.t("task_claims"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, streamID, claimID)
	if err != nil {
		return fmt.Errorf("link claim stream: %w", err)
	}
	return nil
}

// --- Sync events --------------------------------------------------------

// AppendSyncEvent appends an event to the offline queue. Callers invoke this
// inside the same store.Tx as the state change it records.
func (s *Store) AppendSyncEvent(ctx context.Context, repoID string, eventType models.SyncEventType, payload []byte) (int64, error) {
	if err := checkID(repoID); err != nil {
		return 0, err
	}
	switch s.dialect {
	case Postgres:
		q := fmt.Sprintf(`INSERT INTO %s (repo_id, event_type, payload, created_at, attempts)
			VALUES ($1,$2,$3,$4,0) RETURNING seq`, s.t("sync_events"))
		var seq int64
		err := s.exec.QueryRowContext(ctx, q, repoID, string(eventType), payload, time.Now().UTC()).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("append sync event: %w", err)
		}
		return seq, nil
	default:
		q := fmt.Sprintf(`INSERT INTO %s (repo_id, event_type, payload, created_at, attempts)
			VALUES (?,?,?,?,0)`, s.t("sync_events"))
		res, err := s.exec.ExecContext(ctx, q, repoID, string(eventType), payload, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("append sync event: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("read sync event seq: %w", err)
		}
		return seq, nil
	}
}

// ListPendingSyncEvents returns up to limit events in seq order with
// attempts < maxAttempts.
func (s *Store) ListPendingSyncEvents(ctx context.Context, repoID string, maxAttempts, limit int) ([]models.SyncEvent, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT seq, repo_id, event_type, payload, created_at, attempts, last_error
		FROM %s WHERE repo_id = %s AND attempts < %s ORDER BY seq ASC LIMIT %s`,
		s.t("sync_events"), s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.exec.QueryContext(ctx, q, repoID, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sync events: %w", err)
	}
	defer rows.Close()

	var out []models.SyncEvent
	for rows.Next() {
		var e models.SyncEvent
		var eventType string
		var lastError sql.NullString
		if err := rows.Scan(&e.Seq, &e.RepoID, &eventType, &e.Payload, &e.CreatedAt, &e.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		e.EventType = models.SyncEventType(eventType)
		if lastError.Valid {
			v := lastError.String
			e.LastError = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSyncEvent removes an event after it's acknowledged `ok` or
// `duplicate` by the remote.
func (s *Store) DeleteSyncEvent(ctx context.Context, repoID string, seq int64) error {
	if err := checkID(repoID); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE repo_id = %s AND seq = %s`, s.t("sync_events"), s.ph(1), s.ph(2))
	_, err := s.exec.ExecContext(ctx, q, repoID, seq)
	if err != nil {
		return fmt.Errorf("delete sync event: %w", err)
	}
	return nil
}

// MarkSyncEventError increments attempts and records last_error for a
// retryable (non-terminal) per-event failure.
func (s *Store) MarkSyncEventError(ctx context.Context, repoID string, seq int64, message string) error {
	if err := checkID(repoID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = %s WHERE repo_id = %s AND seq = %s`,
		s.t("sync_events"), s.ph(1), s.ph(2), s.ph(3))
	_, err := s.exec.ExecContext(ctx, q, message, repoID, seq)
	if err != nil {
		return fmt.Errorf("mark sync event error: %w", err)
	}
	return nil
}

// MarkSyncEventDead records a terminal (non-retryable) per-event failure.
// The event row is kept for audit but pinned past any max_attempts cutoff so
// ListPendingSyncEvents never selects it again.
func (s *Store) MarkSyncEventDead(ctx context.Context, repoID string, seq int64, message string) error {
	if err := checkID(repoID); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET attempts = 1000000000, last_error = %s WHERE repo_id = %s AND seq = %s`,
		s.t("sync_events"), s.ph(1), s.ph(2), s.ph(3))
	_, err := s.exec.ExecContext(ctx, q, message, repoID, seq)
	if err != nil {
		return fmt.Errorf("mark sync event dead: %w", err)
	}
	return nil
}

// --- Stabilizations -----------------------------------------------------

// InsertStabilization records one stabilize run.
func (s *Store) InsertStabilization(ctx context.Context, st models.Stabilization) error {
	if err := checkID(st.ID, st.RepoID); err != nil {
		return err
	}
	if st.BreakingStreamID != nil {
		if err := checkID(*st.BreakingStreamID); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, repo_id, result, buffer_commit, tag, breaking_stream_id, details, stabilized_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.t("stabilizations"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.exec.ExecContext(ctx, q, st.ID, st.RepoID, string(st.Result), st.BufferCommit, st.Tag,
		st.BreakingStreamID, st.Details, st.StabilizedAt)
	if err != nil {
		return fmt.Errorf("insert stabilization: %w", err)
	}
	return nil
}

// LatestGreenTag returns the most recent green/<iso8601> tag for a repo, or
// "" if none exists yet.
func (s *Store) LatestGreenTag(ctx context.Context, repoID string) (string, error) {
	if err := checkID(repoID); err != nil {
		return "", err
	}
	q := fmt.Sprintf(`SELECT tag FROM %s WHERE repo_id = %s AND result = 'green' AND tag IS NOT NULL
		ORDER BY stabilized_at DESC LIMIT 1`, s.t("stabilizations"), s.ph(1))
	var tag sql.NullString
	err := s.exec.QueryRowContext(ctx, q, repoID).Scan(&tag)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest green tag: %w", err)
	}
	return tag.String, nil
}

// --- Branch rules ---------------------------------------------------------

// InsertBranchRule adds or replaces a branch rule.
func (s *Store) InsertBranchRule(ctx context.Context, r models.BranchRule) error {
	if err := checkID(r.RepoID); err != nil {
		return err
	}
	var q string
	switch s.dialect {
	case Postgres:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, branch_pattern, direct_push, required_approvals, require_tests_pass, consensus_threshold_override, priority)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (repo_id, branch_pattern) DO UPDATE SET
				direct_push = EXCLUDED.direct_push, required_approvals = EXCLUDED.required_approvals,
				require_tests_pass = EXCLUDED.require_tests_pass,
				consensus_threshold_override = EXCLUDED.consensus_threshold_override, priority = EXCLUDED.priority`,
			s.t("branch_rules"))
	default:
		q = fmt.Sprintf(`INSERT INTO %s (repo_id, branch_pattern, direct_push, required_approvals, require_tests_pass, consensus_threshold_override, priority)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (repo_id, branch_pattern) DO UPDATE SET
				direct_push = excluded.direct_push, required_approvals = excluded.required_approvals,
				require_tests_pass = excluded.require_tests_pass,
				consensus_threshold_override = excluded.consensus_threshold_override, priority = excluded.priority`,
			s.t("branch_rules"))
	}
	_, err := s.exec.ExecContext(ctx, q, r.RepoID, r.BranchPattern, string(r.DirectPush), r.RequiredApprovals,
		r.RequireTestsPass, r.ConsensusThresholdOverride, r.Priority)
	if err != nil {
		return fmt.Errorf("insert branch rule: %w", err)
	}
	return nil
}

// ListBranchRules returns every branch rule for a repo.
func (s *Store) ListBranchRules(ctx context.Context, repoID string) ([]models.BranchRule, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT repo_id, branch_pattern, direct_push, required_approvals, require_tests_pass,
		consensus_threshold_override, priority FROM %s WHERE repo_id = %s`, s.t("branch_rules"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("list branch rules: %w", err)
	}
	defer rows.Close()

	var out []models.BranchRule
	for rows.Next() {
		var r models.BranchRule
		var directPush string
		var override sql.NullFloat64
		if err := rows.Scan(&r.RepoID, &r.BranchPattern, &directPush, &r.RequiredApprovals, &r.RequireTestsPass,
			&override, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan branch rule: %w", err)
		}
		r.DirectPush = models.DirectPush(directPush)
		if override.Valid {
			v := override.Float64
			r.ConsensusThresholdOverride = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Merge queue ---------------------------------------------------------

// EnqueueMerge adds a stream to the merge queue at the given priority rank.
func (s *Store) EnqueueMerge(ctx context.Context, repoID, streamID string, priorityRank int) (int64, error) {
	if err := checkID(repoID, streamID); err != nil {
		return 0, err
	}
	switch s.dialect {
	case Postgres:
		q := fmt.Sprintf(`INSERT INTO %s (repo_id, stream_id, priority_rank, consensus_timestamp)
			VALUES ($1,$2,$3,$4) RETURNING enqueue_seq`, s.t("merge_queue"))
		var seq int64
		err := s.exec.QueryRowContext(ctx, q, repoID, streamID, priorityRank, time.Now().UTC()).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("enqueue merge: %w", err)
		}
		return seq, nil
	default:
		q := fmt.Sprintf(`INSERT INTO %s (repo_id, stream_id, priority_rank, consensus_timestamp)
			VALUES (?,?,?,?)`, s.t("merge_queue"))
		res, err := s.exec.ExecContext(ctx, q, repoID, streamID, priorityRank, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("enqueue merge: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("read enqueue seq: %w", err)
		}
		return seq, nil
	}
}

// MergeQueueEntry is one row of the merge queue.
type MergeQueueEntry struct {
	EnqueueSeq   int64
	RepoID       string
	StreamID     string
	PriorityRank int
}

// ListQueuedMerges returns the repo's queue in composite-key order:
// (priority_rank ASC, consensus_timestamp ASC, enqueue_seq ASC).
func (s *Store) ListQueuedMerges(ctx context.Context, repoID string) ([]MergeQueueEntry, error) {
	if err := checkID(repoID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT enqueue_seq, repo_id, stream_id, priority_rank FROM %s
		WHERE repo_id = %s ORDER BY priority_rank ASC, consensus_timestamp ASC, enqueue_seq ASC`,
		s.t("merge_queue"), s.ph(1))
	rows, err := s.exec.QueryContext(ctx, q, repoID)
	if err != nil {
		return nil, fmt.Errorf("list queued merges: %w", err)
	}
	defer rows.Close()

	var out []MergeQueueEntry
	for rows.Next() {
		var e MergeQueueEntry
		if err := rows.Scan(&e.EnqueueSeq, &e.RepoID, &e.StreamID, &e.PriorityRank); err != nil {
			return nil, fmt.Errorf("scan merge queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DequeueMerge removes an entry once it has been processed (merged, or
// skipped permanently).
func (s *Store) DequeueMerge(ctx context.Context, enqueueSeq int64) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE enqueue_seq = %s`, s.t("merge_queue"), s.ph(1))
	_, err := s.exec.ExecContext(ctx, q, enqueueSeq)
	if err != nil {
		return fmt.Errorf("dequeue merge: %w", err)
	}
	return nil
}

// --- Conflicts -----------------------------------------------------------

// ConflictStatus is the lifecycle of a routed merge conflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// InsertConflict records a conflict(files, src, tgt) result from mechanics
//.
func (s *Store) InsertConflict(ctx context.Context, id string, streamID string, files []byte, src, tgt string) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, stream_id, files, src, tgt, status) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.t("conflicts"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err := s.exec.ExecContext(ctx, q, id, streamID, files, src, tgt, string(ConflictPending))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ResolveConflict marks a conflict resolved once its stream receives a new
// commit: resolution is always a new commit in the same stream.
func (s *Store) ResolveConflict(ctx context.Context, streamID string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = %s WHERE stream_id = %s AND status = %s`,
		s.t("conflicts"), s.ph(1), s.ph(2), s.ph(3))
	_, err := s.exec.ExecContext(ctx, q, string(ConflictResolved), streamID, string(ConflictPending))
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return nil
}

// --- metadata helpers ------------------------------------------------

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
