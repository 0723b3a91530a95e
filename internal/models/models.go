// Package models defines the shared entity types of the federation data
// model. These are plain structs shared by every store backend
// and service layer; no behavior lives here beyond small invariant helpers.
package models

import "time"

// AgentStatus is the lifecycle state of an Agent row.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// Agent is never deleted, only suspended.
type Agent struct {
	ID     string
	Name   string
	Karma  int
	Status AgentStatus
}

// MergeMode dispatches every commit/merge through mode-specific policy
//.
type MergeMode string

const (
	MergeModeSwarm  MergeMode = "swarm"
	MergeModeReview MergeMode = "review"
	MergeModeGated  MergeMode = "gated"
)

// OwnershipModel selects the consensus rule.
type OwnershipModel string

const (
	OwnershipSolo  OwnershipModel = "solo"
	OwnershipGuild OwnershipModel = "guild"
	OwnershipOpen  OwnershipModel = "open"
)

// AgentAccess controls default permission resolution.
type AgentAccess string

const (
	AccessPublic        AgentAccess = "public"
	AccessKarmaThreshold AgentAccess = "karma_threshold"
	AccessAllowlist      AgentAccess = "allowlist"
)

// RepoStage is monotonic: it never regresses.
type RepoStage string

const (
	StageSeed        RepoStage = "seed"
	StageGrowth      RepoStage = "growth"
	StageEstablished RepoStage = "established"
	StageMature      RepoStage = "mature"
)

var stageRank = map[RepoStage]int{
	StageSeed: 0, StageGrowth: 1, StageEstablished: 2, StageMature: 3,
}

// AdvancesFrom reports whether moving from prev to s is monotonic (s is the
// same stage or later).
func (s RepoStage) AdvancesFrom(prev RepoStage) bool {
	return stageRank[s] >= stageRank[prev]
}

// ConsensusAuthority starts local and becomes server on first successful
// remote connection; it never reverts.
type ConsensusAuthority string

const (
	AuthorityLocal  ConsensusAuthority = "local"
	AuthorityServer ConsensusAuthority = "server"
)

// Repo is the federation unit of governance.
type Repo struct {
	ID                 string
	Name               string
	MergeMode          MergeMode
	OwnershipModel     OwnershipModel
	ConsensusThreshold float64
	MinReviews         int
	HumanReviewWeight  float64
	AgentAccess        AgentAccess
	MinKarma           int
	BufferBranch       string
	PromoteTarget      string
	AutoPromoteOnGreen bool
	AutoRevertOnRed    bool
	StabilizeCommand   string
	Stage              RepoStage
	ConsensusAuthority ConsensusAuthority
	IsPrivate          bool
	PluginsEnabled     bool
}

// StreamStatus is the stream manager state machine's current node.
type StreamStatus string

const (
	StreamActive      StreamStatus = "active"
	StreamInReview    StreamStatus = "in_review"
	StreamMerged      StreamStatus = "merged"
	StreamAbandoned   StreamStatus = "abandoned"
	StreamConflicted  StreamStatus = "conflicted"
)

// IsTerminal reports whether status can no longer transition.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamMerged || s == StreamAbandoned
}

// ReviewStatus tracks whether a stream still needs review attention.
type ReviewStatus string

const (
	ReviewPending           ReviewStatus = "pending"
	ReviewApproved          ReviewStatus = "approved"
	ReviewChangesRequested  ReviewStatus = "changes_requested"
)

// StreamSource records how a stream was created.
type StreamSource string

const (
	SourceCLI        StreamSource = "cli"
	SourceAPI        StreamSource = "api"
	SourceExternalPR StreamSource = "external_pr"
)

// Stream is a unit of work corresponding 1:1 with a git branch.
type Stream struct {
	ID             string
	RepoID         string
	AgentID        string
	Branch         string
	BaseBranch     string
	ParentStreamID *string
	TaskID         *string
	Status         StreamStatus
	ReviewStatus   ReviewStatus
	Source         StreamSource
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ReviewVerdict is the reviewer's judgment on a stream.
type ReviewVerdict string

const (
	VerdictApprove        ReviewVerdict = "approve"
	VerdictRequestChanges ReviewVerdict = "request_changes"
	VerdictComment        ReviewVerdict = "comment"
)

// Review is unique on (StreamID, ReviewerID): the most recent verdict
// replaces the prior.
type Review struct {
	ID         string
	StreamID   string
	ReviewerID string
	Verdict    ReviewVerdict
	IsHuman    bool
	Tested     bool
	ReviewedAt time.Time
}

// TaskClaimStatus is the lifecycle of an agent's claim on a task.
type TaskClaimStatus string

const (
	ClaimActive    TaskClaimStatus = "active"
	ClaimSubmitted TaskClaimStatus = "submitted"
	ClaimApproved  TaskClaimStatus = "approved"
	ClaimRejected  TaskClaimStatus = "rejected"
	ClaimAbandoned TaskClaimStatus = "abandoned"
)

// Task is a work advertisement an agent can claim.
type Task struct {
	ID          string
	RepoID      string
	Title       string
	Description string
	Priority    string
	CreatedAt   time.Time
}

// TaskClaim binds an agent to a task and, once work begins, to the stream
// that fulfills it.
type TaskClaim struct {
	ID       string
	TaskID   string
	AgentID  string
	StreamID *string
	Status   TaskClaimStatus
}

// SyncEventType enumerates the append-only offline queue's event kinds
//.
type SyncEventType string

const (
	EventStreamCreated     SyncEventType = "stream_created"
	EventStreamAbandoned   SyncEventType = "stream_abandoned"
	EventCommit            SyncEventType = "commit"
	EventReview            SyncEventType = "review"
	EventConsensusReached  SyncEventType = "consensus_reached"
	EventMergeRequested    SyncEventType = "merge_requested"
	EventMergeCompleted    SyncEventType = "merge_completed"
	EventStabilization     SyncEventType = "stabilization"
	EventPromotion         SyncEventType = "promotion"
	EventTaskSubmission    SyncEventType = "task_submission"
	EventCouncilProposal   SyncEventType = "council_proposal"
	EventCouncilVote       SyncEventType = "council_vote"
	EventStageProgression  SyncEventType = "stage_progression"
	EventPluginExecuted    SyncEventType = "plugin_executed"
)

// SyncEvent is one row of the offline append-only queue.
type SyncEvent struct {
	Seq       int64
	RepoID    string
	EventType SyncEventType
	Payload   []byte // JSON
	CreatedAt time.Time
	Attempts  int
	LastError *string
}

// StabilizationResult classifies a stabilize run.
type StabilizationResult string

const (
	ResultGreen  StabilizationResult = "green"
	ResultRed    StabilizationResult = "red"
	ResultFlaky  StabilizationResult = "flaky"
	ResultTimeout StabilizationResult = "timeout"
)

// Stabilization is one recorded run of the stabilize command against buffer.
type Stabilization struct {
	ID               string
	RepoID           string
	Result           StabilizationResult
	BufferCommit     string
	Tag              *string
	BreakingStreamID *string
	Details          string
	StabilizedAt     time.Time
}

// DirectPush controls whether a branch rule allows pushing without review.
type DirectPush string

const (
	DirectPushNone        DirectPush = "none"
	DirectPushMaintainers DirectPush = "maintainers"
	DirectPushAll         DirectPush = "all"
)

// BranchRule matches push/merge policy to a branch pattern, longest-literal
// match wins, with `*` as glob.
type BranchRule struct {
	RepoID                     string
	BranchPattern              string
	DirectPush                 DirectPush
	RequiredApprovals          int
	RequireTestsPass           bool
	ConsensusThresholdOverride *float64
	Priority                   int
}

// PermissionLevel is the resolved access an agent holds on a repo.
type PermissionLevel string

const (
	LevelNone     PermissionLevel = "none"
	LevelRead     PermissionLevel = "read"
	LevelWrite    PermissionLevel = "write"
	LevelMaintain PermissionLevel = "maintain"
	LevelAdmin    PermissionLevel = "admin"
)

var levelRank = map[PermissionLevel]int{
	LevelNone: 0, LevelRead: 1, LevelWrite: 2, LevelMaintain: 3, LevelAdmin: 4,
}

// AtLeast reports whether l grants at least the access of other.
func (l PermissionLevel) AtLeast(other PermissionLevel) bool {
	return levelRank[l] >= levelRank[other]
}

// MaintainerRole is an explicit repo role independent of AgentAccess.
type MaintainerRole string

const (
	RoleNone       MaintainerRole = ""
	RoleMaintainer MaintainerRole = "maintainer"
	RoleOwner      MaintainerRole = "owner"
)

// Action is a permission-gated operation.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionMerge    Action = "merge"
	ActionSettings Action = "settings"
	ActionDelete   Action = "delete"
)

// ConsensusReason enumerates why checkConsensus returned its verdict
//.
type ConsensusReason string

const (
	ReasonInsufficientReviews ConsensusReason = "insufficient_reviews"
	ReasonOwnerRejected       ConsensusReason = "owner_rejected"
	ReasonAwaitingOwner       ConsensusReason = "awaiting_owner"
	ReasonNoMaintainerReviews ConsensusReason = "no_maintainer_reviews"
	ReasonBelowThreshold      ConsensusReason = "below_threshold"
	ReasonConsensusReached    ConsensusReason = "consensus_reached"
	ReasonServerUnavailable   ConsensusReason = "server_unavailable"
	ReasonStaleReviews        ConsensusReason = "stale_reviews"
)

// ConsensusResult is the output of the consensus service.
type ConsensusResult struct {
	Reached               bool
	Reason                ConsensusReason
	Ratio                 *float64
	Threshold             float64
	Approvals             int
	Rejections            int
	IsServerAuthoritative bool
}
