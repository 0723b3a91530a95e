package config

// RepoConfig is the repo-owned configuration parsed from .gitswarm/config.yml.
// These fields are authoritative only from the config file; the server's
// own PATCH API rejects any attempt to set one of them (RepoOwnedFields).
type RepoConfig struct {
	MergeMode            string           `yaml:"merge_mode"`
	OwnershipModel       string           `yaml:"ownership_model"`
	ConsensusThreshold   float64          `yaml:"consensus_threshold"`
	MinReviews           int              `yaml:"min_reviews"`
	HumanReviewWeight    float64          `yaml:"human_review_weight"`
	BufferBranch         string           `yaml:"buffer_branch"`
	PromoteTarget        string           `yaml:"promote_target"`
	AutoPromoteOnGreen   bool             `yaml:"auto_promote_on_green"`
	AutoRevertOnRed      *bool            `yaml:"auto_revert_on_red"`
	StabilizeCommand     string           `yaml:"stabilize_command"`
	StabilizeTimeoutSecs int              `yaml:"stabilize_timeout_seconds"`
	FlakeDetection       FlakeDetection   `yaml:"flake_detection"`
	MergeQueue           MergeQueueConfig `yaml:"merge_queue"`
	BranchRules          []BranchRule     `yaml:"branch_rules"`
}

// FlakeDetection configures stabilization retry-on-red behavior.
type FlakeDetection struct {
	Enabled        *bool   `yaml:"enabled"`
	RetryCount     int     `yaml:"retry_count"`
	FlakyThreshold float64 `yaml:"flaky_threshold"`
}

// MergeQueueConfig configures the merge coordinator's queue.
type MergeQueueConfig struct {
	BatchSize           int  `yaml:"batch_size"`
	BatchMaxWaitSeconds int  `yaml:"batch_max_wait_seconds"`
	BisectOnFailure     bool `yaml:"bisect_on_failure"`
}

// BranchRule matches push/merge policy to a branch pattern.
type BranchRule struct {
	Pattern                    string   `yaml:"pattern"`
	DirectPush                 string   `yaml:"direct_push"` // none | maintainers | all
	RequiredApprovals          int      `yaml:"required_approvals"`
	RequireTestsPass           bool     `yaml:"require_tests_pass"`
	ConsensusThresholdOverride *float64 `yaml:"consensus_threshold_override,omitempty"`
	Priority                   int      `yaml:"priority"`
}

// ServerConfig holds server-owned settings — settable only via
// server API, never from config.yml. Kept as a disjoint, exhaustively typed
// struct so the two authority domains can never be confused at the type
// level.
type ServerConfig struct {
	AgentAccess          string `json:"agent_access"` // public | karma_threshold | allowlist
	MinKarma             int    `json:"min_karma"`
	IsPrivate            bool   `json:"is_private"`
	Stage                string `json:"stage"` // seed | growth | established | mature
	PluginsEnabled       bool   `json:"plugins_enabled"`
	RequireHumanApproval bool   `json:"require_human_approval"`
	HumanCanForceMerge   bool   `json:"human_can_force_merge"`
}

// RepoOwnedFields lists the YAML keys that are authoritative from config.yml.
// Used by the server's PATCH /repos/:id handler to detect and reject attempts
// to set a repo-owned key via the server API.
var RepoOwnedFields = map[string]bool{
	"merge_mode":                true,
	"ownership_model":           true,
	"consensus_threshold":       true,
	"min_reviews":               true,
	"human_review_weight":       true,
	"buffer_branch":             true,
	"promote_target":            true,
	"auto_promote_on_green":     true,
	"auto_revert_on_red":        true,
	"stabilize_command":         true,
	"stabilize_timeout_seconds": true,
	"flake_detection":           true,
	"merge_queue":               true,
	"branch_rules":              true,
}
