package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validConfig = `
merge_mode: gated
ownership_model: guild
consensus_threshold: 0.75
min_reviews: 2
human_review_weight: 1.5
buffer_branch: buffer
promote_target: main
auto_promote_on_green: true
auto_revert_on_red: true
stabilize_command: "make test"
stabilize_timeout_seconds: 600
flake_detection:
  enabled: true
  retry_count: 3
  flaky_threshold: 0.5
merge_queue:
  batch_size: 4
  bisect_on_failure: true
branch_rules:
  - pattern: main
    direct_push: none
    required_approvals: 2
    require_tests_pass: true
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MergeMode != "gated" {
		t.Errorf("MergeMode = %q, want gated", cfg.MergeMode)
	}
	if cfg.ConsensusThreshold != 0.75 {
		t.Errorf("ConsensusThreshold = %v, want 0.75", cfg.ConsensusThreshold)
	}
	if cfg.MergeQueue.BatchSize != 4 {
		t.Errorf("MergeQueue.BatchSize = %d, want 4", cfg.MergeQueue.BatchSize)
	}
	if len(cfg.BranchRules) != 1 || cfg.BranchRules[0].Pattern != "main" {
		t.Errorf("BranchRules = %+v, want one rule for main", cfg.BranchRules)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "merge_mode: swarm\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.OwnershipModel != "guild" {
		t.Errorf("OwnershipModel default = %q, want guild", cfg.OwnershipModel)
	}
	if cfg.ConsensusThreshold != 0.66 {
		t.Errorf("ConsensusThreshold default = %v, want 0.66", cfg.ConsensusThreshold)
	}
	if cfg.MinReviews != 1 {
		t.Errorf("MinReviews default = %d, want 1", cfg.MinReviews)
	}
	if cfg.HumanReviewWeight != 1.5 {
		t.Errorf("HumanReviewWeight default = %v, want 1.5", cfg.HumanReviewWeight)
	}
	if cfg.BufferBranch != "buffer" {
		t.Errorf("BufferBranch default = %q, want buffer", cfg.BufferBranch)
	}
	if cfg.PromoteTarget != "main" {
		t.Errorf("PromoteTarget default = %q, want main", cfg.PromoteTarget)
	}
	if cfg.StabilizeTimeoutSecs != 1800 {
		t.Errorf("StabilizeTimeoutSecs default = %d, want 1800", cfg.StabilizeTimeoutSecs)
	}
	if cfg.MergeQueue.BatchSize != 1 {
		t.Errorf("MergeQueue.BatchSize default = %d, want 1", cfg.MergeQueue.BatchSize)
	}
	if len(cfg.BranchRules) != 1 || cfg.BranchRules[0].Pattern != "main" {
		t.Errorf("BranchRules default = %+v, want one rule for main", cfg.BranchRules)
	}
	if cfg.AutoRevertOnRed == nil || !*cfg.AutoRevertOnRed {
		t.Errorf("AutoRevertOnRed default = %v, want true", cfg.AutoRevertOnRed)
	}
	if cfg.FlakeDetection.Enabled == nil || !*cfg.FlakeDetection.Enabled {
		t.Errorf("FlakeDetection.Enabled default = %v, want true", cfg.FlakeDetection.Enabled)
	}
}

func TestLoadDoesNotOverrideExplicitFalse(t *testing.T) {
	path := writeConfig(t, "merge_mode: swarm\nauto_revert_on_red: false\nflake_detection:\n  enabled: false\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoRevertOnRed == nil || *cfg.AutoRevertOnRed {
		t.Errorf("AutoRevertOnRed = %v, want explicit false preserved", cfg.AutoRevertOnRed)
	}
	if cfg.FlakeDetection.Enabled == nil || *cfg.FlakeDetection.Enabled {
		t.Errorf("FlakeDetection.Enabled = %v, want explicit false preserved", cfg.FlakeDetection.Enabled)
	}
}

func TestLoadForRepoMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadForRepo(dir)
	if err != nil {
		t.Fatalf("LoadForRepo: %v", err)
	}
	if cfg.MergeMode != "review" {
		t.Errorf("MergeMode = %q, want review default", cfg.MergeMode)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if errs := Validate(&cfg); len(errs) != 0 {
		t.Errorf("default config should be valid, got errors: %v", errs)
	}

	bad := Default()
	bad.MergeMode = "bogus"
	bad.ConsensusThreshold = 1.5
	bad.MinReviews = 0
	errs := Validate(&bad)
	if len(errs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateBranchRules(t *testing.T) {
	cfg := Default()
	cfg.BranchRules = []BranchRule{
		{Pattern: "main", DirectPush: "none"},
		{Pattern: "main", DirectPush: "bogus"},
	}
	errs := Validate(&cfg)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors (duplicate pattern + bad direct_push), got %d: %v", len(errs), errs)
	}
}

func TestValidateServerPatch(t *testing.T) {
	offending := ValidateServerPatch(true, []string{"consensus_threshold", "stage", "min_reviews"})
	if len(offending) != 2 {
		t.Fatalf("expected 2 offending fields, got %v", offending)
	}

	none := ValidateServerPatch(false, []string{"consensus_threshold"})
	if len(none) != 0 {
		t.Errorf("no config.yml present -> no offending fields, got %v", none)
	}
}
