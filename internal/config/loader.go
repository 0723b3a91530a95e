package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a repo config from .gitswarm/config.yml at path.
// After parsing, zero-valued fields are filled from the documented defaults
//.
func Load(path string) (*RepoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadForRepo loads .gitswarm/config.yml from repoDir, returning defaults
// unmodified if the file does not exist (a repo need not carry a config.yml
// at all — every repo-owned field then takes its documented default).
func LoadForRepo(repoDir string) (*RepoConfig, error) {
	path := filepath.Join(repoDir, ".gitswarm", "config.yml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		return &cfg, nil
	}
	return Load(path)
}

// Default returns a RepoConfig with every documented default applied.
func Default() RepoConfig {
	cfg := RepoConfig{}
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults fills unset fields with their documented defaults. Most
// scalars default from their zero value (empty string, 0). auto_revert_on_red
// and flake_detection.enabled default to true, which a bare bool can't
// represent against "key omitted" — those two are *bool so a missing key
// and an explicit false are distinguishable.
func applyDefaults(cfg *RepoConfig) {
	if cfg.MergeMode == "" {
		cfg.MergeMode = "review"
	}
	if cfg.OwnershipModel == "" {
		cfg.OwnershipModel = "guild"
	}
	if cfg.ConsensusThreshold == 0 {
		cfg.ConsensusThreshold = 0.66
	}
	if cfg.MinReviews == 0 {
		cfg.MinReviews = 1
	}
	if cfg.HumanReviewWeight == 0 {
		cfg.HumanReviewWeight = 1.5
	}
	if cfg.BufferBranch == "" {
		cfg.BufferBranch = "buffer"
	}
	if cfg.PromoteTarget == "" {
		cfg.PromoteTarget = "main"
	}
	if cfg.StabilizeTimeoutSecs == 0 {
		cfg.StabilizeTimeoutSecs = 1800
	}
	if cfg.AutoRevertOnRed == nil {
		t := true
		cfg.AutoRevertOnRed = &t
	}
	if cfg.FlakeDetection.Enabled == nil {
		t := true
		cfg.FlakeDetection.Enabled = &t
	}
	if cfg.MergeQueue.BatchSize == 0 {
		cfg.MergeQueue.BatchSize = 1
	}
	if cfg.FlakeDetection.RetryCount == 0 {
		cfg.FlakeDetection.RetryCount = 3
	}
	if cfg.FlakeDetection.FlakyThreshold == 0 {
		cfg.FlakeDetection.FlakyThreshold = 0.5
	}
	if len(cfg.BranchRules) == 0 {
		cfg.BranchRules = []BranchRule{
			{
				Pattern:            "main",
				DirectPush:         "none",
				RequiredApprovals:  2,
				RequireTestsPass:   true,
			},
		}
	}
}
