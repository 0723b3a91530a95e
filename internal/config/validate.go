package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validMergeModes = map[string]bool{"swarm": true, "review": true, "gated": true}
var validOwnershipModels = map[string]bool{"solo": true, "guild": true, "open": true}
var validDirectPush = map[string]bool{"none": true, "maintainers": true, "all": true}

// Validate checks a RepoConfig for structural and semantic errors: min_reviews
// >= 1, 0 <= consensus_threshold <= 1, and every enumerated field holding a
// recognized value. Returns every error found rather than failing fast.
func Validate(cfg *RepoConfig) []ValidationError {
	var errs []ValidationError

	if !validMergeModes[cfg.MergeMode] {
		errs = append(errs, ValidationError{Field: "merge_mode", Message: fmt.Sprintf("unrecognized value %q", cfg.MergeMode)})
	}
	if !validOwnershipModels[cfg.OwnershipModel] {
		errs = append(errs, ValidationError{Field: "ownership_model", Message: fmt.Sprintf("unrecognized value %q", cfg.OwnershipModel)})
	}
	if cfg.ConsensusThreshold < 0 || cfg.ConsensusThreshold > 1 {
		errs = append(errs, ValidationError{Field: "consensus_threshold", Message: "must be between 0.0 and 1.0"})
	}
	if cfg.MinReviews < 1 {
		errs = append(errs, ValidationError{Field: "min_reviews", Message: "must be >= 1"})
	}
	if cfg.HumanReviewWeight < 0 {
		errs = append(errs, ValidationError{Field: "human_review_weight", Message: "must be >= 0"})
	}
	if cfg.BufferBranch == "" {
		errs = append(errs, ValidationError{Field: "buffer_branch", Message: "is required"})
	}
	if cfg.PromoteTarget == "" {
		errs = append(errs, ValidationError{Field: "promote_target", Message: "is required"})
	}
	if cfg.StabilizeTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "stabilize_timeout_seconds", Message: "must be >= 0"})
	}
	if cfg.FlakeDetection.Enabled != nil && *cfg.FlakeDetection.Enabled {
		if cfg.FlakeDetection.RetryCount < 1 {
			errs = append(errs, ValidationError{Field: "flake_detection.retry_count", Message: "must be >= 1 when flake detection is enabled"})
		}
		if cfg.FlakeDetection.FlakyThreshold < 0 || cfg.FlakeDetection.FlakyThreshold > 1 {
			errs = append(errs, ValidationError{Field: "flake_detection.flaky_threshold", Message: "must be between 0.0 and 1.0"})
		}
	}
	if cfg.MergeQueue.BatchSize < 1 {
		errs = append(errs, ValidationError{Field: "merge_queue.batch_size", Message: "must be >= 1"})
	}

	seenPatterns := make(map[string]bool)
	for i, r := range cfg.BranchRules {
		prefix := fmt.Sprintf("branch_rules[%d]", i)
		if r.Pattern == "" {
			errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: "is required"})
		} else if seenPatterns[r.Pattern] {
			errs = append(errs, ValidationError{Field: prefix + ".pattern", Message: fmt.Sprintf("duplicate pattern %q", r.Pattern)})
		}
		seenPatterns[r.Pattern] = true

		if !validDirectPush[r.DirectPush] {
			errs = append(errs, ValidationError{Field: prefix + ".direct_push", Message: fmt.Sprintf("unrecognized value %q", r.DirectPush)})
		}
		if r.RequiredApprovals < 0 {
			errs = append(errs, ValidationError{Field: prefix + ".required_approvals", Message: "must be >= 0"})
		}
		if r.ConsensusThresholdOverride != nil && (*r.ConsensusThresholdOverride < 0 || *r.ConsensusThresholdOverride > 1) {
			errs = append(errs, ValidationError{Field: prefix + ".consensus_threshold_override", Message: "must be between 0.0 and 1.0"})
		}
	}

	return errs
}

// ValidateServerPatch compares the field names in a server-side PATCH
// request against RepoOwnedFields and returns the offending field names.
// A non-empty result means the server must reject the patch with HTTP 409
// because this repo carries a config.yml and
// the patch attempted to set a field config.yml alone is authoritative for.
func ValidateServerPatch(hasConfigYML bool, patchFields []string) []string {
	if !hasConfigYML {
		return nil
	}
	var offending []string
	for _, f := range patchFields {
		if RepoOwnedFields[f] {
			offending = append(offending, f)
		}
	}
	return offending
}
