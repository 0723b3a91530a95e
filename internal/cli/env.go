package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/gitswarm/internal/config"
	"github.com/lucasnoah/gitswarm/internal/consensus"
	"github.com/lucasnoah/gitswarm/internal/gitmechanics"
	"github.com/lucasnoah/gitswarm/internal/id"
	"github.com/lucasnoah/gitswarm/internal/identity"
	"github.com/lucasnoah/gitswarm/internal/logging"
	"github.com/lucasnoah/gitswarm/internal/merge"
	"github.com/lucasnoah/gitswarm/internal/models"
	"github.com/lucasnoah/gitswarm/internal/store"
	"github.com/lucasnoah/gitswarm/internal/store/sqlite"
	"github.com/lucasnoah/gitswarm/internal/stream"
	syncengine "github.com/lucasnoah/gitswarm/internal/sync"
)

// environment is the fully-wired set of services a CLI command runs
// against: the local store, the repo's config and federation row, and every
// service the command groups below delegate to. Built by newEnvironment.
type environment struct {
	repoDir string
	db      *sqlite.DB
	store   *store.Store
	cfg     *config.RepoConfig
	repo    models.Repo
	agent   models.Agent
	log     zerolog.Logger

	mechanics gitmechanics.Provider
	identity  *identity.Service
	consensus *consensus.Service
	streams   *stream.Service
	merge     *merge.Coordinator
	sync      *syncengine.Engine
}

// findRepoRoot walks up from the working directory looking for .git, the
// same way the federation.db's directory is located.
func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}

func gitswarmDir(repoDir string) string {
	return filepath.Join(repoDir, ".gitswarm")
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func repoIDPath(repoDir string) string {
	return filepath.Join(gitswarmDir(repoDir), "repo_id")
}

// repoFromConfig builds the Repo row's config-owned fields from a parsed
// config.yml. Server-owned fields start at conservative defaults until a
// sync.Engine poll or server registration sets them.
func repoFromConfig(repoID, name string, cfg *config.RepoConfig) models.Repo {
	return models.Repo{
		ID:                 repoID,
		Name:               name,
		MergeMode:          models.MergeMode(cfg.MergeMode),
		OwnershipModel:     models.OwnershipModel(cfg.OwnershipModel),
		ConsensusThreshold: cfg.ConsensusThreshold,
		MinReviews:         cfg.MinReviews,
		HumanReviewWeight:  cfg.HumanReviewWeight,
		AgentAccess:        models.AccessPublic,
		BufferBranch:       cfg.BufferBranch,
		PromoteTarget:      cfg.PromoteTarget,
		AutoPromoteOnGreen: cfg.AutoPromoteOnGreen,
		AutoRevertOnRed:    boolOr(cfg.AutoRevertOnRed, true),
		StabilizeCommand:   cfg.StabilizeCommand,
		Stage:              models.StageSeed,
		ConsensusAuthority: models.AuthorityLocal,
	}
}

// loadOrCreateRepo resolves this working copy's federation row, creating
// one from the parsed config.yml the first time any command runs against a
// fresh checkout.
func loadOrCreateRepo(ctx context.Context, s *store.Store, repoDir string, cfg *config.RepoConfig) (models.Repo, error) {
	if idBytes, err := os.ReadFile(repoIDPath(repoDir)); err == nil {
		repoID := string(idBytes)
		existing, err := s.GetRepo(ctx, repoID)
		if err != nil {
			return models.Repo{}, fmt.Errorf("load repo %s: %w", repoID, err)
		}
		if existing == nil {
			return models.Repo{}, fmt.Errorf("repo id %s cached but not found in store; rerun `gitswarm config init`", repoID)
		}
		return *existing, nil
	} else if !os.IsNotExist(err) {
		return models.Repo{}, fmt.Errorf("read repo id: %w", err)
	}

	repo := repoFromConfig(id.Generate(), filepath.Base(repoDir), cfg)
	if err := s.InsertRepo(ctx, repo); err != nil {
		return models.Repo{}, fmt.Errorf("insert repo: %w", err)
	}
	if err := os.MkdirAll(gitswarmDir(repoDir), 0o755); err != nil {
		return models.Repo{}, fmt.Errorf("create .gitswarm dir: %w", err)
	}
	if err := os.WriteFile(repoIDPath(repoDir), []byte(repo.ID), 0o644); err != nil {
		return models.Repo{}, fmt.Errorf("cache repo id: %w", err)
	}
	return repo, nil
}

// resolveAgent finds the acting agent by name, registering a fresh one with
// zero karma on first sight — an agent earns karma through reviews and
// merges, it doesn't need to pre-exist.
func resolveAgent(ctx context.Context, s *store.Store, name string) (models.Agent, error) {
	if name == "" {
		name = os.Getenv("GITSWARM_AGENT_ID")
	}
	if name == "" {
		return models.Agent{}, fmt.Errorf("no acting agent: pass --agent or set GITSWARM_AGENT_ID")
	}

	existing, err := s.GetAgentByName(ctx, name)
	if err != nil {
		return models.Agent{}, fmt.Errorf("look up agent %s: %w", name, err)
	}
	if existing != nil {
		return *existing, nil
	}

	a := models.Agent{ID: id.Generate(), Name: name, Status: models.AgentActive}
	if err := s.InsertAgent(ctx, a); err != nil {
		return models.Agent{}, fmt.Errorf("register agent %s: %w", name, err)
	}
	return a, nil
}

// newEnvironment opens the local store, loads config and the repo row,
// resolves the acting agent, and wires every service together. The returned
// cleanup func closes the database; callers must defer it.
func newEnvironment() (*environment, func(), error) {
	repoDir, err := findRepoRoot()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadForRepo(repoDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := sqlite.Open(sqlite.DefaultPath(repoDir))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	cleanup := func() { db.Close() }

	ctx := context.Background()
	repo, err := loadOrCreateRepo(ctx, db.Store, repoDir, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	agent, err := resolveAgent(ctx, db.Store, agentFlag)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	log := logging.New(logging.Config{Level: logging.Level(logLevelFlag), Pretty: true})

	// A repo with no server configured runs entirely local: se.client is nil
	// and every RemoteEvaluator/RemoteMerger call reports "no remote
	// configured", which consensus.Service and merge.Coordinator already
	// treat as the partition case — a server-authority repo never silently
	// falls back to a local computation.
	var client *syncengine.Client
	if serverURL := os.Getenv("GITSWARM_SERVER_URL"); serverURL != "" {
		client = syncengine.NewClient(serverURL, os.Getenv("GITSWARM_SERVER_TOKEN"))
	}
	se := syncengine.New(db.Store, client, logging.Component(log, "sync"), 50)

	mechanics := gitmechanics.NewExecProvider(gitmechanics.ExecRunner{}, filepath.Join(gitswarmDir(repoDir), "worktrees"))
	idn := identity.New(db.Store)
	cons := consensus.New(db.Store, se)
	streams := stream.New(db.Store, idn, mechanics, nil)
	mc := merge.New(db.Store, mechanics, idn, cons, streams, se, logging.Component(log, "merge"))
	streams.SetAutoMerge(mc)

	env := &environment{
		repoDir: repoDir, db: db, store: db.Store, cfg: cfg, repo: repo, agent: agent, log: log,
		mechanics: mechanics, identity: idn, consensus: cons, streams: streams, merge: mc, sync: se,
	}
	return env, cleanup, nil
}
