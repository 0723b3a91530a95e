// Package gitmechanics is the thin typed facade over the external git
// mechanics provider. The provider owns worktree
// creation, commit object creation, cascade rebase and Change-Id
// assignment; the federation engine treats it as opaque and never issues
// git commands of its own outside this package. Provider is the complete
// interface any real provider must satisfy; ExecProvider below is the
// reference implementation, which shells out via exec.Command("git", ...).
package gitmechanics

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Conflict is returned by MergeStream and CascadeRebase when a merge
// cannot be completed automatically.
type Conflict struct {
	Files  []string
	Src    string
	Tgt    string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("conflict merging %s into %s: %d file(s)", c.Src, c.Tgt, len(c.Files))
}

// CommitResult is returned by Commit.
type CommitResult struct {
	CommitHash string
	ChangeID   string
}

// MergeResult is returned by MergeStream on success.
type MergeResult struct {
	CommitHash string
}

// RebaseOutcome is one stream's result from CascadeRebase.
type RebaseOutcome struct {
	StreamID string
	OK       bool
	Conflict *Conflict
}

// Operation is one atomic operation in the bisect log returned by
// OperationsSince.
type Operation struct {
	ID        string
	StreamID  string
	Kind      string // "merge" | "commit" | "rollback"
	CommitSHA string
}

// Provider is the complete git mechanics interface. Policy code (stream
// manager, merge coordinator) depends only on this
// interface; mechanics failures are surfaced verbatim to callers, who never
// reissue a git command directly.
type Provider interface {
	CreateStream(ctx context.Context, repoDir, base string, parentStreamID *string) (streamID string, err error)
	CreateWorktree(ctx context.Context, repoDir, streamID, agentID string) (worktreePath string, err error)
	Commit(ctx context.Context, worktreePath, message, agentID string) (*CommitResult, error)
	MergeStream(ctx context.Context, repoDir, streamBranch, targetBranch string) (*MergeResult, error)
	CascadeRebase(ctx context.Context, repoDir string, streamBranches map[string]string, newParentBranch string) ([]RebaseOutcome, error)
	RollbackToOperation(ctx context.Context, repoDir, opID string) (newHead string, err error)
	OperationsSince(ctx context.Context, repoDir, tag string) ([]Operation, error)
	Diff(ctx context.Context, repoDir, streamBranch, against string) (string, error)
	ChangedFiles(ctx context.Context, repoDir, streamBranch string) ([]string, error)
}

// Runner executes a git command in a working directory. Exists so tests can
// substitute a fake without shelling out.
type Runner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ExecProvider is the reference Provider implementation: plain git
// plumbing, no server-side provider. It's sufficient to exercise every
// operation in the Provider interface end to end in a single local
// repository; a production deployment would swap this for whatever
// dedicated git mechanics service it runs, as long as it satisfies Provider.
type ExecProvider struct {
	git        Runner
	worktreeDir string // <repo>/.gitswarm/worktrees
}

// NewExecProvider constructs the reference provider. worktreeDir is the
// base directory worktrees are created under.
func NewExecProvider(git Runner, worktreeDir string) *ExecProvider {
	return &ExecProvider{git: git, worktreeDir: worktreeDir}
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// CreateStream creates a branch for a new stream off base and returns the
// stream's canonical id. parentStreamID is not used by this provider: the
// branch is always cut from base, and the dependency is recorded only on the
// stream's policy row.
// The caller (stream manager) is responsible for persisting the returned id
// as the stream's policy-row id — the two rows share it 1:1.
func (p *ExecProvider) CreateStream(ctx context.Context, repoDir, base string, parentStreamID *string) (string, error) {
	streamID := newStreamID()
	branch := "stream/" + streamID
	if _, err := p.git.Run(repoDir, "branch", branch, base); err != nil {
		return "", fmt.Errorf("create stream branch: %w", err)
	}
	return streamID, nil
}

// CreateWorktree creates an isolated worktree for agentID to work in stream
// streamID. No two agents may share a worktree.
func (p *ExecProvider) CreateWorktree(ctx context.Context, repoDir, streamID, agentID string) (string, error) {
	branch := sanitizeBranch("stream/" + streamID)
	worktreePath := filepath.Join(p.worktreeDir, sanitizeBranch(agentID)+"-"+streamID)
	if _, err := p.git.Run(repoDir, "worktree", "add", worktreePath, branch); err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}
	return worktreePath, nil
}

// Commit stages all changes in worktreePath and commits them.
func (p *ExecProvider) Commit(ctx context.Context, worktreePath, message, agentID string) (*CommitResult, error) {
	if _, err := p.git.Run(worktreePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	changeID := newChangeID()
	fullMessage := fmt.Sprintf("%s\n\nChange-Id: %s", message, changeID)
	if _, err := p.git.Run(worktreePath, "commit", "--author", agentID+" <"+agentID+"@gitswarm.local>", "-m", fullMessage); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	sha, err := p.git.Run(worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve commit hash: %w", err)
	}
	return &CommitResult{CommitHash: sha, ChangeID: changeID}, nil
}

// MergeStream merges streamBranch into targetBranch. On conflict it aborts
// the merge and returns a *Conflict; callers route that to conflict
// handling rather than treating it as a fatal mechanics error.
func (p *ExecProvider) MergeStream(ctx context.Context, repoDir, streamBranch, targetBranch string) (*MergeResult, error) {
	if _, err := p.git.Run(repoDir, "checkout", targetBranch); err != nil {
		return nil, fmt.Errorf("checkout target: %w", err)
	}
	_, err := p.git.Run(repoDir, "merge", "--no-ff", streamBranch)
	if err != nil {
		files, _ := p.git.Run(repoDir, "diff", "--name-only", "--diff-filter=U")
		p.git.Run(repoDir, "merge", "--abort")
		return nil, &Conflict{Files: splitLines(files), Src: streamBranch, Tgt: targetBranch}
	}
	sha, err := p.git.Run(repoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve merge commit: %w", err)
	}
	return &MergeResult{CommitHash: sha}, nil
}

// CascadeRebase rebases every given stream branch onto newParentBranch,
// used both after a swarm merge advances the buffer branch and after a
// stabilization revert resets it.
func (p *ExecProvider) CascadeRebase(ctx context.Context, repoDir string, streamBranches map[string]string, newParentBranch string) ([]RebaseOutcome, error) {
	var outcomes []RebaseOutcome
	for streamID, branch := range streamBranches {
		if _, err := p.git.Run(repoDir, "checkout", branch); err != nil {
			outcomes = append(outcomes, RebaseOutcome{StreamID: streamID, OK: false})
			continue
		}
		_, err := p.git.Run(repoDir, "rebase", newParentBranch)
		if err != nil {
			files, _ := p.git.Run(repoDir, "diff", "--name-only", "--diff-filter=U")
			p.git.Run(repoDir, "rebase", "--abort")
			outcomes = append(outcomes, RebaseOutcome{
				StreamID: streamID, OK: false,
				Conflict: &Conflict{Files: splitLines(files), Src: branch, Tgt: newParentBranch},
			})
			continue
		}
		outcomes = append(outcomes, RebaseOutcome{StreamID: streamID, OK: true})
	}
	return outcomes, nil
}

// RollbackToOperation reverses operations after opID, returning the new
// buffer HEAD. Used by the stabilization bisect procedure to back the buffer
// out to the last known-good operation.
func (p *ExecProvider) RollbackToOperation(ctx context.Context, repoDir, opID string) (string, error) {
	if _, err := p.git.Run(repoDir, "reset", "--hard", opID); err != nil {
		return "", fmt.Errorf("rollback to %s: %w", opID, err)
	}
	sha, err := p.git.Run(repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve post-rollback head: %w", err)
	}
	return sha, nil
}

// OperationsSince returns the ordered list of merge commits since tag, used
// by the stabilization bisect procedure.
func (p *ExecProvider) OperationsSince(ctx context.Context, repoDir, tag string) ([]Operation, error) {
	rangeSpec := tag + "..HEAD"
	if tag == "" {
		rangeSpec = "HEAD"
	}
	out, err := p.git.Run(repoDir, "log", "--merges", "--reverse", "--pretty=format:%H", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("list operations since %s: %w", tag, err)
	}
	var ops []Operation
	for _, sha := range splitLines(out) {
		if sha == "" {
			continue
		}
		ops = append(ops, Operation{ID: sha, Kind: "merge", CommitSHA: sha})
	}
	return ops, nil
}

// Diff returns the textual diff of streamBranch against another ref.
func (p *ExecProvider) Diff(ctx context.Context, repoDir, streamBranch, against string) (string, error) {
	out, err := p.git.Run(repoDir, "diff", against+"..."+streamBranch)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return out, nil
}

// ChangedFiles returns the paths that differ between repoDir's working tree
// and streamBranch (git diff --name-only <streamBranch>); no merge base is
// computed.
func (p *ExecProvider) ChangedFiles(ctx context.Context, repoDir, streamBranch string) ([]string, error) {
	out, err := p.git.Run(repoDir, "diff", "--name-only", streamBranch)
	if err != nil {
		return nil, fmt.Errorf("changed files: %w", err)
	}
	return splitLines(out), nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
