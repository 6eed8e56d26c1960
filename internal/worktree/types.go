// Package worktree implements the Worktree Manager (C4): materializing a
// fresh git worktree per task attempt and tearing it down afterward,
// grounded on the teacher's internal/worktree package but narrowed to the
// spec's single force-remove-then-create semantics instead of the teacher's
// ort/ours/theirs merge-strategy split (merging is the Integrator's job, C8,
// not this package's).
package worktree

import "context"

// Info describes one materialized worktree.
type Info struct {
	Path   string // absolute path to the worktree directory
	Branch string // e.g. "run-42/agent-3-add-login-page"
	TaskID string
}

// GitOps is the seam between this package (and the Integrator) and the
// actual git binary, so tests can supply a fake instead of shelling out.
type GitOps interface {
	ListWorktrees(ctx context.Context) ([]Info, error)
	AddWorktree(ctx context.Context, path, branch, from string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	Prune(ctx context.Context) error
	CreateBranch(ctx context.Context, branch, from string) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
	Checkout(ctx context.Context, ref string) error
	CommitAll(ctx context.Context, dir, message string) error
	CommitsBetween(ctx context.Context, base, head string) (int, error)
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
	MergeTree(ctx context.Context, base, branch string) (conflicts []string, err error)
	Merge(ctx context.Context, branch string) error
	AbortMerge(ctx context.Context) error
	IsClean(ctx context.Context, dir string) (bool, error)
}

// Config configures the Manager.
type Config struct {
	RepoPath    string // absolute path to the git repository
	BaseBranch  string // branch every worktree is created from
	WorktreeDir string // directory under RepoPath for worktrees (default ".worktrees")
	Prefix      string // branch name prefix, e.g. "run-42"
}
