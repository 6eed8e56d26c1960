package worktree

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Manager produces (path, branch) pairs for task attempts and tears them
// down afterward (spec.md §4.4). Grounded on the teacher's WorktreeManager,
// narrowed to a single force-remove-then-create policy since the spec has
// no separate merge-strategy concept at this layer — merging belongs to the
// Integrator (C8).
type Manager struct {
	cfg Config
	git GitOps
}

// New creates a Manager. If git is nil, the real exec.Command-backed
// implementation is used.
func New(cfg Config, git GitOps) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if git == nil {
		git = NewGitOps(cfg.RepoPath)
	}
	return &Manager{cfg: cfg, git: git}
}

// Git returns the Manager's GitOps seam, so a caller that needs lower-level
// operations (auto-commit, commit counting, cleanliness checks) doesn't have
// to construct its own.
func (m *Manager) Git() GitOps { return m.git }

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases, collapses runs of non-alphanumerics to a single hyphen,
// strips leading/trailing hyphens, and truncates to 50 characters
// (spec.md §4.4). It is idempotent: Slug(Slug(x)) == Slug(x).
func Slug(title string) string {
	s := strings.ToLower(title)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = s[:50]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BranchName returns the deterministic branch name for one task attempt.
func (m *Manager) BranchName(agentN int, taskTitle string) string {
	return fmt.Sprintf("%s/agent-%d-%s", m.cfg.Prefix, agentN, Slug(taskTitle))
}

// Create materializes a fresh worktree on a new branch based on BaseBranch.
// Any prior worktree/branch holding the same name is force-removed first,
// so resumed runs tolerate crashed predecessors (spec.md §4.4).
func (m *Manager) Create(ctx context.Context, agentN int, taskID, taskTitle string) (*Info, error) {
	branch := m.BranchName(agentN, taskTitle)
	path := filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, fmt.Sprintf("agent-%d", agentN))

	if _, err := os.Stat(path); err == nil {
		if err := m.git.RemoveWorktree(ctx, path, true); err != nil {
			log.Printf("worktree: force-removing stale path %s: %v", path, err)
		}
	}
	_ = m.git.DeleteBranch(ctx, branch, true)

	if err := m.git.AddWorktree(ctx, path, branch, m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("worktree: creating %s: %w", path, err)
	}

	return &Info{Path: path, Branch: branch, TaskID: taskID}, nil
}

// Teardown removes a worktree and deletes its branch. If the working tree
// is dirty, the worktree is preserved and a warning logged instead of
// destroying uncommitted work (spec.md §4.4).
func (m *Manager) Teardown(ctx context.Context, info *Info) error {
	clean, err := m.git.IsClean(ctx, info.Path)
	if err != nil {
		return fmt.Errorf("worktree: checking cleanliness of %s: %w", info.Path, err)
	}
	if !clean {
		log.Printf("worktree: %s is dirty, preserving it instead of tearing down", info.Path)
		return nil
	}

	if err := m.git.RemoveWorktree(ctx, info.Path, false); err != nil {
		return fmt.Errorf("worktree: removing %s: %w", info.Path, err)
	}
	if err := m.git.DeleteBranch(ctx, info.Branch, false); err != nil {
		return fmt.Errorf("worktree: deleting branch %s: %w", info.Branch, err)
	}
	return nil
}

// ReleaseSuccessful removes a worktree's directory without touching its
// branch, for a task attempt that produced commits the Integrator still
// needs to merge. Deleting the branch here would destroy work the Integrator
// hasn't consumed yet — that deletion only happens after a successful merge
// (spec.md §4.8 step 4).
func (m *Manager) ReleaseSuccessful(ctx context.Context, info *Info) error {
	if err := m.git.RemoveWorktree(ctx, info.Path, false); err != nil {
		return fmt.Errorf("worktree: releasing %s: %w", info.Path, err)
	}
	return nil
}

// GC prunes every worktree/branch matching "<prefix>/agent-*" whose
// worktree directory is absent or unreferenced. Run once at Coordinator
// startup (spec.md §4.4) to reap the mess left by a crashed prior run.
func (m *Manager) GC(ctx context.Context) error {
	if err := m.git.Prune(ctx); err != nil {
		return fmt.Errorf("worktree: prune: %w", err)
	}

	infos, err := m.git.ListWorktrees(ctx)
	if err != nil {
		return fmt.Errorf("worktree: listing worktrees: %w", err)
	}

	prefix := m.cfg.Prefix + "/agent-"
	for _, info := range infos {
		if !strings.HasPrefix(info.Branch, prefix) {
			continue
		}
		if _, statErr := os.Stat(info.Path); statErr == nil {
			continue // worktree directory still present and referenced
		}
		if err := m.git.RemoveWorktree(ctx, info.Path, true); err != nil {
			log.Printf("worktree: gc: removing stale worktree %s: %v", info.Path, err)
		}
		if err := m.git.DeleteBranch(ctx, info.Branch, true); err != nil {
			log.Printf("worktree: gc: deleting stale branch %s: %v", info.Branch, err)
		}
	}
	return nil
}
