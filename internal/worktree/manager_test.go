package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupTestRepo creates a temporary git repository for testing.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

func TestSlugTransform(t *testing.T) {
	cases := map[string]string{
		"Add Login Page":              "add-login-page",
		"  leading/trailing -- junk -": "leading-trailing-junk",
		"ALLCAPS_with_123":            "allcaps-with-123",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugTruncatesAt50Chars(t *testing.T) {
	long := "this is an extremely long task title that goes on and on and on well past the limit"
	got := Slug(long)
	if len(got) > 50 {
		t.Fatalf("slug length %d exceeds 50: %q", len(got), got)
	}
}

func TestSlugIsIdempotent(t *testing.T) {
	inputs := []string{"Add Login Page", "weird!!__chars***here", "already-a-slug"}
	for _, in := range inputs {
		once := Slug(in)
		twice := Slug(once)
		if once != twice {
			t.Errorf("Slug not idempotent for %q: Slug(x)=%q, Slug(Slug(x))=%q", in, once, twice)
		}
	}
}

func TestCreateForceRemovesStaleWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := New(Config{RepoPath: repo, BaseBranch: "main", Prefix: "run-1"}, nil)

	info1, err := m.Create(ctx, 0, "task-a", "First Task")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := os.Stat(info1.Path); err != nil {
		t.Fatalf("expected worktree to exist: %v", err)
	}

	// Simulate a crashed predecessor: same agent slot, same task title,
	// without tearing down. A second Create must force-remove and succeed.
	info2, err := m.Create(ctx, 0, "task-a", "First Task")
	if err != nil {
		t.Fatalf("second Create (should force-remove stale worktree): %v", err)
	}
	if info2.Branch != info1.Branch {
		t.Fatalf("expected identical deterministic branch name, got %q vs %q", info1.Branch, info2.Branch)
	}
}

func TestTeardownPreservesDirtyWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := New(Config{RepoPath: repo, BaseBranch: "main", Prefix: "run-1"}, nil)

	info, err := m.Create(ctx, 0, "task-a", "First Task")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(filepath.Join(info.Path, "uncommitted.txt"), []byte("wip"), 0644); err != nil {
		t.Fatalf("writing dirty file: %v", err)
	}

	if err := m.Teardown(ctx, info); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if _, err := os.Stat(info.Path); err != nil {
		t.Fatalf("expected dirty worktree to be preserved, but it's gone: %v", err)
	}
}

func TestTeardownRemovesCleanWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := New(Config{RepoPath: repo, BaseBranch: "main", Prefix: "run-1"}, nil)

	info, err := m.Create(ctx, 0, "task-a", "First Task")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Teardown(ctx, info); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if _, err := os.Stat(info.Path); err == nil {
		t.Fatal("expected clean worktree to be removed")
	}
}

func TestGCPrunesStaleAgentWorktrees(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	m := New(Config{RepoPath: repo, BaseBranch: "main", Prefix: "run-1"}, nil)

	info, err := m.Create(ctx, 0, "task-a", "First Task")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate a crash: the directory disappears but git metadata lingers.
	if err := os.RemoveAll(info.Path); err != nil {
		t.Fatalf("removing worktree dir: %v", err)
	}

	if err := m.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}

	infos, err := m.git.ListWorktrees(ctx)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	for _, wt := range infos {
		if wt.Branch == info.Branch {
			t.Fatalf("expected stale branch %s to be reaped by GC", info.Branch)
		}
	}
}
