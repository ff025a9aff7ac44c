package git

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func commitFile(t *testing.T, repo *gogit.Repository, dir, name, content, msg string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

func initRepo(t *testing.T) (string, *gogit.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return dir, repo
}

func TestRecentCommit(t *testing.T) {
	dir, repo := initRepo(t)
	before := time.Now().Add(-time.Minute)
	hash := commitFile(t, repo, dir, "a.txt", "one\ntwo\n", "first")

	got, err := RecentCommit(dir, before)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hash {
		t.Fatalf("expected %s, got %s", hash, got)
	}
}

func TestRecentCommitNoneSince(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one\n", "first")

	_, err := RecentCommit(dir, time.Now().Add(time.Hour))
	if !errors.Is(err, ErrNoCommit) {
		t.Fatalf("expected ErrNoCommit, got %v", err)
	}
}

func TestCommitStats(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one\ntwo\nthree\n", "first")
	second := commitFile(t, repo, dir, "a.txt", "one\nTWO\nthree\nfour\n", "second")

	added, removed, err := CommitStats(dir, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "two" replaced and "four" added.
	if added != 2 || removed != 1 {
		t.Fatalf("expected +2/-1, got +%d/-%d", added, removed)
	}
}

func TestCommitStatsAbbreviatedHash(t *testing.T) {
	dir, repo := initRepo(t)
	hash := commitFile(t, repo, dir, "a.txt", "one\ntwo\n", "first")

	added, _, err := CommitStats(dir, hash[:8])
	if err != nil {
		t.Fatalf("short hash lookup failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added lines, got %d", added)
	}
}

func TestCommitStatsUnknownHash(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one\n", "first")

	if _, _, err := CommitStats(dir, "abcdef1"); !errors.Is(err, ErrNoCommit) {
		t.Fatalf("expected ErrNoCommit, got %v", err)
	}
}

func TestWorktreeStats(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one\ntwo\n", "first")

	// Modify a tracked file and drop in an untracked one.
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\nTWO\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("fresh\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	added, removed, err := WorktreeStats(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// TWO replaces two, plus one untracked line.
	if added != 2 || removed != 1 {
		t.Fatalf("expected +2/-1, got +%d/-%d", added, removed)
	}
}

func TestCountLines(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one\n", 1},
		{"one", 1},
		{"one\ntwo\n", 2},
		{"one\ntwo", 2},
	}
	for _, tc := range cases {
		if got := countLines(tc.in); got != tc.want {
			t.Errorf("countLines(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
