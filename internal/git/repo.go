// Package git provides read-only repository inspection for task enrichment:
// recent-commit lookup and changed-line counts. It opens repositories with
// go-git and never shells out, so no git binary is needed in the image.
package git

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrNoCommit indicates no commit satisfied the lookup.
var ErrNoCommit = errors.New("no matching commit")

// RecentCommit returns the hash of the most recent commit authored at or
// after since.
func RecentCommit(path string, since time.Time) (string, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo %s: %w", path, err)
	}

	iter, err := repo.Log(&gogit.LogOptions{Since: &since})
	if err != nil {
		return "", fmt.Errorf("log %s: %w", path, err)
	}
	defer iter.Close()

	commit, err := iter.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrNoCommit
		}
		return "", fmt.Errorf("iterate log %s: %w", path, err)
	}
	return commit.Hash.String(), nil
}

// CommitStats returns the added/removed line counts of a commit. Short hashes
// are resolved against the repository.
func CommitStats(path, hash string) (added, removed int, err error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open repo %s: %w", path, err)
	}

	commit, err := resolveCommit(repo, hash)
	if err != nil {
		return 0, 0, err
	}

	stats, err := commit.Stats()
	if err != nil {
		return 0, 0, fmt.Errorf("stats %s: %w", hash, err)
	}

	for _, fs := range stats {
		added += fs.Addition
		removed += fs.Deletion
	}
	return added, removed, nil
}

// WorktreeStats returns the line counts of uncommitted changes against HEAD.
// Untracked files count entirely as additions.
func WorktreeStats(path string) (added, removed int, err error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open repo %s: %w", path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return 0, 0, fmt.Errorf("worktree %s: %w", path, err)
	}

	status, err := wt.Status()
	if err != nil {
		return 0, 0, fmt.Errorf("status %s: %w", path, err)
	}

	head, err := repo.Head()
	if err != nil {
		return 0, 0, fmt.Errorf("head %s: %w", path, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return 0, 0, fmt.Errorf("head commit %s: %w", path, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return 0, 0, fmt.Errorf("head tree %s: %w", path, err)
	}

	for file, st := range status {
		if st.Worktree == gogit.Unmodified && st.Staging == gogit.Unmodified {
			continue
		}

		before := ""
		if entry, err := tree.File(file); err == nil {
			if contents, err := entry.Contents(); err == nil {
				before = contents
			}
		}

		after := ""
		if st.Worktree != gogit.Deleted {
			data, err := os.ReadFile(filepath.Join(path, file)) //nolint:gosec // repo-relative path from git status
			if err == nil {
				after = string(data)
			}
		}

		a, r := countDiffLines(before, after)
		added += a
		removed += r
	}
	return added, removed, nil
}

// resolveCommit looks up a commit by full or abbreviated hash.
func resolveCommit(repo *gogit.Repository, hash string) (*object.Commit, error) {
	if len(hash) == 40 {
		return repo.CommitObject(plumbing.NewHash(hash))
	}

	// Abbreviated hash: scan the log for a prefix match.
	iter, err := repo.Log(&gogit.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	prefix := strings.ToLower(hash)
	for {
		commit, err := iter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("commit %s: %w", hash, ErrNoCommit)
			}
			return nil, err
		}
		if strings.HasPrefix(commit.Hash.String(), prefix) {
			return commit, nil
		}
	}
}

// countDiffLines counts added and removed lines between two file versions.
func countDiffLines(before, after string) (added, removed int) {
	for _, d := range diff.Do(before, after) {
		lines := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
