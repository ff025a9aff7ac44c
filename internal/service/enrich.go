package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/clawtrol/clawtrol/internal/adapter/otel"
	"github.com/clawtrol/clawtrol/internal/domain/settings"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/git"
	"github.com/clawtrol/clawtrol/internal/port/database"
)

const (
	// minutesPerLine converts changed lines into estimated human minutes.
	minutesPerLine = 2.0

	// runtimeCostMultiplier scales agent runtime into human-equivalent time
	// for the no-commit fallback estimate.
	runtimeCostMultiplier = 10.0

	// maxFallbackMinutes caps the runtime-derived estimate.
	maxFallbackMinutes = 480

	// noCommitMarker in handoff notes declares non-code work.
	noCommitMarker = "NO_COMMIT"

	// commitLookback pads the task creation time when searching for the most
	// recent commit, covering commits made seconds before the row existed.
	commitLookback = 5 * time.Second
)

var (
	// commitNoteRe finds an explicit "commit: <hash>" declaration in notes.
	commitNoteRe = regexp.MustCompile(`(?i)commit:\s*([0-9a-f]{7,40})\b`)

	// bareHashRe finds a standalone hex token that looks like a commit hash.
	bareHashRe = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
)

// Enricher fills in commit hash, changed-line counts and cost estimates when
// a task reaches done. Every step degrades independently: a missing repo, an
// unresolvable hash or a settings outage each leave their field empty rather
// than failing the pass.
type Enricher struct {
	store   database.Store
	metrics *otel.Metrics
}

// NewEnricher creates an Enricher.
func NewEnricher(store database.Store, metrics *otel.Metrics) *Enricher {
	return &Enricher{store: store, metrics: metrics}
}

// Enrich computes and persists the completion metadata for a done task.
// Fields that already hold values are kept; a second pass over the same task
// is a cheap no-op.
func (e *Enricher) Enrich(ctx context.Context, taskID string) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("enrichment: task load failed", "task_id", taskID, "error", err)
		return
	}
	if t.Status != task.StatusDone {
		return
	}

	e.metrics.EnrichmentRuns.Add(ctx, 1)

	workspace := ""
	if t.ProjectID != "" {
		workspace, err = e.store.GetProjectWorkspace(ctx, t.ProjectID)
		if err != nil {
			slog.Warn("enrichment: workspace lookup failed", "task_id", t.ID, "project_id", t.ProjectID, "error", err)
		}
	}

	patch := task.Patch{}

	hash := e.resolveCommit(t, workspace)
	if hash != "" && hash != t.CommitHash {
		patch.CommitHash = &hash
	}

	if t.LinesChanged == nil && hash != "" && hash != task.NoCommit && workspace != "" {
		if lines := e.countLines(workspace, hash); lines != nil {
			patch.LinesChanged = lines
		}
	}

	e.estimateCost(ctx, t, hash, &patch)

	if patch == (task.Patch{}) {
		return
	}
	if _, err := e.store.UpdateTask(ctx, t.ID, patch); err != nil {
		slog.Warn("enrichment: task write failed", "task_id", t.ID, "error", err)
		return
	}
	slog.Info("task enriched", "task_id", t.ID, "commit", hash)
}

// resolveCommit decides which commit the task's work landed in: an already
// stored hash wins, then an explicit "commit:" note, then a bare hash token,
// then the most recent commit since the task was created. A NO_COMMIT marker
// short-circuits to the sentinel.
func (e *Enricher) resolveCommit(t *task.Task, workspace string) string {
	if t.CommitHash != "" {
		return t.CommitHash
	}

	notes := t.HandoffNotes
	if strings.Contains(notes, noCommitMarker) || strings.Contains(t.Description, noCommitMarker) {
		return task.NoCommit
	}

	for _, text := range []string{notes, t.Description} {
		if m := commitNoteRe.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[1])
		}
	}
	if m := bareHashRe.FindString(notes); m != "" {
		return strings.ToLower(m)
	}

	if workspace == "" {
		return ""
	}
	hash, err := git.RecentCommit(workspace, t.CreatedAt.Add(-commitLookback))
	if err != nil {
		if !errors.Is(err, git.ErrNoCommit) {
			slog.Warn("enrichment: recent commit lookup failed", "task_id", t.ID, "error", err)
		}
		return ""
	}
	return hash
}

// countLines measures the commit's diff; a zero-diff commit (merge, empty)
// falls back to uncommitted worktree changes.
func (e *Enricher) countLines(workspace, hash string) *task.LinesChanged {
	added, removed, err := git.CommitStats(workspace, hash)
	if err != nil {
		slog.Warn("enrichment: commit stats failed", "commit", hash, "error", err)
		return nil
	}
	if added == 0 && removed == 0 {
		added, removed, err = git.WorktreeStats(workspace)
		if err != nil {
			slog.Warn("enrichment: worktree stats failed", "error", err)
			return nil
		}
	}
	if added == 0 && removed == 0 {
		return nil
	}
	return &task.LinesChanged{Added: added, Removed: removed, Total: added + removed}
}

// estimateCost derives human-equivalent minutes and cost. Line counts drive
// the primary estimate; tasks without code changes fall back to a scaled
// runtime estimate. An existing HumanCost is never overwritten.
func (e *Enricher) estimateCost(ctx context.Context, t *task.Task, hash string, patch *task.Patch) {
	if t.HumanCost != 0 {
		return
	}

	lines := t.LinesChanged
	if patch.LinesChanged != nil {
		lines = patch.LinesChanged
	}

	var minutes int
	switch {
	case lines != nil && lines.Total > 0:
		minutes = int(math.Ceil(float64(lines.Total) * minutesPerLine))
	case (hash == task.NoCommit || lines == nil) && t.RuntimeMS > 0:
		m := math.Ceil(float64(t.RuntimeMS) / 1000 * runtimeCostMultiplier / 60)
		if m > maxFallbackMinutes {
			m = maxFallbackMinutes
		}
		minutes = int(m)
	default:
		return
	}

	cost := float64(minutes) / 60 * e.hourlyRate(ctx)

	patch.EstimatedHumanMinutes = &minutes
	patch.HumanCost = &cost
	e.metrics.TaskHumanCost.Record(ctx, cost)
}

// hourlyRate reads the operator-configured rate, defaulting when unset or
// unreadable.
func (e *Enricher) hourlyRate(ctx context.Context) float64 {
	s, err := e.store.GetSetting(ctx, settings.KeyHourlyRate)
	if err != nil || s == nil {
		return settings.DefaultHourlyRate
	}
	var rate float64
	if err := json.Unmarshal(s.Value, &rate); err != nil || rate <= 0 {
		return settings.DefaultHourlyRate
	}
	return rate
}
