package service

import (
	"context"
	"testing"

	"github.com/clawtrol/clawtrol/internal/domain/task"
)

func TestScanPairsInProgressTasksByProject(t *testing.T) {
	store := newMockStore()
	a1 := store.addTask(task.Task{Title: "A1", ProjectID: "A", Status: task.StatusInProgress, AgentID: "claw"})
	a2 := store.addTask(task.Task{Title: "A2", ProjectID: "A", Status: task.StatusInProgress, AgentID: "qa"})
	b1 := store.addTask(task.Task{Title: "B1", ProjectID: "B", Status: task.StatusInProgress})
	store.addTask(task.Task{Title: "A3", ProjectID: "A", Status: task.StatusTodo})

	d := NewConflictDetector(store, &mockHub{})

	conflicts, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(conflicts[a1.ID]) != 1 || conflicts[a1.ID][0].TaskID != a2.ID {
		t.Fatalf("expected %s to conflict with %s, got %+v", a1.ID, a2.ID, conflicts[a1.ID])
	}
	if len(conflicts[a2.ID]) != 1 || conflicts[a2.ID][0].TaskID != a1.ID {
		t.Fatalf("expected symmetric conflict, got %+v", conflicts[a2.ID])
	}
	if len(conflicts[b1.ID]) != 0 {
		t.Fatalf("lone in-progress task must not conflict, got %+v", conflicts[b1.ID])
	}
}

func TestScanIgnoresTasksWithoutProject(t *testing.T) {
	store := newMockStore()
	o1 := store.addTask(task.Task{Title: "Orphan 1", Status: task.StatusInProgress})
	store.addTask(task.Task{Title: "Orphan 2", Status: task.StatusInProgress})

	d := NewConflictDetector(store, &mockHub{})

	conflicts, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conflicts[o1.ID]) != 0 {
		t.Fatal("tasks without a project must never conflict")
	}
}

func TestWarnBroadcastsOnlyWhenConflicting(t *testing.T) {
	store := newMockStore()
	hub := &mockHub{}
	d := NewConflictDetector(store, hub)
	ctx := context.Background()

	lone := store.addTask(task.Task{Title: "Lone", ProjectID: "A", Status: task.StatusInProgress})
	d.Warn(ctx, lone, "check")
	if len(hub.eventTypes()) != 0 {
		t.Fatal("no warning expected for a lone task")
	}

	store.addTask(task.Task{Title: "Other", ProjectID: "A", Status: task.StatusInProgress})
	d.Warn(ctx, lone, "check")
	types := hub.eventTypes()
	if len(types) != 1 || types[0] != "conflict.warning" {
		t.Fatalf("expected one conflict.warning, got %v", types)
	}
}

func TestScanSurvivesCanceledCaller(t *testing.T) {
	store := newMockStore()
	a1 := store.addTask(task.Task{Title: "A1", ProjectID: "A", Status: task.StatusInProgress})
	store.addTask(task.Task{Title: "A2", ProjectID: "A", Status: task.StatusInProgress})

	d := NewConflictDetector(store, &mockHub{})

	// The scan inside the flight serves piggy-backed callers too, so it must
	// not inherit one caller's cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conflicts, err := d.Scan(ctx)
	if err != nil {
		t.Fatalf("canceled caller must not fail the shared scan: %v", err)
	}
	if len(conflicts[a1.ID]) != 1 {
		t.Fatalf("expected one conflict for %s, got %+v", a1.ID, conflicts[a1.ID])
	}
}
