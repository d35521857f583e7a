package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := New("hello-world", "hello-world-app", "42", []string{"dev", "prod"})
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}

	if got.Pipeline != "hello-world" || got.Application != "hello-world-app" || got.Version != "42" {
		t.Errorf("run misrecorded: %+v", got)
	}
	if got.State != StatePending {
		t.Errorf("expected pending state, got %s", got.State)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got.Stages))
	}
	if got.Stages[0].Name != "dev" || got.Stages[1].Name != "prod" {
		t.Errorf("stage order not preserved: %+v", got.Stages)
	}
	for _, stage := range got.Stages {
		if stage.State != StagePending {
			t.Errorf("stage %s should be pending, got %s", stage.Name, stage.State)
		}
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetRun(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown run, got %+v", got)
	}
}

func TestStore_UpdateRunState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := New("hello-world", "app", "42", []string{"dev"})
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.UpdateRunState(ctx, r.ID, StateRunning, nil); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.State != StateRunning {
		t.Errorf("expected running, got %s", got.State)
	}
	if got.CompletedAt != nil {
		t.Error("non-terminal state must not stamp completed_at")
	}

	errMsg := "dev stage convergence timeout"
	if err := s.UpdateRunState(ctx, r.ID, StateAborted, &errMsg); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	got, _ = s.GetRun(ctx, r.ID)
	if got.State != StateAborted {
		t.Errorf("expected aborted, got %s", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("terminal state must stamp completed_at")
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != errMsg {
		t.Errorf("error message not recorded: %v", got.ErrorMessage)
	}
}

func TestStore_UpdateRunStateUnknownRun(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateRunState(context.Background(), "nope", StateRunning, nil); err == nil {
		t.Error("expected error updating unknown run")
	}
}

func TestStore_UpdateStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := New("hello-world", "app", "42", []string{"dev", "prod"})
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	now := time.Now().UTC()
	sha := "abc123"
	syncState := "synced"
	healthState := "healthy"

	stage := &StageOutcome{
		RunID:       r.ID,
		Name:        "dev",
		State:       StageConverged,
		CommitSHA:   &sha,
		LastSync:    &syncState,
		LastHealth:  &healthState,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := s.UpdateStage(ctx, stage); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	dev := got.Stages[0]
	if dev.State != StageConverged {
		t.Errorf("expected converged, got %s", dev.State)
	}
	if dev.CommitSHA == nil || *dev.CommitSHA != sha {
		t.Errorf("commit sha not recorded: %v", dev.CommitSHA)
	}
	if dev.LastSync == nil || *dev.LastSync != "synced" {
		t.Errorf("last sync not recorded: %v", dev.LastSync)
	}
	if dev.StartedAt == nil || dev.CompletedAt == nil {
		t.Error("stage timestamps not recorded")
	}

	// prod untouched
	if got.Stages[1].State != StagePending {
		t.Errorf("prod stage should remain pending, got %s", got.Stages[1].State)
	}
}

func TestStore_ListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := New("hello-world", "app", "42", []string{"dev"})
		r.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	other := New("other-pipeline", "other-app", "1", []string{"dev"})
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, "hello-world", 3)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.Pipeline != "hello-world" {
			t.Errorf("unexpected pipeline in results: %s", r.Pipeline)
		}
	}
	// Newest first
	if !runs[0].StartedAt.After(runs[2].StartedAt) {
		t.Error("runs not ordered newest first")
	}
}

func TestStore_LatestRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if latest, err := s.LatestRun(ctx, "hello-world"); err != nil || latest != nil {
		t.Fatalf("expected nil latest on empty store, got %v, %v", latest, err)
	}

	first := New("hello-world", "app", "41", []string{"dev"})
	first.StartedAt = time.Now().UTC().Add(-time.Hour)
	second := New("hello-world", "app", "42", []string{"dev"})

	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, second); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestRun(ctx, "hello-world")
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.Version != "42" {
		t.Errorf("expected latest version 42, got %s", latest.Version)
	}
	if len(latest.Stages) != 1 {
		t.Errorf("latest run should include stage detail, got %d stages", len(latest.Stages))
	}
}
