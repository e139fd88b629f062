package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T, open func(t *testing.T) Store) {
	newJob := func(id string, status Status, age time.Duration) *Job {
		return &Job{
			ID:        id,
			Prompt:    "prompt " + id,
			Status:    status,
			Journal:   []string{"queued"},
			CreatedAt: time.Now().UTC().Add(-age).Truncate(time.Millisecond),
		}
	}

	t.Run("roundTrip", func(t *testing.T) {
		s := open(t)
		started := time.Now().UTC().Truncate(time.Millisecond)
		job := newJob("j1", StatusRunning, 0)
		job.SystemPrompt = "be brief"
		job.Model = "local-model"
		job.StartedAt = &started

		if err := s.Create(context.Background(), job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(context.Background(), "j1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Prompt != job.Prompt || got.SystemPrompt != "be brief" || got.Model != "local-model" {
			t.Errorf("round trip lost fields: %+v", got)
		}
		if got.Status != StatusRunning {
			t.Errorf("status = %s", got.Status)
		}
		if !got.CreatedAt.Equal(job.CreatedAt) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, job.CreatedAt)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("started_at = %v, want %v", got.StartedAt, started)
		}
		if got.CompletedAt != nil {
			t.Errorf("completed_at should be nil, got %v", got.CompletedAt)
		}
	})

	t.Run("getMissing", func(t *testing.T) {
		s := open(t)
		got, err := s.Get(context.Background(), "nope")
		if err != nil || got != nil {
			t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("cloneIsolation", func(t *testing.T) {
		s := open(t)
		job := newJob("j1", StatusPending, 0)
		if err := s.Create(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		job.Journal = append(job.Journal, "mutated after create")
		job.Prompt = "mutated"

		got, _ := s.Get(context.Background(), "j1")
		if len(got.Journal) != 1 || got.Prompt != "prompt j1" {
			t.Errorf("store shares memory with caller: %+v", got)
		}

		got.Journal = append(got.Journal, "mutated after get")
		again, _ := s.Get(context.Background(), "j1")
		if len(again.Journal) != 1 {
			t.Errorf("returned job shares memory with store: %v", again.Journal)
		}
	})

	t.Run("listOrderAndPaging", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			if err := s.Create(context.Background(), newJob(fmt.Sprintf("j%d", i), StatusPending, 0)); err != nil {
				t.Fatal(err)
			}
		}
		all, err := s.List(context.Background(), 0, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("List returned %d jobs, want 5", len(all))
		}
		for i, job := range all {
			if want := fmt.Sprintf("j%d", 4-i); job.ID != want {
				t.Errorf("position %d = %s, want %s (newest first)", i, job.ID, want)
			}
		}

		page, err := s.List(context.Background(), 2, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 2 || page[0].ID != "j3" || page[1].ID != "j2" {
			t.Errorf("List(2,1) = %v", ids(page))
		}

		if empty, _ := s.List(context.Background(), 10, 99); len(empty) != 0 {
			t.Errorf("offset past end returned %d jobs", len(empty))
		}
	})

	t.Run("update", func(t *testing.T) {
		s := open(t)
		job := newJob("j1", StatusPending, 0)
		if err := s.Create(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		done := time.Now().UTC().Truncate(time.Millisecond)
		job.Status = StatusCompleted
		job.Result = "all good"
		job.Journal = append(job.Journal, "completed")
		job.CompletedAt = &done
		if err := s.Update(context.Background(), job); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := s.Get(context.Background(), "j1")
		if got.Status != StatusCompleted || got.Result != "all good" {
			t.Errorf("update lost fields: %+v", got)
		}
		if len(got.Journal) != 2 || got.Journal[1] != "completed" {
			t.Errorf("journal = %v", got.Journal)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("completed_at = %v", got.CompletedAt)
		}
	})

	t.Run("current", func(t *testing.T) {
		s := open(t)
		if cur, err := s.Current(context.Background()); err != nil || cur != nil {
			t.Fatalf("Current on empty store = %v, %v", cur, err)
		}
		s.Create(context.Background(), newJob("j1", StatusCompleted, time.Hour))
		s.Create(context.Background(), newJob("j2", StatusPending, 0))
		cur, err := s.Current(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if cur.ID != "j2" {
			t.Errorf("Current = %s, want j2", cur.ID)
		}
	})

	t.Run("pruneTerminalOnly", func(t *testing.T) {
		s := open(t)
		s.Create(context.Background(), newJob("old-done", StatusCompleted, 48*time.Hour))
		s.Create(context.Background(), newJob("old-running", StatusRunning, 48*time.Hour))
		s.Create(context.Background(), newJob("fresh-done", StatusCompleted, time.Minute))

		pruned, err := s.Prune(context.Background(), 24*time.Hour)
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if pruned != 1 {
			t.Errorf("pruned %d jobs, want 1", pruned)
		}
		if got, _ := s.Get(context.Background(), "old-done"); got != nil {
			t.Error("old terminal job survived prune")
		}
		for _, id := range []string{"old-running", "fresh-done"} {
			if got, _ := s.Get(context.Background(), id); got == nil {
				t.Errorf("%s should survive prune", id)
			}
		}
		if rest, _ := s.List(context.Background(), 0, 0); len(rest) != 2 {
			t.Errorf("%d jobs left, want 2", len(rest))
		}
	})
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
