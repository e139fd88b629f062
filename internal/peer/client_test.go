package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

func TestClientRoundTrips(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/agent/info", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		json.NewEncoder(w).Encode(protocol.AgentInfo{
			Name: "buddy", Version: "1.0.0", Capabilities: []string{"jobs"},
		})
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "prompt is required"})
			return
		}
		json.NewEncoder(w).Encode(protocol.JobAccepted{JobID: "job-7"})
	})
	mux.HandleFunc("GET /api/jobs/job-7", func(w http.ResponseWriter, r *http.Request) {
		job := jobs.Job{ID: "job-7", Prompt: "p", Status: jobs.StatusRunning}
		if atomic.AddInt32(&polls, 1) >= 3 {
			job.Status = jobs.StatusCompleted
			job.Result = "finished"
		}
		json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("DELETE /api/jobs/job-7", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	var lastListQuery atomic.Value
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		lastListQuery.Store(r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string][]jobs.Job{"jobs": {
			{ID: "job-8", Status: jobs.StatusCompleted},
			{ID: "job-7", Status: jobs.StatusCompleted},
		}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New("buddy", srv.URL, "sekrit")

	t.Run("health", func(t *testing.T) {
		if err := c.Health(context.Background()); err != nil {
			t.Fatalf("Health: %v", err)
		}
	})

	t.Run("info", func(t *testing.T) {
		info, err := c.Info(context.Background())
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Name != "buddy" || len(info.Capabilities) != 1 {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("submit", func(t *testing.T) {
		id, err := c.Submit(context.Background(), jobs.SubmitRequest{Prompt: "do things"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if id != "job-7" {
			t.Errorf("job id = %q", id)
		}
	})

	t.Run("waitForResult", func(t *testing.T) {
		atomic.StoreInt32(&polls, 0)
		job, err := c.WaitForResult(context.Background(), "job-7", 5*time.Millisecond)
		if err != nil {
			t.Fatalf("WaitForResult: %v", err)
		}
		if job.Status != jobs.StatusCompleted || job.Result != "finished" {
			t.Errorf("job = %+v", job)
		}
		if got := atomic.LoadInt32(&polls); got < 3 {
			t.Errorf("polled %d times, want at least 3", got)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		if err := c.Cancel(context.Background(), "job-7"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		got, err := c.List(context.Background(), 2, 1)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 || got[0].ID != "job-8" {
			t.Errorf("jobs = %+v", got)
		}
		if q := lastListQuery.Load(); q != "limit=2&offset=1" {
			t.Errorf("query = %q, want %q", q, "limit=2&offset=1")
		}

		if _, err := c.List(context.Background(), 0, 0); err != nil {
			t.Fatalf("List defaults: %v", err)
		}
		if q := lastListQuery.Load(); q != "" {
			t.Errorf("query = %q, want empty (server defaults)", q)
		}
	})
}

func TestClientErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "job already finished"})
	}))
	defer srv.Close()

	err := New("buddy", srv.URL, "").Cancel(context.Background(), "j1")
	if err == nil || !strings.Contains(err.Error(), "job already finished") {
		t.Fatalf("err = %v, want remote error body surfaced", err)
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v, want status code included", err)
	}
}

func TestClientUnauthorizedWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing bearer token"})
			return
		}
		json.NewEncoder(w).Encode(protocol.AgentInfo{Name: "buddy"})
	}))
	defer srv.Close()

	if _, err := New("buddy", srv.URL, "").Info(context.Background()); err == nil {
		t.Fatal("expected unauthorized error")
	}
	if _, err := New("buddy", srv.URL, "tok").Info(context.Background()); err != nil {
		t.Fatalf("authorized call failed: %v", err)
	}
}

func TestClientEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			frame, _ := protocol.NewFrame(protocol.AgentEventToolCall, "job-7", "", map[string]any{"n": i})
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	var frames []protocol.Frame
	err := New("buddy", srv.URL, "").Events(context.Background(), "job-7", func(f protocol.Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for _, f := range frames {
		if f.Type != protocol.AgentEventToolCall || f.JobID != "job-7" {
			t.Errorf("frame = %+v", f)
		}
	}
}

func TestClientEventsCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"job\",\"ts\":1}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{})
	go func() {
		New("buddy", srv.URL, "").Events(ctx, "j", func(protocol.Frame) {
			select {
			case <-got:
			default:
				close(got)
			}
		})
	}()

	<-got
	cancel()
	// The stream read unblocks on cancellation; nothing to assert beyond
	// not hanging.
}
