package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/peer"
	"github.com/coveyhq/covey/internal/plan"
	"github.com/coveyhq/covey/pkg/protocol"
)

// fakePeer is a minimal job server: submitted jobs complete immediately with
// a canned result, unless failWith is set.
type fakePeer struct {
	name     string
	result   string
	failWith string

	mu        sync.Mutex
	submitted []jobs.SubmitRequest
	cancelled []string
}

func (f *fakePeer) server(t *testing.T) *peer.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.submitted = append(f.submitted, req)
		n := len(f.submitted)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.JobAccepted{JobID: fmt.Sprintf("%s-job-%d", f.name, n)})
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job := jobs.Job{ID: r.PathValue("id"), Status: jobs.StatusCompleted, Result: f.result}
		if f.failWith != "" {
			job.Status = jobs.StatusFailed
			job.Error = f.failWith
			job.Result = ""
		}
		json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("DELETE /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancelled = append(f.cancelled, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return peer.New(f.name, srv.URL, "")
}

func remoteJob(id string) Job {
	return Job{
		AgentID:      "agent-1",
		TaskID:       "task",
		Subtask:      plan.Subtask{ID: id, Title: id, Type: plan.TypeCode},
		SystemPrompt: "you are a worker",
		Prompt:       "do " + id,
	}
}

func TestRemoteWorkerCompletes(t *testing.T) {
	fp := &fakePeer{name: "alpha", result: "all done"}
	w := &RemoteWorker{Peers: []*peer.Client{fp.server(t)}, Poll: time.Millisecond}

	got, err := w.Run(context.Background(), remoteJob("t1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "all done" {
		t.Errorf("result = %q", got)
	}
	if len(fp.submitted) != 1 {
		t.Fatalf("submitted %d jobs", len(fp.submitted))
	}
	req := fp.submitted[0]
	if req.Prompt != "do t1" || req.SystemPrompt != "you are a worker" {
		t.Errorf("submit request = %+v", req)
	}
}

func TestRemoteWorkerFailure(t *testing.T) {
	fp := &fakePeer{name: "alpha", failWith: "compile error"}
	w := &RemoteWorker{Peers: []*peer.Client{fp.server(t)}, Poll: time.Millisecond}

	_, err := w.Run(context.Background(), remoteJob("t1"))
	if err == nil || !strings.Contains(err.Error(), "compile error") {
		t.Fatalf("err = %v, want remote error surfaced", err)
	}
}

func TestRemoteWorkerRoundRobin(t *testing.T) {
	a := &fakePeer{name: "alpha", result: "a"}
	b := &fakePeer{name: "beta", result: "b"}
	w := &RemoteWorker{Peers: []*peer.Client{a.server(t), b.server(t)}, Poll: time.Millisecond}

	for i := 0; i < 4; i++ {
		if _, err := w.Run(context.Background(), remoteJob(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if len(a.submitted) != 2 || len(b.submitted) != 2 {
		t.Errorf("distribution = %d/%d, want 2/2", len(a.submitted), len(b.submitted))
	}
}

func TestRemoteWorkerNoPeers(t *testing.T) {
	w := &RemoteWorker{}
	if _, err := w.Run(context.Background(), remoteJob("t1")); err == nil {
		t.Fatal("expected error with no peers")
	}
}

func TestRemoteWorkerCancelPropagates(t *testing.T) {
	fp := &fakePeer{name: "alpha", result: "never seen"}

	// A server whose job never finishes, so WaitForResult spins until the
	// context is cancelled.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.JobAccepted{JobID: "stuck-1"})
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jobs.Job{ID: "stuck-1", Status: jobs.StatusRunning})
	})
	mux.HandleFunc("DELETE /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.cancelled = append(fp.cancelled, r.PathValue("id"))
		fp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := &RemoteWorker{Peers: []*peer.Client{peer.New("alpha", srv.URL, "")}, Poll: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := w.Run(ctx, remoteJob("t1"))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.cancelled) != 1 || fp.cancelled[0] != "stuck-1" {
		t.Errorf("cancelled = %v, want the stuck job cancelled on the peer", fp.cancelled)
	}
}
