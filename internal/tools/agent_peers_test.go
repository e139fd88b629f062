package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/internal/peer"
	"github.com/coveyhq/covey/pkg/protocol"
)

// peerServer is a stub agent exposing just enough of the job API for the
// agent_* tools.
func peerServer(t *testing.T, name string, job jobs.Job) *peer.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agent/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.AgentInfo{Name: name, Version: "1.2.3", Capabilities: []string{"jobs"}})
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.JobAccepted{JobID: job.ID})
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		j := job
		j.ID = r.PathValue("id")
		json.NewEncoder(w).Encode(j)
	})
	mux.HandleFunc("DELETE /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return peer.New(name, srv.URL, "")
}

func TestAgentListProbesPeers(t *testing.T) {
	online := peerServer(t, "alpha", jobs.Job{ID: "j1", Status: jobs.StatusCompleted})
	offline := peer.New("beta", "http://127.0.0.1:1", "")
	set := NewPeerSet([]*peer.Client{online, offline})

	res := (&AgentListTool{set: set}).Execute(context.Background(), nil)
	if res.IsError {
		t.Fatalf("agent_list errored: %v", res.Payload)
	}
	agents := res.Payload["agents"].([]map[string]any)
	if len(agents) != 2 {
		t.Fatalf("got %d agents", len(agents))
	}
	if agents[0]["name"] != "alpha" || agents[0]["online"] != true {
		t.Errorf("alpha entry = %v", agents[0])
	}
	if agents[0]["version"] != "1.2.3" {
		t.Errorf("alpha version = %v", agents[0]["version"])
	}
	if agents[1]["name"] != "beta" || agents[1]["online"] != false {
		t.Errorf("beta entry = %v", agents[1])
	}
	if _, ok := agents[1]["error"]; !ok {
		t.Error("offline peer should carry an error")
	}
}

func TestAgentSubmitAndStatus(t *testing.T) {
	set := NewPeerSet([]*peer.Client{peerServer(t, "alpha", jobs.Job{
		ID:      "j9",
		Status:  jobs.StatusRunning,
		Journal: []string{"started"},
	})})

	res := (&AgentSubmitTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":  "alpha",
		"prompt": "refactor the parser",
	})
	if res.IsError {
		t.Fatalf("agent_submit errored: %v", res.Payload)
	}
	if res.Payload["job_id"] != "j9" || res.Payload["status"] != "pending" {
		t.Errorf("submit payload = %v", res.Payload)
	}

	res = (&AgentStatusTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":  "alpha",
		"job_id": "j9",
	})
	if res.IsError {
		t.Fatalf("agent_status errored: %v", res.Payload)
	}
	if res.Payload["status"] != "running" {
		t.Errorf("status payload = %v", res.Payload)
	}
	if journal := res.Payload["journal"].([]string); len(journal) != 1 || journal[0] != "started" {
		t.Errorf("journal = %v", journal)
	}
}

func TestAgentResultWaits(t *testing.T) {
	set := NewPeerSet([]*peer.Client{peerServer(t, "alpha", jobs.Job{
		ID:     "j3",
		Status: jobs.StatusCompleted,
		Result: "patch applied",
	})})

	res := (&AgentResultTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":       "alpha",
		"job_id":      "j3",
		"timeout_sec": float64(5),
	})
	if res.IsError {
		t.Fatalf("agent_result errored: %v", res.Payload)
	}
	if res.Payload["result"] != "patch applied" {
		t.Errorf("result payload = %v", res.Payload)
	}
}

func TestAgentResultSurfacesFailure(t *testing.T) {
	set := NewPeerSet([]*peer.Client{peerServer(t, "alpha", jobs.Job{
		ID:     "j4",
		Status: jobs.StatusFailed,
		Error:  "tests did not pass",
	})})

	res := (&AgentResultTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":  "alpha",
		"job_id": "j4",
	})
	if res.IsError {
		t.Fatalf("terminal failure is still a fetchable result: %v", res.Payload)
	}
	if res.Payload["status"] != "failed" || res.Payload["error"] != "tests did not pass" {
		t.Errorf("payload = %v", res.Payload)
	}
}

func TestAgentCancel(t *testing.T) {
	set := NewPeerSet([]*peer.Client{peerServer(t, "alpha", jobs.Job{ID: "j5", Status: jobs.StatusRunning})})

	res := (&AgentCancelTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":  "alpha",
		"job_id": "j5",
	})
	if res.IsError {
		t.Fatalf("agent_cancel errored: %v", res.Payload)
	}
	if res.Payload["cancelled"] != true {
		t.Errorf("payload = %v", res.Payload)
	}
}

func TestAgentToolsUnknownPeer(t *testing.T) {
	set := NewPeerSet(nil)
	res := (&AgentSubmitTool{set: set}).Execute(context.Background(), map[string]any{
		"agent":  "ghost",
		"prompt": "p",
	})
	if !res.IsError {
		t.Fatal("expected error for unknown peer")
	}
	if msg := res.Payload["error"].(string); !strings.Contains(msg, "agent_list") {
		t.Errorf("error should point at agent_list: %q", msg)
	}
}

func TestPeerSetRiskLevels(t *testing.T) {
	for _, tool := range NewPeerSet(nil).Tools() {
		want := RiskReadOnly
		switch tool.Name() {
		case "agent_submit", "agent_cancel":
			want = RiskAgentComm
		}
		if got := tool.Risk(); got != want {
			t.Errorf("%s risk = %s, want %s", tool.Name(), got, want)
		}
	}
}
