// Package http exposes the agent's job service to peer agents and local
// front-ends: job submission, polling, cancellation and event streams.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

const (
	sseBufferSize   = 64
	sseKeepalive    = 15 * time.Second
	defaultListSize = 50
)

// JobsHandler serves the /api/jobs and /api/agent endpoints.
type JobsHandler struct {
	runner *jobs.Runner
	events bus.EventPublisher
	token  string
	info   protocol.AgentInfo
}

// NewJobsHandler creates the handler. token may be empty to disable
// authentication; events may be nil to disable the SSE endpoint.
func NewJobsHandler(runner *jobs.Runner, events bus.EventPublisher, token string, info protocol.AgentInfo) *JobsHandler {
	return &JobsHandler{runner: runner, events: events, token: token, info: info}
}

// RegisterRoutes registers the job API on the given mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", h.authMiddleware(h.handleSubmit))
	mux.HandleFunc("GET /api/jobs", h.authMiddleware(h.handleList))
	mux.HandleFunc("GET /api/jobs/current", h.authMiddleware(h.handleCurrent))
	mux.HandleFunc("GET /api/jobs/{id}", h.authMiddleware(h.handleGet))
	mux.HandleFunc("DELETE /api/jobs/{id}", h.authMiddleware(h.handleCancel))
	mux.HandleFunc("GET /api/jobs/{id}/events", h.authMiddleware(h.handleEvents))
	mux.HandleFunc("GET /api/agent/info", h.authMiddleware(h.handleInfo))
}

// authMiddleware rejects requests whose bearer token does not match. The
// comparison is constant-time so the token cannot be guessed byte by byte.
func (h *JobsHandler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := ExtractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (h *JobsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	job, err := h.runner.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.JobAccepted{JobID: job.ID})
}

func (h *JobsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	list, err := h.runner.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (h *JobsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "no jobs submitted yet")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := h.runner.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func (h *JobsHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := h.info
	info.CurrentJobID = h.runner.CurrentJobID()
	writeJSON(w, http.StatusOK, info)
}

// handleEvents streams the job's events as SSE data lines, one frame per
// event. The stream ends when the job reaches a terminal status or the
// client disconnects.
func (h *JobsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	id := r.PathValue("id")
	job, err := h.runner.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Slow clients lose events rather than stalling the bus.
	ch := make(chan bus.Event, sseBufferSize)
	subID := "sse-" + uuid.NewString()
	h.events.Subscribe(subID, func(ev bus.Event) {
		if ev.JobID != id {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer h.events.Unsubscribe(subID)

	// Open with the job's current status so late subscribers see where it
	// stands; terminal jobs get exactly this one frame.
	writeSSE(w, flusher, protocol.EventJobStatus, id, "", map[string]any{
		"status": job.Status,
		"error":  job.Error,
	})
	if job.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			writeSSE(w, flusher, ev.Name, ev.JobID, ev.AgentID, ev.Payload)
			if ev.Name == protocol.EventJobStatus && terminalStatus(ev.Payload) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, name, jobID, agentID string, payload any) {
	frame, err := protocol.NewFrame(name, jobID, agentID, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// terminalStatus inspects a job.status payload published by the runner.
func terminalStatus(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	s, ok := m["status"].(jobs.Status)
	if !ok {
		if raw, isStr := m["status"].(string); isStr {
			s = jobs.Status(raw)
		} else {
			return false
		}
	}
	return s.Terminal()
}
