// Package gateway serves the agent's HTTP surface: the job API, the /ws
// event mirror and /health, with per-IP rate limiting and body size caps.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/config"
	httpapi "github.com/coveyhq/covey/internal/http"
	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

// Server hosts the job service and the WebSocket event mirror.
type Server struct {
	cfg    *config.Config
	events bus.EventPublisher
	runner *jobs.Runner
	info   protocol.AgentInfo
	logger *slog.Logger

	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway. events may be nil when no streaming surface
// is wanted (jobs API still works, /ws rejects).
func NewServer(cfg *config.Config, events bus.EventPublisher, runner *jobs.Runner, info protocol.AgentInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		events:  events,
		runner:  runner,
		info:    info,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.limiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// checkOrigin validates the Origin header against gateway.allowed_origins.
// No configured origins allows all; an empty header (CLI and SDK clients)
// always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("ws origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() http.Handler {
	if s.mux == nil {
		mux := http.NewServeMux()

		jobsHandler := httpapi.NewJobsHandler(s.runner, s.events, s.cfg.Gateway.Token, s.info)
		jobsHandler.RegisterRoutes(mux)

		mux.HandleFunc("GET /ws", s.handleWebSocket)
		mux.HandleFunc("GET /health", s.handleHealth)

		s.mux = mux
	}

	var h http.Handler = s.mux
	if maxBody := s.cfg.Gateway.MaxBodyBytes; maxBody > 0 {
		h = capBody(h, maxBody)
	}
	return s.limiter.Middleware(h)
}

// capBody bounds request bodies so a client cannot stream an unbounded
// prompt into the decoder.
func capBody(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := s.BuildMux()

	addr := s.cfg.GatewayAddr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	s.logger.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades and mirrors bus events to the
// client until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, `{"error":"event streaming not enabled"}`, http.StatusNotImplemented)
		return
	}
	if !s.authorizeWS(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient("ws-"+uuid.NewString(), conn, s.logger)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.run()
}

// authorizeWS accepts the token as a bearer header or a ?token= query
// param, since browser WebSocket clients cannot set headers.
func (s *Server) authorizeWS(r *http.Request) bool {
	if s.cfg.Gateway.Token == "" {
		return true
	}
	got := httpapi.ExtractBearerToken(r)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Gateway.Token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","agent":%q,"version":%q,"protocol":%d}`,
		s.info.Name, s.info.Version, protocol.Version)
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Every bus event goes out verbatim as a frame.
	s.events.Subscribe(c.id, func(ev bus.Event) {
		frame, err := protocol.NewFrame(ev.Name, ev.JobID, ev.AgentID, ev.Payload)
		if err != nil {
			return
		}
		c.SendFrame(frame)
	})

	s.logger.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	s.logger.Info("ws client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.close()
	}
}

// StartTestServer listens on a random port and returns the address and a
// blocking start func. Integration tests use it to exercise the full mux.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	handler := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: handler}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeClients()
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
