package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/coveyhq/covey/internal/config"
)

// connectServer builds the transport, performs the MCP handshake, then
// hands off to registerServer.
func (m *Manager) connectServer(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, transportType, err := newClient(cfg)
	if err != nil {
		return err
	}

	timeout := defaultCallTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	if err := m.registerServer(ctx, name, client, transportType, riskFromString(cfg.Risk), timeout); err != nil {
		_ = client.Close()
		return err
	}
	return nil
}

// registerServer initializes the connection, discovers tools and registers
// bridges. Split from connectServer so tests can drive it with an
// in-process client.
func (m *Manager) registerServer(ctx context.Context, name string, client *mcpclient.Client, transportType string, risk toolRisk, timeout time.Duration) error {
	// Stdio transports start themselves; the rest need an explicit Start.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "covey",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{
		name:      name,
		transport: transportType,
		client:    client,
	}
	ss.connected.Store(true)

	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		bt := newBridgeTool(name, mcpTool, client, risk, timeout, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			m.logger.Warn("mcp tool name collision, skipped", "server", name, "tool", bt.Name())
			continue
		}
		if err := m.registry.Register(bt); err != nil {
			m.logger.Warn("mcp tool register failed", "server", name, "tool", bt.Name(), "error", err)
			continue
		}
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	m.logger.Info("mcp server connected",
		"server", name,
		"transport", transportType,
		"tools", len(registered),
	)
	return nil
}

// newClient builds the transport selected by the config: command means
// stdio, url means streamable HTTP.
func newClient(cfg config.MCPServerConfig) (*mcpclient.Client, string, error) {
	switch {
	case cfg.Command != "" && cfg.URL != "":
		return nil, "", fmt.Errorf("set command or url, not both")
	case cfg.Command != "":
		client, err := mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
		return client, "stdio", err
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		client, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		return client, "streamable-http", err
	default:
		return nil, "", fmt.Errorf("set command (stdio) or url (streamable HTTP)")
	}
}

// healthLoop pings the server and flips the connected flag that bridge
// tools consult. Lost servers are retried with exponential backoff.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.connected.Store(true)
				ss.mu.Lock()
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
				continue
			}
			// Servers without a ping handler are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.connected.Store(true)
				continue
			}

			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()
			m.logger.Warn("mcp server health check failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		m.logger.Error("mcp server reconnect exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	m.logger.Info("mcp server reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The transport may have recovered on its own.
	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		m.logger.Info("mcp server reconnected", "server", ss.name)
	}
}
