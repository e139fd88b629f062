package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/coveyhq/covey/internal/tools"
)

// toolRisk is the risk level assigned to every tool a server exposes.
type toolRisk = tools.RiskLevel

// riskFromString maps the config risk string onto a tool risk level.
// Unknown or empty values gate like Write: remote tools do unknown things.
func riskFromString(s string) toolRisk {
	switch s {
	case string(tools.RiskReadOnly):
		return tools.RiskReadOnly
	case string(tools.RiskAgentComm):
		return tools.RiskAgentComm
	default:
		return tools.RiskWrite
	}
}

// BridgeTool adapts one remote MCP tool to the local Tool interface.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	risk       toolRisk
	timeout    time.Duration
	connected  *atomic.Bool
}

func newBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, risk toolRisk, timeout time.Duration, connected *atomic.Bool) *BridgeTool {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		risk:       risk,
		timeout:    timeout,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string {
	return "mcp_" + b.serverName + "_" + b.tool.Name
}

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("Tool %s from MCP server %s", b.tool.Name, b.serverName)
}

// Parameters re-serializes the server's input schema into the wire shape.
func (b *BridgeTool) Parameters() map[string]any {
	data, err := json.Marshal(b.tool.InputSchema)
	if err == nil {
		var params map[string]any
		if json.Unmarshal(data, &params) == nil {
			if t, ok := params["type"].(string); ok && t != "" {
				return params
			}
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (b *BridgeTool) Risk() tools.RiskLevel { return b.risk }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResultf("MCP server %s is not connected", b.serverName)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResultf("mcp call %s failed: %v", b.tool.Name, err).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	return tools.JSONResult(map[string]any{"content": text})
}

// flattenContent joins the textual parts of a tool result. Non-text parts
// are noted by type; this agent has no use for inline media.
func flattenContent(items []mcpgo.Content) string {
	var parts []string
	for _, item := range items {
		if tc, ok := mcpgo.AsTextContent(item); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if img, ok := mcpgo.AsImageContent(item); ok {
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", img.MIMEType, len(img.Data)))
			continue
		}
		parts = append(parts, "[unsupported content]")
	}
	return strings.Join(parts, "\n")
}
