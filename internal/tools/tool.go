package tools

import (
	"context"

	"github.com/coveyhq/covey/internal/providers"
)

// RiskLevel classifies what a tool can touch. ReadOnly tools are never
// gated; everything else goes through the permission arbiter.
type RiskLevel string

const (
	RiskReadOnly     RiskLevel = "read_only"
	RiskWrite        RiskLevel = "write"
	RiskUIAutomation RiskLevel = "ui_automation"
	RiskAgentComm    RiskLevel = "agent_communication"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Risk() RiskLevel
	Execute(ctx context.Context, args map[string]any) *Result
}

// Definition converts a tool to its wire schema.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.FunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Approver decides whether a side-effectful tool call may proceed. The
// dispatcher consults it for every non-ReadOnly call.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApprovalRequest describes the call being arbitrated.
type ApprovalRequest struct {
	Tool      string
	Risk      RiskLevel
	Arguments map[string]any
}
