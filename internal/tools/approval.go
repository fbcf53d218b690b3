package tools

import (
	"context"

	"github.com/Crestview-Labs/metagen/pkg/models"
)

// ApprovalPolicy decides whether an approval-gated tool call may run.
// Implementations may block on a human (CLI prompt, UI callback) or apply
// static rules.
type ApprovalPolicy interface {
	Decide(ctx context.Context, call models.ToolCallRequest) (models.UserDecision, string, error)
}

// AutoApprove approves every call. It is the executor's default policy so
// approval-gated tools keep working in non-interactive deployments.
type AutoApprove struct{}

// Decide implements ApprovalPolicy.
func (AutoApprove) Decide(context.Context, models.ToolCallRequest) (models.UserDecision, string, error) {
	return models.DecisionApproved, "", nil
}

// RejectAll rejects every call with a fixed feedback string.
type RejectAll struct {
	Feedback string
}

// Decide implements ApprovalPolicy.
func (p RejectAll) Decide(context.Context, models.ToolCallRequest) (models.UserDecision, string, error) {
	return models.DecisionRejected, p.Feedback, nil
}
