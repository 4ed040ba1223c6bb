package gatetools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

// VerifyIntegrity implements verify_integrity: re-scans the workspace's
// audit hash chain end to end, and re-checks every plan file's name against
// its recomputed content hash.
type VerifyIntegrity struct {
	manager *session.Manager
}

// NewVerifyIntegrity returns a VerifyIntegrity tool bound to manager.
func NewVerifyIntegrity(manager *session.Manager) *VerifyIntegrity {
	return &VerifyIntegrity{manager: manager}
}

func (t *VerifyIntegrity) Name() string        { return "verify_integrity" }
func (t *VerifyIntegrity) Roles() []string     { return nil } // both
func (t *VerifyIntegrity) Description() string {
	return "Re-verify the audit log hash chain and every stored plan's content-addressed filename."
}

func (t *VerifyIntegrity) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *VerifyIntegrity) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	auditPath, refused := sess.AuditLogPath()
	if refused != nil {
		return nil, refused
	}
	auditValid, auditFailures, err := audit.New(auditPath, 0).Verify()
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("verifying audit log: %v", err)), nil
	}

	plansDir, refused := sess.PlansDir()
	if refused != nil {
		return nil, refused
	}
	plansValid, planFailures, err := planreg.VerifyAll(plansDir)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("verifying plans: %v", err)), nil
	}

	return mcp.JSONResult(map[string]any{
		"audit_log_valid": auditValid,
		"audit_failures":  auditFailures,
		"plans_valid":     plansValid,
		"plan_failures":   planFailures,
	})
}
