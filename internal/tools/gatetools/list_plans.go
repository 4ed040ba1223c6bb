package gatetools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

// ListPlans implements list_plans: enumerates every APPROVED plan in the
// session's workspace.
type ListPlans struct {
	manager *session.Manager
}

// NewListPlans returns a ListPlans tool bound to manager.
func NewListPlans(manager *session.Manager) *ListPlans {
	return &ListPlans{manager: manager}
}

func (t *ListPlans) Name() string        { return "list_plans" }
func (t *ListPlans) Roles() []string     { return nil } // both
func (t *ListPlans) Description() string { return "Enumerate APPROVED plans in the active workspace." }

func (t *ListPlans) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListPlans) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	plansDir, refused := sess.PlansDir()
	if refused != nil {
		return nil, refused
	}

	registry := planreg.NewRegistry(plansDir)
	hashes, err := registry.ListApproved()
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}

	return mcp.JSONResult(map[string]any{"plans": hashes})
}
