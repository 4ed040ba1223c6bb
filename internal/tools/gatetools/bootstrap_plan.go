package gatetools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-gate/atlas-gate/internal/bootstrap"
	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

type bootstrapPlanParams struct {
	Content        string `json:"content"`
	RepoIdentifier string `json:"repoIdentifier"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
	Action         string `json:"action"`
	Signature      string `json:"signature"`
}

// BootstrapPlan implements bootstrap_plan: the one exceptional path that
// creates a workspace's first APPROVED plan, authorized by an HMAC proof
// instead of a preceding plan (since none can exist yet).
type BootstrapPlan struct {
	manager  *session.Manager
	verifier *bootstrap.Verifier
}

// NewBootstrapPlan returns a BootstrapPlan tool bound to manager and
// verifier.
func NewBootstrapPlan(manager *session.Manager, verifier *bootstrap.Verifier) *BootstrapPlan {
	return &BootstrapPlan{manager: manager, verifier: verifier}
}

func (t *BootstrapPlan) Name() string    { return "bootstrap_plan" }
func (t *BootstrapPlan) Roles() []string { return []string{"EXECUTOR"} }
func (t *BootstrapPlan) Description() string {
	return "Create the workspace's first plan, authorized by a signed bootstrap proof instead of an existing APPROVED plan."
}

func (t *BootstrapPlan) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The plan document to create, including frontmatter with status: APPROVED"},
    "repoIdentifier": {"type": "string"},
    "timestamp": {"type": "integer", "description": "Unix seconds the proof was signed at"},
    "nonce": {"type": "string"},
    "action": {"type": "string"},
    "signature": {"type": "string", "description": "Hex HMAC-SHA256 of the canonical proof payload"}
  },
  "required": ["content", "repoIdentifier", "timestamp", "nonce", "action", "signature"]
}`)
}

func (t *BootstrapPlan) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p bootstrapPlanParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	payload := bootstrap.Payload{
		RepoIdentifier: p.RepoIdentifier,
		Timestamp:      p.Timestamp,
		Nonce:          p.Nonce,
		Action:         p.Action,
	}
	if refused := t.verifier.Verify(payload, p.Signature); refused != nil {
		return nil, refused
	}

	plansDir, refused := sess.PlansDir()
	if refused != nil {
		return nil, refused
	}

	hash, refused := planreg.NewRegistry(plansDir).Create(p.Content)
	if refused != nil {
		return nil, refused
	}

	return mcp.JSONResult(map[string]any{"plan_hash": hash})
}
