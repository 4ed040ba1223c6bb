// Package gatetools implements the ATLAS-GATE tool surface: one Go
// type per logical tool — a struct holding the dependencies the tool
// needs, Name/Description/InputSchema/Execute, a params struct with json
// tags, and mcp.ErrorResult/mcp.JSONResult for responses.
package gatetools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

type beginSessionParams struct {
	WorkspaceRoot string `json:"workspace_root"`
	Role          string `json:"role"`
}

// BeginSession implements begin_session: initializes the workspace root and
// role for this process's one session.
type BeginSession struct {
	manager *session.Manager
}

// NewBeginSession returns a BeginSession tool bound to manager.
func NewBeginSession(manager *session.Manager) *BeginSession {
	return &BeginSession{manager: manager}
}

func (t *BeginSession) Name() string        { return "begin_session" }
func (t *BeginSession) Roles() []string     { return nil } // both
func (t *BeginSession) Description() string {
	return "Initialize the workspace root and agent role for this session. Must be called before any other tool."
}

func (t *BeginSession) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "workspace_root": {"type": "string", "description": "Absolute path to the workspace root"},
    "role": {"type": "string", "enum": ["PLANNER", "EXECUTOR"], "description": "The agent role for this session"}
  },
  "required": ["workspace_root", "role"]
}`)
}

func (t *BeginSession) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p beginSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	role := session.Role(p.Role)
	if role != session.RolePlanner && role != session.RoleExecutor {
		return mcp.ErrorResult(fmt.Sprintf("invalid role %q: must be PLANNER or EXECUTOR", p.Role)), nil
	}

	sess, refused := t.manager.Begin(p.WorkspaceRoot, role)
	if refused != nil {
		return nil, refused
	}

	return mcp.JSONResult(map[string]any{
		"session_id": sess.ID(),
		"role":       string(sess.Role()),
		"root":       sess.Root(),
	})
}
