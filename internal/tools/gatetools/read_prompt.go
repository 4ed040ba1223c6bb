package gatetools

import (
	"context"
	"encoding/json"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
)

// canonicalPrompt is the governance prompt every executor session must
// fetch at least once before write_file is unlocked (the prompt gate,
// step 2 of the write gauntlet in internal/policy).
const canonicalPrompt = `# ATLAS-GATE executor prompt

You are an autonomous coding agent operating under ATLAS-GATE governance.
Every mutation you make must be:

1. Authorized by an APPROVED plan, referenced by its content hash.
2. Accompanied by an intent artifact binding the write to that plan's hash
   and phase id.
3. Free of stub, mock, TODO, hardcoded-return, and policy-bypass constructs
   unless the executing plan explicitly authorizes them.
4. Recorded in the workspace's append-only audit log.

Call list_plans to discover APPROVED plans, read_file to inspect targets,
and write_file to apply changes. Any refusal includes an invariant id and
error code: correct the underlying condition and retry, do not attempt to
route around the refusal.
`

// ReadPrompt implements read_prompt: returns the canonical governance
// prompt and marks the session's prompt_read flag (the flag itself is set
// by the dispatcher in internal/mcp/server.go).
type ReadPrompt struct{}

// NewReadPrompt returns a ReadPrompt tool.
func NewReadPrompt() *ReadPrompt { return &ReadPrompt{} }

func (t *ReadPrompt) Name() string        { return "read_prompt" }
func (t *ReadPrompt) Roles() []string     { return []string{"EXECUTOR"} }
func (t *ReadPrompt) Description() string { return "Fetch the canonical governance prompt. Required once per session before write_file is available." }

func (t *ReadPrompt) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ReadPrompt) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.TextContent(canonicalPrompt)},
	}, nil
}
