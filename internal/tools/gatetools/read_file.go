package gatetools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

type readFileParams struct {
	Path string `json:"path"`
}

// ReadFile implements read_file: reads a workspace file through the
// session resolver. The audit entry for this tool records nothing of the
// file: the audit bracketing in internal/mcp only hashes tool arguments,
// never tool results. The result returned to the caller carries the
// content, its SHA-256 hash and its length.
type ReadFile struct {
	manager *session.Manager
}

// NewReadFile returns a ReadFile tool bound to manager.
func NewReadFile(manager *session.Manager) *ReadFile {
	return &ReadFile{manager: manager}
}

func (t *ReadFile) Name() string        { return "read_file" }
func (t *ReadFile) Roles() []string     { return nil } // both
func (t *ReadFile) Description() string { return "Read a file from the active workspace." }

func (t *ReadFile) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Workspace-relative or absolute path to read"}
  },
  "required": ["path"]
}`)
}

func (t *ReadFile) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p readFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	resolved, refused := sess.Resolve(p.Path, session.KindRead)
	if refused != nil {
		return nil, refused
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("reading file: %v", err)), nil
	}

	sum := sha256.Sum256(data)
	return mcp.JSONResult(map[string]any{
		"path":    p.Path,
		"content": string(data),
		"hash":    hex.EncodeToString(sum[:]),
		"bytes":   len(data),
	})
}
