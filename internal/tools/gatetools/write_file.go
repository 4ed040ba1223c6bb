package gatetools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/policy"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

type writeFileParams struct {
	Path          string `json:"path"`
	Content       string `json:"content,omitempty"`
	Patch         string `json:"patch,omitempty"`
	PreviousHash  string `json:"previousHash,omitempty"`
	PlanHash      string `json:"plan_hash"`
	PlanID        string `json:"plan_id,omitempty"`
	PhaseID       string `json:"phase_id"`
	IntentContent string `json:"intent_content"`
}

// WriteFile implements write_file: runs the full write-time policy
// gauntlet (internal/policy) and, on success, performs the atomic write.
type WriteFile struct {
	manager           *session.Manager
	intentExemptGlobs []string
}

// NewWriteFile returns a WriteFile tool bound to manager, using
// intentExemptGlobs (config.Workspace.IntentExemptGlobs) to determine
// which targets skip intent validation.
func NewWriteFile(manager *session.Manager, intentExemptGlobs []string) *WriteFile {
	return &WriteFile{manager: manager, intentExemptGlobs: intentExemptGlobs}
}

func (t *WriteFile) Name() string        { return "write_file" }
func (t *WriteFile) Roles() []string     { return []string{"EXECUTOR"} }
func (t *WriteFile) Description() string {
	return "Apply a content or unified-diff patch mutation to a workspace file, subject to plan authorization, intent validation, and construct scanning."
}

func (t *WriteFile) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string", "description": "Full new file content; mutually exclusive with patch"},
    "patch": {"type": "string", "description": "Unified diff to apply against the current file; mutually exclusive with content"},
    "previousHash": {"type": "string", "description": "Expected current content hash, for optimistic concurrency"},
    "plan_hash": {"type": "string", "description": "Content hash of the executing APPROVED plan"},
    "plan_id": {"type": "string"},
    "phase_id": {"type": "string", "description": "UPPER_SNAKE phase id within the plan"},
    "intent_content": {"type": "string", "description": "The companion intent artifact's full markdown content"}
  },
  "required": ["path", "plan_hash", "phase_id"]
}`)
}

func (t *WriteFile) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p writeFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	plansDir, refused := sess.PlansDir()
	if refused != nil {
		return nil, refused
	}
	plans := planreg.NewRegistry(plansDir)

	engine := policy.NewEngine(sess, plans, nil, 0)

	req := policy.WriteRequest{
		TargetPath:    p.Path,
		Content:       p.Content,
		Patch:         p.Patch,
		PreviousHash:  p.PreviousHash,
		PlanHash:      p.PlanHash,
		PlanID:        p.PlanID,
		PhaseID:       p.PhaseID,
		IntentContent: p.IntentContent,
		IsExempt:      t.isExempt(p.Path),
	}

	outcome, refused := engine.Write(ctx, req)
	if refused != nil {
		return nil, refused
	}

	return mcp.JSONResult(map[string]any{
		"path":        p.Path,
		"result_hash": outcome.ResultHash,
		"intent_hash": outcome.IntentHash,
	})
}

func (t *WriteFile) isExempt(path string) bool {
	clean := filepath.ToSlash(path)
	for _, glob := range t.intentExemptGlobs {
		glob = filepath.ToSlash(glob)
		if strings.HasSuffix(glob, "/**") {
			prefix := strings.TrimSuffix(glob, "/**")
			if strings.HasPrefix(clean, prefix+"/") || clean == prefix {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(glob, clean); ok {
			return true
		}
	}
	return false
}
