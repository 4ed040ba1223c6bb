package gatetools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
)

type lintPlanParams struct {
	Content string `json:"content"`
}

// LintPlan implements lint_plan: runs the plan linter against a candidate
// document without touching the plan registry, so a PLANNER can iterate on
// a draft before it is written to docs/plans.
type LintPlan struct{}

// NewLintPlan returns a LintPlan tool.
func NewLintPlan() *LintPlan { return &LintPlan{} }

func (t *LintPlan) Name() string        { return "lint_plan" }
func (t *LintPlan) Roles() []string     { return []string{"PLANNER"} }
func (t *LintPlan) Description() string {
	return "Lint a candidate plan document's structure, vocabulary, and metadata without persisting it."
}

func (t *LintPlan) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "Full candidate plan document, including frontmatter"}
  },
  "required": ["content"]
}`)
}

func (t *LintPlan) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p lintPlanParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	result := planreg.Lint(p.Content)
	return mcp.JSONResult(map[string]any{
		"passed":   result.Passed,
		"errors":   result.Errors,
		"warnings": result.Warnings,
		"hash":     result.Hash,
	})
}
