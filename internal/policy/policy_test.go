package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

const samplePlan = `## Plan Metadata
` + "```yaml" + `
plan_id: auth-rewrite
owner: platform-team
` + "```" + `

## Scope & Constraints

- Touch only the auth middleware package.
- No changes to the public API surface.

## Phase Definitions

- PHASE_ONE: replace token storage with a hashed-session store.
- PHASE_TWO: migrate existing sessions and remove the old store.

## Path Allowlist

- internal/authmw/**

## Verification Gates

- true

## Forbidden Actions

- MUST NOT write outside internal/authmw.

## Rollback/Failure Policy

If a verification gate fails, the trigger is the failed gate's exit code;
the recovery procedure is to revert the write and leave the prior file in
place.

status: APPROVED
`

func newFixture(t *testing.T) (*session.Session, *planreg.Registry, string) {
	t.Helper()
	root := t.TempDir()
	m := session.NewManager()
	sess, refused := m.Begin(root, session.RoleExecutor)
	require.Nil(t, refused)
	sess.MarkPromptRead()

	plansDir, refused := sess.PlansDir()
	require.Nil(t, refused)
	plans := planreg.NewRegistry(plansDir)

	hash, refused := plans.Create(samplePlan)
	require.Nil(t, refused)

	return sess, plans, hash
}

func validIntentFor(targetPath, planHash string) string {
	return "# " + targetPath + `

## Target

` + targetPath + `

## Purpose

Replace the token store with a hashed-session store.

## Authority

plan_hash: ` + planHash + `, phase_id: PHASE_ONE

## Inputs

The existing token store implementation.

## Outputs

A hashed-session store implementation.

## Invariants

Every session id is rotated on privilege escalation.

## Failure Modes

A corrupt session entry is treated as unauthenticated.

## Debug Signals

Session rotation emits a structured log line.

## Out of Scope

Migrating existing sessions is handled in a later phase.
`
}

func TestEngine_Write_HappyPath(t *testing.T) {
	sess, plans, hash := newFixture(t)
	engine := NewEngine(sess, plans, nil, 0)

	req := WriteRequest{
		TargetPath:    "internal/authmw/store.go",
		Content:       "package authmw\n\nfunc NewStore() *Store { return &Store{} }\n",
		PlanHash:      hash,
		PlanID:        "auth-rewrite",
		PhaseID:       "PHASE_ONE",
		IntentContent: validIntentFor("internal/authmw/store.go", hash),
	}

	outcome, refused := engine.Write(context.Background(), req)
	require.Nil(t, refused)
	assert.NotEmpty(t, outcome.ResultHash)
	assert.NotEmpty(t, outcome.IntentHash)

	written, err := os.ReadFile(filepath.Join(sess.Root(), "internal/authmw/store.go"))
	require.NoError(t, err)
	assert.Contains(t, string(written), "NewStore")
}

func TestEngine_Write_RejectsPlannerRole(t *testing.T) {
	root := t.TempDir()
	m := session.NewManager()
	sess, refused := m.Begin(root, session.RolePlanner)
	require.Nil(t, refused)
	sess.MarkPromptRead()

	plansDir, refused := sess.PlansDir()
	require.Nil(t, refused)
	plans := planreg.NewRegistry(plansDir)
	hash, refused := plans.Create(samplePlan)
	require.Nil(t, refused)

	engine := NewEngine(sess, plans, nil, 0)
	_, refused = engine.Write(context.Background(), WriteRequest{
		TargetPath: "internal/authmw/store.go",
		Content:    "package authmw\n",
		PlanHash:   hash,
		PhaseID:    "PHASE_ONE",
	})
	require.NotNil(t, refused)
	assert.Equal(t, "ROLE_MISMATCH", refused.Code)
}

func TestEngine_Write_RejectsWhenPromptNotRead(t *testing.T) {
	root := t.TempDir()
	m := session.NewManager()
	sess, refused := m.Begin(root, session.RoleExecutor)
	require.Nil(t, refused)

	plansDir, refused := sess.PlansDir()
	require.Nil(t, refused)
	plans := planreg.NewRegistry(plansDir)
	hash, refused := plans.Create(samplePlan)
	require.Nil(t, refused)

	engine := NewEngine(sess, plans, nil, 0)
	_, refused = engine.Write(context.Background(), WriteRequest{
		TargetPath: "internal/authmw/store.go",
		Content:    "package authmw\n",
		PlanHash:   hash,
		PhaseID:    "PHASE_ONE",
	})
	require.NotNil(t, refused)
	assert.Equal(t, "PROMPT_GATE_LOCKED", refused.Code)
}

func TestEngine_Write_RejectsPathOutsideAllowlist(t *testing.T) {
	sess, plans, hash := newFixture(t)
	engine := NewEngine(sess, plans, nil, 0)

	_, refused := engine.Write(context.Background(), WriteRequest{
		TargetPath:    "internal/other/store.go",
		Content:       "package other\n",
		PlanHash:      hash,
		PhaseID:       "PHASE_ONE",
		IntentContent: validIntentFor("internal/other/store.go", hash),
	})
	require.NotNil(t, refused)
	assert.Equal(t, "INV_PATH_WITHIN_REPO", refused.Code)
}

func TestEngine_Write_RejectsUnapprovedPlan(t *testing.T) {
	root := t.TempDir()
	m := session.NewManager()
	sess, refused := m.Begin(root, session.RoleExecutor)
	require.Nil(t, refused)
	sess.MarkPromptRead()

	plansDir, refused := sess.PlansDir()
	require.Nil(t, refused)
	plans := planreg.NewRegistry(plansDir)

	draftPlan := `## Plan Metadata
` + "```yaml" + `
plan_id: auth-rewrite
owner: platform-team
` + "```" + `

## Scope & Constraints

- Touch only the auth middleware package.
- No changes to the public API surface.

## Phase Definitions

- PHASE_ONE: replace token storage.

## Path Allowlist

- internal/authmw/**

## Verification Gates

- true

## Forbidden Actions

- MUST NOT write outside internal/authmw.

## Rollback/Failure Policy

If a verification gate fails, the trigger is the failed gate's exit code;
the recovery procedure is to revert the write.
`
	hash, refused := plans.Create(draftPlan)
	require.Nil(t, refused)

	engine := NewEngine(sess, plans, nil, 0)
	_, refused = engine.Write(context.Background(), WriteRequest{
		TargetPath:    "internal/authmw/store.go",
		Content:       "package authmw\n",
		PlanHash:      hash,
		PhaseID:       "PHASE_ONE",
		IntentContent: validIntentFor("internal/authmw/store.go", hash),
	})
	require.NotNil(t, refused)
	assert.Equal(t, "PLAN_NOT_APPROVED", refused.Code)
}

func TestEngine_Write_RejectsConstructViolation(t *testing.T) {
	sess, plans, hash := newFixture(t)
	engine := NewEngine(sess, plans, nil, 0)

	_, refused := engine.Write(context.Background(), WriteRequest{
		TargetPath:    "internal/authmw/store.go",
		Content:       "package authmw\n\n// mock implementation, replace later\n",
		PlanHash:      hash,
		PhaseID:       "PHASE_ONE",
		IntentContent: validIntentFor("internal/authmw/store.go", hash),
	})
	require.NotNil(t, refused)
	assert.Equal(t, "HARD_BLOCK_VIOLATION", refused.Code)
}

func TestEngine_Write_RejectsStaleOptimisticConcurrencyToken(t *testing.T) {
	sess, plans, hash := newFixture(t)
	engine := NewEngine(sess, plans, nil, 0)

	_, refused := engine.Write(context.Background(), WriteRequest{
		TargetPath:    "internal/authmw/store.go",
		Content:       "package authmw\n",
		PreviousHash:  "0000000000000000000000000000000000000000000000000000000000000",
		PlanHash:      hash,
		PhaseID:       "PHASE_ONE",
		IntentContent: validIntentFor("internal/authmw/store.go", hash),
	})
	require.NotNil(t, refused)
	assert.Equal(t, "CONCURRENT_MODIFICATION", refused.Code)
}

func TestEngine_Write_RejectsIntentPlanBindingMismatch(t *testing.T) {
	sess, plans, hash := newFixture(t)
	engine := NewEngine(sess, plans, nil, 0)

	_, refused := engine.Write(context.Background(), WriteRequest{
		TargetPath:    "internal/authmw/store.go",
		Content:       "package authmw\n",
		PlanHash:      hash,
		PhaseID:       "PHASE_TWO",
		IntentContent: validIntentFor("internal/authmw/store.go", hash),
	})
	require.NotNil(t, refused)
	assert.Equal(t, "INTENT_PLAN_BINDING", refused.Code)
}
