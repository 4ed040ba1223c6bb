package planreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlan = `## Plan Metadata
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
- internal/authmw/migration.go

## Verification Gates

- go test ./internal/authmw/...

## Forbidden Actions

- MUST NOT write outside internal/authmw.

## Rollback/Failure Policy

If a verification gate fails, the trigger is the failed gate's exit code;
the recovery procedure is to revert the write and leave the prior file in
place.
`

func TestLint_PassesOnWellFormedPlan(t *testing.T) {
	result := Lint(validPlan)
	assert.Empty(t, result.Errors)
	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Hash)
}

func TestLint_RejectsModalVocabulary(t *testing.T) {
	withModal := validPlan + "\n\nThe agent may skip PHASE_TWO if out of time.\n"
	result := Lint(withModal)
	assert.False(t, result.Passed)
}

func TestLint_RejectsStubMarkers(t *testing.T) {
	withTodo := validPlan + "\n\nTODO: fill in the rest of this plan.\n"
	result := Lint(withTodo)
	assert.False(t, result.Passed)
}

func TestLint_RejectsMissingSections(t *testing.T) {
	result := Lint("## Plan Metadata\nplan_id: x\n")
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Errors)
}

func TestLint_IsDeterministic(t *testing.T) {
	a := Lint(validPlan)
	b := Lint(validPlan)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Passed, b.Passed)
}

func TestIsAllowedTransition(t *testing.T) {
	assert.True(t, IsAllowedTransition(StatusDraft, StatusApproved))
	assert.True(t, IsAllowedTransition(StatusApproved, StatusDeprecated))
	assert.True(t, IsAllowedTransition(StatusDeprecated, StatusSuperseded))
	assert.False(t, IsAllowedTransition(StatusApproved, StatusDraft))
	assert.False(t, IsAllowedTransition(StatusRejected, StatusApproved))
}

func TestRegistry_Create_NamesFileByContentHash(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	approvedPlan := validPlan + "\nstatus: APPROVED\n"
	hash, refused := r.Create(approvedPlan)
	require.Nil(t, refused)

	_, err := os.Stat(filepath.Join(dir, hash+".md"))
	require.NoError(t, err)
}

func TestRegistry_Load_DetectsTamperedFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-the-real-hash.md")
	require.NoError(t, os.WriteFile(path, []byte(validPlan), 0o644))

	r := NewRegistry(dir)
	_, refused := r.Load("not-the-real-hash")
	require.NotNil(t, refused)
	assert.Equal(t, "PLAN_TAMPERED", refused.Code)
}

func TestRegistry_Enforce_RejectsUnapprovedPlan(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	hash, refused := r.Create(validPlan) // no status: line -> defaults to DRAFT
	require.Nil(t, refused)

	_, refused = r.Enforce(hash, "")
	require.NotNil(t, refused)
	assert.Equal(t, "PLAN_NOT_APPROVED", refused.Code)
}

func TestRegistry_Enforce_AcceptsApprovedPlanMatchingPlanID(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	approvedPlan := validPlan + "\nstatus: APPROVED\n"
	hash, refused := r.Create(approvedPlan)
	require.Nil(t, refused)

	plan, refused := r.Enforce(hash, "auth-rewrite")
	require.Nil(t, refused)
	assert.Equal(t, StatusApproved, plan.Status)
	assert.Contains(t, plan.PathAllowlist, "internal/authmw/**")
}

func TestVerifyAll_DetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bogus.md"), []byte(validPlan), 0o644))

	valid, failures, err := VerifyAll(dir)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.NotEmpty(t, failures)
}
