package refusal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefusal_Error(t *testing.T) {
	r := New(CodeRoleMismatch, "I-ROLE", "executor required")
	assert.Equal(t, "ROLE_MISMATCH (I-ROLE): executor required", r.Error())
}

func TestRefusal_ErrorWithoutInvariantID(t *testing.T) {
	r := New(CodeInvalidPath, "", "path must not be empty")
	assert.Equal(t, "INVALID_PATH: path must not be empty", r.Error())
}

func TestNewf_FormatsMessage(t *testing.T) {
	r := Newf(CodePlanIDMismatch, "I-PLAN", "expected %q got %q", "a", "b")
	assert.Equal(t, `expected "a" got "b"`, r.Message)
}

func TestRefusal_SatisfiesErrorInterface(t *testing.T) {
	var err error = New(CodeSessionNotInitialized, "", "no session")
	var r *Refusal
	assert.True(t, errors.As(err, &r))
	assert.Equal(t, CodeSessionNotInitialized, r.Code)
}
