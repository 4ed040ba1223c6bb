package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Begin_OnlyOncePerProcess(t *testing.T) {
	root := t.TempDir()
	m := NewManager()

	sess, refused := m.Begin(root, RoleExecutor)
	require.Nil(t, refused)
	require.NotNil(t, sess)
	assert.Equal(t, RoleExecutor, sess.Role())

	_, refused = m.Begin(root, RolePlanner)
	require.NotNil(t, refused)
	assert.Equal(t, "SESSION_NOT_INITIALIZED", refused.Code)
}

func TestManager_Begin_RejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir")
	require.NoError(t, writeFile(file, "x"))

	m := NewManager()
	_, refused := m.Begin(file, RoleExecutor)
	require.NotNil(t, refused)
}

func TestManager_Get_RejectsUnknownSessionID(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	sess, refused := m.Begin(root, RoleExecutor)
	require.Nil(t, refused)

	got, refused := m.Get(sess.ID())
	require.Nil(t, refused)
	assert.Same(t, sess, got)

	_, refused = m.Get("not-the-session-id")
	require.NotNil(t, refused)
}

func TestSession_Resolve_RejectsEscapeOutsideRoot(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	sess, refused := m.Begin(root, RoleExecutor)
	require.Nil(t, refused)

	_, refused = sess.Resolve("../../etc/passwd", KindRead)
	require.NotNil(t, refused)
	assert.Equal(t, "INV_PATH_WITHIN_REPO", refused.Code)
}

func TestSession_Resolve_AcceptsRelativePathWithinRoot(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	sess, refused := m.Begin(root, RoleExecutor)
	require.Nil(t, refused)

	resolved, refused := sess.Resolve("docs/plan.md", KindWrite)
	require.Nil(t, refused)
	assert.Equal(t, filepath.Join(root, "docs", "plan.md"), resolved)
}

func TestSession_Resolve_RejectsEmptyPath(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	sess, refused := m.Begin(root, RoleExecutor)
	require.Nil(t, refused)

	_, refused = sess.Resolve("   ", KindRead)
	require.NotNil(t, refused)
	assert.Equal(t, "INVALID_PATH", refused.Code)
}

func TestSession_PlansDir_CreatesDirectory(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	sess, refused := m.Begin(root, RolePlanner)
	require.Nil(t, refused)

	dir, refused := sess.PlansDir()
	require.Nil(t, refused)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(root, "docs", "plans"), dir)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
