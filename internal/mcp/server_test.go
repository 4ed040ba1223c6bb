package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/refusal"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

// fakeTool is a minimal Tool implementation for dispatcher tests.
type fakeTool struct {
	name    string
	roles   []string
	result  *ToolsCallResult
	refused *refusal.Refusal
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string            { return "fake tool for tests" }
func (f *fakeTool) InputSchema() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Roles() []string                { return f.roles }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	if f.refused != nil {
		return nil, f.refused
	}
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sessionCreatingTool mimics begin_session: it creates the process's one
// session as a side effect of Execute, rather than requiring one to exist
// beforehand.
type sessionCreatingTool struct {
	sessions *session.Manager
	root     string
}

func (t *sessionCreatingTool) Name() string                { return "begin_session" }
func (t *sessionCreatingTool) Description() string          { return "fake begin_session for tests" }
func (t *sessionCreatingTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *sessionCreatingTool) Roles() []string               { return nil }
func (t *sessionCreatingTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	sess, refused := t.sessions.Begin(t.root, session.RoleExecutor)
	if refused != nil {
		return nil, refused
	}
	return JSONResult(map[string]string{"session_id": sess.ID()})
}

func TestServer_ToolsCall_RejectsRoleMismatch(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeTool{name: "write_file", roles: []string{"EXECUTOR"}, result: ErrorResult("unreachable")})

	sessions := session.NewManager()
	_, refused := sessions.Begin(t.TempDir(), session.RolePlanner)
	require.Nil(t, refused)

	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"write_file","arguments":{}}}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(*ToolsCallResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "ROLE_MISMATCH")
}

func TestServer_ToolsCall_AllowsMatchingRole(t *testing.T) {
	registry := NewRegistry()
	okResult, err := JSONResult(map[string]string{"status": "done"})
	require.NoError(t, err)
	registry.Register(&fakeTool{name: "write_file", roles: []string{"EXECUTOR"}, result: okResult})

	sessions := session.NewManager()
	_, refused := sessions.Begin(t.TempDir(), session.RoleExecutor)
	require.Nil(t, refused)

	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"write_file","arguments":{}}}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(*ToolsCallResult)
	assert.False(t, result.IsError)
}

func TestServer_ToolsCall_UnknownToolIsMethodNotFound(t *testing.T) {
	registry := NewRegistry()
	sessions := session.NewManager()
	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestServer_ToolsCall_RoleAgnosticToolSkipsGateWithoutSession(t *testing.T) {
	registry := NewRegistry()
	okResult, err := JSONResult(map[string]string{"status": "done"})
	require.NoError(t, err)
	registry.Register(&fakeTool{name: "read_prompt", roles: nil, result: okResult})

	sessions := session.NewManager() // no Begin() call: no active session
	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_prompt","arguments":{}}}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(*ToolsCallResult)
	assert.False(t, result.IsError)
}

func TestServer_ToolsCall_AppendsAuditEntryOnSuccess(t *testing.T) {
	registry := NewRegistry()
	okResult, err := JSONResult(map[string]string{"status": "done"})
	require.NoError(t, err)
	registry.Register(&fakeTool{name: "write_file", roles: []string{"EXECUTOR"}, result: okResult})

	sessions := session.NewManager()
	sess, refused := sessions.Begin(t.TempDir(), session.RoleExecutor)
	require.Nil(t, refused)

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog := audit.New(auditPath, time.Second)

	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, auditLog)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"write_file","arguments":{}}}`))
	require.Nil(t, resp.Error)

	valid, failures, err := auditLog.Verify()
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.True(t, valid)

	// The dispatcher rebinds the log to the session's own audit path
	// before appending, so the entry lands there rather than at auditPath.
	boundPath, refused := sess.AuditLogPath()
	require.Nil(t, refused)
	raw, err := os.ReadFile(boundPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), sess.ID())
}

func TestServer_ToolsCall_BeginSessionGetsItsOwnAuditEntryAppended(t *testing.T) {
	registry := NewRegistry()
	sessions := session.NewManager()
	root := t.TempDir()
	registry.Register(&sessionCreatingTool{sessions: sessions, root: root})

	auditLog := audit.New("", time.Second) // unbound: no session exists yet
	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, auditLog)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"begin_session","arguments":{}}}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(*ToolsCallResult)
	assert.False(t, result.IsError)

	sess := sessions.Current()
	require.NotNil(t, sess)

	auditPath, refused := sess.AuditLogPath()
	require.Nil(t, refused)
	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), sess.ID())
	assert.Contains(t, string(raw), `"seq":1`)
	assert.NotContains(t, string(raw), `"buffered":true`)
}

func TestServer_ToolsCall_MarksPromptReadOnSuccess(t *testing.T) {
	registry := NewRegistry()
	okResult, err := JSONResult(map[string]string{"status": "done"})
	require.NoError(t, err)
	registry.Register(&fakeTool{name: "read_prompt", roles: nil, result: okResult})

	sessions := session.NewManager()
	sess, refused := sessions.Begin(t.TempDir(), session.RoleExecutor)
	require.Nil(t, refused)
	assert.False(t, sess.PromptRead())

	resp := srvHelperDispatch(t, registry, sessions, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_prompt","arguments":{}}}`)
	require.Nil(t, resp.Error)
	assert.True(t, sess.PromptRead())
}

func srvHelperDispatch(t *testing.T, registry *Registry, sessions *session.Manager, raw string) *Response {
	t.Helper()
	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)
	return srv.handleMessage(context.Background(), []byte(raw))
}

func TestServer_HandleToolsList_ReturnsRegisteredTools(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeTool{name: "read_prompt", roles: nil})
	registry.Register(&fakeTool{name: "write_file", roles: []string{"EXECUTOR"}})

	sessions := session.NewManager()
	srv := NewServer(registry, ServerInfo{Name: "atlas-gate", Version: "test"}, testLogger(), sessions, nil)

	resp := srv.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.Nil(t, resp.Error)
	result := resp.Result.(*ToolsListResult)
	assert.Len(t, result.Tools, 2)
}
