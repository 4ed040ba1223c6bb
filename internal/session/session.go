// Package session implements the Path/Session Resolver: the single source
// of truth for "which workspace" and "which absolute path" within it.
//
// The durable state is a canonicalized workspace root plus a small
// role/sequence/prompt-read state machine, held behind a mutex-guarded
// pointer the way a per-caller client factory holds its one piece of
// durable state.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/atlas-gate/atlas-gate/internal/refusal"
)

// Role is the session's declared agent role.
type Role string

const (
	RolePlanner  Role = "PLANNER"
	RoleExecutor Role = "EXECUTOR"
)

// PathKind distinguishes resolve() intent so future policy can diverge
// between read and write resolution (write resolution additionally demands
// plan binding upstream, in internal/policy).
type PathKind int

const (
	KindRead PathKind = iota
	KindWrite
)

// state is the one-shot {UNINITIALIZED -> INITIALIZED} machine.
type state int

const (
	stateUninitialized state = iota
	stateInitialized
)

// Session holds the canonical workspace root and per-session fields. It is
// created exactly once per process by Manager.Begin and is immutable for
// its lifetime except for the monotonic sequence counter and the
// prompt-read flag.
type Session struct {
	mu sync.Mutex

	id     string
	role   Role
	root   string // canonicalized, absolute, symlink-resolved
	state  state
	seq    int
	prompt bool
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Role returns the session's declared role.
func (s *Session) Role() Role { return s.role }

// Root returns the canonicalized workspace root.
func (s *Session) Root() string { return s.root }

// PromptRead reports whether read_prompt has been called at least once.
func (s *Session) PromptRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// MarkPromptRead records that the canonical prompt has been fetched.
func (s *Session) MarkPromptRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = true
}

// NextSeq returns the next monotonically increasing sequence number for
// this session's audit entries.
func (s *Session) NextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// requireInitialized returns SESSION_NOT_INITIALIZED if the session hasn't
// completed begin_session. Sessions returned by Manager.Begin are always
// initialized, so this only guards against a nil Session pointer reaching
// a resolver call.
func (s *Session) requireInitialized() *refusal.Refusal {
	if s == nil || s.state != stateInitialized {
		return refusal.New(refusal.CodeSessionNotInitialized, "", "resolver called before begin_session")
	}
	return nil
}

// Resolve validates and resolves path against the session's workspace
// root. It rejects empty input, `..` traversal, and any result that would
// escape the root after symlink resolution. Existing targets are resolved
// through the filesystem's real-path function to dereference symlinks;
// targets that do not yet exist are resolved lexically against the root and
// then checked for containment.
func (s *Session) Resolve(path string, kind PathKind) (string, *refusal.Refusal) {
	if r := s.requireInitialized(); r != nil {
		return "", r
	}
	if strings.TrimSpace(path) == "" {
		return "", refusal.New(refusal.CodeInvalidPath, "", "path must not be empty")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	} else if !os.IsNotExist(err) {
		return "", refusal.Newf(refusal.CodeInvalidPath, "", "resolving path: %v", err)
	}
	// else: target does not yet exist, use the lexically cleaned candidate.

	if !withinRoot(s.root, candidate) {
		return "", refusal.New(refusal.CodeInvPathWithinRepo, "", "path escapes workspace root")
	}

	return candidate, nil
}

// PlansDir returns the canonical plans directory, auto-created if missing.
func (s *Session) PlansDir() (string, *refusal.Refusal) {
	if r := s.requireInitialized(); r != nil {
		return "", r
	}
	dir := filepath.Join(s.root, "docs", "plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", refusal.Newf(refusal.CodeInvalidPath, "", "creating plans dir: %v", err)
	}
	return dir, nil
}

// AuditLogPath returns the canonical audit log file path for this session's
// workspace, auto-creating its parent directory if missing.
func (s *Session) AuditLogPath() (string, *refusal.Refusal) {
	if r := s.requireInitialized(); r != nil {
		return "", r
	}
	dir := filepath.Join(s.root, ".atlas-gate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", refusal.Newf(refusal.CodeInvalidPath, "", "creating audit dir: %v", err)
	}
	return filepath.Join(dir, "audit.log"), nil
}

// withinRoot reports whether candidate is root itself or a descendant of
// root, comparing cleaned, OS-native paths.
func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Manager is the process-wide registry of sessions. One process hosts
// exactly one active session for the lifetime of this gateway (the
// "single canonical workspace root per session" invariant); Manager exists
// so the dispatcher has a stable place to look the active session up by id
// without threading a pointer through every call.
type Manager struct {
	mu      sync.Mutex
	current *Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{}
}

// Begin creates the session for this process. It is one-shot: a second
// call fails, since the workspace root invariant is "exactly one per
// session, immutable for the session's lifetime."
func (m *Manager) Begin(workspaceRoot string, role Role) (*Session, *refusal.Refusal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, refusal.New(refusal.CodeSessionNotInitialized, "", "session already initialized for this process")
	}

	info, err := os.Stat(workspaceRoot)
	if err != nil {
		return nil, refusal.Newf("WORKSPACE_UNREADABLE", "", "stat workspace root: %v", err)
	}
	if !info.IsDir() {
		return nil, refusal.New("WORKSPACE_NOT_A_DIRECTORY", "", fmt.Sprintf("%s is not a directory", workspaceRoot))
	}

	canonical, err := filepath.EvalSymlinks(workspaceRoot)
	if err != nil {
		return nil, refusal.Newf("WORKSPACE_UNREADABLE", "", "resolving workspace root: %v", err)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, refusal.Newf("WORKSPACE_UNREADABLE", "", "absolute workspace root: %v", err)
	}

	sess := &Session{
		id:    uuid.NewString(),
		role:  role,
		root:  canonical,
		state: stateInitialized,
	}
	m.current = sess
	return sess, nil
}

// Current returns the process's active session, or nil if begin_session
// has not yet run.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Get returns the active session iff its id matches sessionID; used by the
// dispatcher to reject stale or foreign session ids instead of silently
// falling back to "the" session.
func (m *Manager) Get(sessionID string) (*Session, *refusal.Refusal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, refusal.New(refusal.CodeSessionNotInitialized, "", "no session has been started")
	}
	if sessionID != "" && sessionID != m.current.id {
		return nil, refusal.New(refusal.CodeSessionNotInitialized, "", "unknown session id")
	}
	return m.current, nil
}
