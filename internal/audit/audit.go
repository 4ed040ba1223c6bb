// Package audit implements the append-only, hash-chained audit log: one
// immutable record per tool invocation, fail-closed, never silently
// dropped.
//
// The append algorithm and redaction policy are new to this domain, but the
// bracketing style — log a structured line before and after the work it
// describes — generalizes internal/mcp/server.go's
// `s.logger.Info("calling tool", "name", name)` convention; here the
// structured line is the durable record instead of an ephemeral log line.
// File locking uses syscall.Flock with LOCK_EX|LOCK_NB and a bounded retry
// loop.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/atlas-gate/atlas-gate/internal/refusal"
)

const genesisHash = "GENESIS"

// Entry is one audit record. The on-disk line is json.Marshal of this
// struct, so field order here is the on-disk field order; the canonical
// form used to compute EntryHash sorts keys.
type Entry struct {
	TS            string `json:"ts"`
	Seq           int    `json:"seq"`
	PrevHash      string `json:"prev_hash"`
	EntryHash     string `json:"entry_hash,omitempty"`
	SessionID     string `json:"session_id"`
	Role          string `json:"role"`
	WorkspaceRoot string `json:"workspace_root"`
	Tool          string `json:"tool"`
	Intent        string `json:"intent,omitempty"`
	PlanHash      string `json:"plan_hash,omitempty"`
	PhaseID       string `json:"phase_id,omitempty"`
	ArgsHash      string `json:"args_hash"`
	Result        string `json:"result"` // "ok" | "error"
	ErrorCode     string `json:"error_code,omitempty"`
	InvariantID   string `json:"invariant_id,omitempty"`
	ResultHash    string `json:"result_hash,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Buffered      bool   `json:"buffered,omitempty"`
}

// Log is a hash-chained NDJSON audit log rooted at a single file.
type Log struct {
	path string

	mu     sync.Mutex // guards path and buffer; appenders are serialized by the file lock
	buffer []Entry    // pre-session buffer, keyed implicitly by process (one Log per process)
	lockTO time.Duration
}

// New returns a Log backed by the NDJSON file at path. The file and its
// parent directory are created on first append if missing. path may be
// empty for a Log that only buffers entries until Bind is called.
func New(path string, lockTimeout time.Duration) *Log {
	return &Log{path: path, lockTO: lockTimeout}
}

// Bind (re)points the log at path, typically once a session establishes
// its workspace root after the Log was constructed with an empty path.
// Entries queued via BufferPreSession are unaffected and still flush on
// the next Append.
func (l *Log) Bind(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = path
}

func (l *Log) boundPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// BufferPreSession appends entry to the in-memory pre-session buffer
// instead of the file. Used for events that occur before begin_session.
func (l *Log) BufferPreSession(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, entry)
}

// Append writes entry to the log, filling in seq/prev_hash/entry_hash.
// If this is the first ordinary append after session start and a
// pre-session buffer is non-empty, the buffer is flushed first, each
// entry marked buffered:true.
func (l *Log) Append(ctx context.Context, entry Entry) (*Entry, *refusal.Refusal) {
	// Every caller must perform its own distinct write, so serialization
	// runs through withLock's file lock alone: no in-process
	// result-sharing between concurrent callers.
	err := l.withLock(ctx, func(f *os.File) error {
		return l.appendLocked(f, &entry)
	})
	if err != nil {
		if r, ok := err.(*refusal.Refusal); ok {
			return nil, r
		}
		return nil, refusal.Newf(refusal.CodeAuditAppendFailed, "", "%v", err)
	}
	return &entry, nil
}

func (l *Log) appendLocked(f *os.File, entry *Entry) error {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	lastHash, lastSeq, err := tailState(f)
	if err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "reading tail: %v", err)
	}

	for i := range pending {
		pending[i].Buffered = true
		if err := writeEntry(f, &pending[i], &lastHash, &lastSeq); err != nil {
			return err
		}
	}

	return writeEntry(f, entry, &lastHash, &lastSeq)
}

func writeEntry(f *os.File, entry *Entry, lastHash *string, lastSeq *int) error {
	entry.Seq = *lastSeq + 1
	entry.PrevHash = *lastHash
	entry.EntryHash = ""

	canonical, err := canonicalJSON(entry)
	if err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "encoding entry: %v", err)
	}
	sum := sha256.Sum256(canonical)
	entry.EntryHash = hex.EncodeToString(sum[:])

	line, err := json.Marshal(entry)
	if err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "encoding entry: %v", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "writing entry: %v", err)
	}
	if err := f.Sync(); err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "fsync: %v", err)
	}

	*lastHash = entry.EntryHash
	*lastSeq = entry.Seq
	return nil
}

// tailState scans f (from the start, since NDJSON has no trailer index) and
// returns the last entry's hash and seq, or genesisHash/0 if empty.
func tailState(f *os.File) (string, int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, err
	}
	lastHash := genesisHash
	lastSeq := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", 0, err
		}
		lastHash = e.EntryHash
		lastSeq = e.Seq
	}
	if err := sc.Err(); err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return "", 0, err
	}
	return lastHash, lastSeq, nil
}

// withLock opens (creating if needed) the audit file, takes an exclusive
// cooperative flock with a bounded retry, runs fn, and releases the lock.
func (l *Log) withLock(ctx context.Context, fn func(f *os.File) error) error {
	path := l.boundPath()
	if path == "" {
		return refusal.New(refusal.CodeAuditAppendFailed, "", "audit log has no bound path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "creating audit dir: %v", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return refusal.Newf(refusal.CodeAuditAppendFailed, "", "opening audit log: %v", err)
	}
	defer f.Close()

	deadline := time.Now().Add(l.lockTO)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return refusal.New(refusal.CodeAuditLockTimeout, "", "timed out waiting for audit log lock")
		}
		select {
		case <-ctx.Done():
			return refusal.New(refusal.CodeCancelled, "", "cancelled waiting for audit log lock")
		case <-time.After(25 * time.Millisecond):
		}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn(f)
}

// Verify re-reads the entire log and confirms the hash chain and seq
// sequence. Every mismatched seq is reported; a single mismatch is fatal
// for overall validity but does not stop the scan.
func (l *Log) Verify() (valid bool, failures []string, err error) {
	f, openErr := os.Open(l.boundPath())
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return true, nil, nil
		}
		return false, nil, openErr
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	valid = true
	prevHash := genesisHash
	prevSeq := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if jsonErr := json.Unmarshal(line, &e); jsonErr != nil {
			valid = false
			failures = append(failures, fmt.Sprintf("seq=? malformed line: %v", jsonErr))
			continue
		}

		if e.PrevHash != prevHash {
			valid = false
			failures = append(failures, fmt.Sprintf("seq=%d: prev_hash mismatch", e.Seq))
		}
		if e.Seq != prevSeq+1 {
			valid = false
			failures = append(failures, fmt.Sprintf("seq=%d: out of sequence (expected %d)", e.Seq, prevSeq+1))
		}

		got := e.EntryHash
		want := recomputeHash(e)
		if got != want {
			valid = false
			failures = append(failures, fmt.Sprintf("seq=%d: entry_hash mismatch", e.Seq))
		}

		prevHash = e.EntryHash
		prevSeq = e.Seq
	}
	if scErr := sc.Err(); scErr != nil {
		return false, failures, scErr
	}

	return valid, failures, nil
}

func recomputeHash(e Entry) string {
	e.EntryHash = ""
	canonical, err := canonicalJSON(&e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v (an *Entry) with lexicographically sorted keys
// and no insignificant whitespace, the form entry_hash is computed over.
func canonicalJSON(entry *Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return marshalSorted(m)
}

func marshalSorted(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var redactKeyPattern = regexp.MustCompile(`(?i)^(token|apikey|password|secret|authorization|cookie|session|jwt|bearer|.*_secret|.*_token|.*_key|refresh_token|private_key|access_token|id_token|passphrase)$`)

var jwtPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

// Redact returns a deep copy of args with sensitive values replaced by
// "[REDACTED]": values under keys matching the sensitive-key pattern,
// JWT-shaped strings, and base64-ish strings longer than 64 characters.
// Redact is idempotent: Redact(Redact(x)) == Redact(x).
func Redact(args any) any {
	switch v := args.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if redactKeyPattern.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Redact(val)
		}
		return out
	case string:
		if v == "[REDACTED]" {
			return v
		}
		if jwtPattern.MatchString(v) || (len(v) > 64 && looksBase64(v)) {
			return "[REDACTED]"
		}
		return v
	default:
		return v
	}
}

func looksBase64(s string) bool {
	trimmed := strings.TrimRight(s, "=")
	for _, r := range trimmed {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// ArgsHash computes the SHA-256 hex digest of the canonical JSON of
// redacted args, for the entry's args_hash field.
func ArgsHash(args any) (string, error) {
	redacted := Redact(args)
	raw, err := json.Marshal(redacted)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// args may not be an object (e.g. a bare string); hash the raw
		// redacted JSON directly in that case.
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:]), nil
	}
	canonical, err := marshalSorted(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
