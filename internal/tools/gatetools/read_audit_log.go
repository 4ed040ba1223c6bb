package gatetools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

type readAuditLogParams struct {
	SinceSeq int `json:"since_seq,omitempty"`
	Limit    int `json:"limit,omitempty"`
}

// ReadAuditLog implements read_audit_log: returns entries from the active
// workspace's hash-chained audit log, optionally starting after a given
// sequence number.
type ReadAuditLog struct {
	manager *session.Manager
}

// NewReadAuditLog returns a ReadAuditLog tool bound to manager.
func NewReadAuditLog(manager *session.Manager) *ReadAuditLog {
	return &ReadAuditLog{manager: manager}
}

func (t *ReadAuditLog) Name() string        { return "read_audit_log" }
func (t *ReadAuditLog) Roles() []string     { return nil } // both
func (t *ReadAuditLog) Description() string {
	return "Read entries from the workspace audit log, optionally after a given sequence number."
}

func (t *ReadAuditLog) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "since_seq": {"type": "integer", "description": "Only return entries with seq greater than this"},
    "limit": {"type": "integer", "description": "Maximum number of entries to return (default: all)"}
  }
}`)
}

func (t *ReadAuditLog) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p readAuditLogParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}

	sess, refused := t.manager.Get("")
	if refused != nil {
		return nil, refused
	}

	path, refused := sess.AuditLogPath()
	if refused != nil {
		return nil, refused
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mcp.JSONResult(map[string]any{"entries": []audit.Entry{}})
		}
		return mcp.ErrorResult(fmt.Sprintf("opening audit log: %v", err)), nil
	}
	defer f.Close()

	var entries []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.Seq <= p.SinceSeq {
			continue
		}
		entries = append(entries, e)
		if p.Limit > 0 && len(entries) >= p.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("reading audit log: %v", err)), nil
	}

	return mcp.JSONResult(map[string]any{"entries": entries})
}
