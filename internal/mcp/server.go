package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/refusal"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

// Server implements the MCP protocol over stdio.
//
// It wraps tool.Execute with the dispatcher contract: role gating
// against the active session, and unconditional audit bracketing of every
// call (ok or error). This is the one place the plain "log before, log
// after" style (logger.Info("calling tool", "tool", name)) is upgraded
// from an ephemeral log line into a durable audit record.
type Server struct {
	registry *Registry
	info     ServerInfo
	logger   *slog.Logger

	sessions *session.Manager
	auditLog *audit.Log
}

// NewServer creates an MCP server with the given registry and server info.
func NewServer(registry *Registry, info ServerInfo, logger *slog.Logger, sessions *session.Manager, auditLog *audit.Log) *Server {
	return &Server{
		registry: registry,
		info:     info,
		logger:   logger,
		sessions: sessions,
		auditLog: auditLog,
	}
}

// Run reads JSON-RPC requests from stdin and writes responses to stdout.
// It blocks until stdin is closed or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	// MCP messages can be large (e.g. sync results)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	s.logger.Info("atlas-gate server started", "name", s.info.Name, "version", s.info.Version)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleMessage(ctx, line)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				s.logger.Error("failed to write response", "error", err)
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading stdin: %w", err)
	}

	s.logger.Info("atlas-gate server stopped (stdin closed)")
	return nil
}

// handleMessage parses a JSON-RPC request and dispatches to the appropriate handler.
func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("failed to parse request", "error", err)
		return &Response{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    ErrCodeParse,
				Message: "Parse error",
				Data:    err.Error(),
			},
		}
	}

	// Notifications (no ID) don't get a response
	if req.ID == nil && req.Method == "notifications/initialized" {
		s.logger.Info("client initialized")
		return nil
	}
	if req.ID == nil {
		s.logger.Debug("received notification", "method", req.Method)
		return nil
	}

	s.logger.Debug("handling request", "method", req.Method, "id", string(req.ID))

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

// dispatch routes a request to the appropriate handler method.
func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return s.handleToolsList()
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "prompts/list":
		return s.handlePromptsList()
	case "prompts/get":
		return s.handlePromptsGet(req.Params)
	case "resources/list":
		return s.handleResourcesList()
	case "resources/read":
		return s.handleResourcesRead(req.Params)
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

// handleInitialize responds to the MCP handshake.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{
				Code:    ErrCodeInvalidParams,
				Message: "Invalid initialize params",
				Data:    err.Error(),
			}
		}
	}

	s.logger.Info("client connecting",
		"client", initParams.ClientInfo.Name,
		"client_version", initParams.ClientInfo.Version,
		"protocol_version", initParams.ProtocolVersion,
	)

	caps := ServerCapability{
		Tools: &ToolsCapability{},
	}
	if s.registry.HasPrompts() {
		caps.Prompts = &PromptsCapability{}
	}
	if s.registry.HasResources() {
		caps.Resources = &ResourcesCapability{}
	}

	return &InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      s.info,
	}, nil
}

// handleToolsList returns all registered tools.
func (s *Server) handleToolsList() (any, *RPCError) {
	return &ToolsListResult{
		Tools: s.registry.List(),
	}, nil
}

// handleToolsCall dispatches a tool call to the registry. Every
// call is wrapped with role gating against the active session and an
// unconditional audit entry (ok or error), regardless of how the tool
// itself concludes.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid tools/call params",
			Data:    err.Error(),
		}
	}

	tool := s.registry.Get(callParams.Name)
	if tool == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("tool not found: %s", callParams.Name),
		}
	}

	sess := s.sessions.Current()
	if refused := s.checkRole(tool, sess); refused != nil {
		return s.auditAndReturn(ctx, callParams, sess, refused, nil)
	}

	s.logger.Info("calling tool", "tool", callParams.Name)

	result, err := tool.Execute(ctx, callParams.Arguments)
	if err != nil {
		s.logger.Error("tool execution failed", "tool", callParams.Name, "error", err)
		refused, ok := err.(*refusal.Refusal)
		if !ok {
			refused = refusal.Newf("INTERNAL", "", "%v", err)
		}
		return s.auditAndReturn(ctx, callParams, sess, refused, nil)
	}

	// begin_session creates the session as a side effect of Execute, so the
	// pre-Execute sess snapshot above is nil for that call; re-fetch so its
	// own audit entry carries a session id instead of being buffered.
	sess = s.sessions.Current()

	if callParams.Name == "read_prompt" && sess != nil {
		sess.MarkPromptRead()
	}

	return s.auditAndReturn(ctx, callParams, sess, nil, result)
}

// checkRole enforces the role-visible tool surface: executor-only tools
// (write_file, bootstrap_plan) for PLANNER sessions and vice versa.
func (s *Server) checkRole(tool Tool, sess *session.Session) *refusal.Refusal {
	roles := tool.Roles()
	if len(roles) == 0 {
		return nil
	}
	if sess == nil {
		return refusal.New(refusal.CodeSessionNotInitialized, "", "no active session")
	}
	for _, r := range roles {
		if r == string(sess.Role()) {
			return nil
		}
	}
	return refusal.New(refusal.CodeRoleMismatch, "", fmt.Sprintf("tool not available to role %s", sess.Role()))
}

// auditAndReturn appends the audit entry for this call (ok or error) and
// converts the result into the JSON-RPC payload. If the audit append
// itself fails, the response is converted to AUDIT_APPEND_FAILED.
func (s *Server) auditAndReturn(ctx context.Context, callParams ToolsCallParams, sess *session.Session, refused *refusal.Refusal, result *ToolsCallResult) (any, *RPCError) {
	entry := audit.Entry{
		TS:   time.Now().UTC().Format(time.RFC3339),
		Tool: callParams.Name,
	}
	if sess != nil {
		entry.SessionID = sess.ID()
		entry.Role = string(sess.Role())
		entry.WorkspaceRoot = sess.Root()
	}

	var args any
	_ = json.Unmarshal(callParams.Arguments, &args)
	argsHash, hashErr := audit.ArgsHash(args)
	entry.ArgsHash = argsHash

	if refused != nil {
		entry.Result = "error"
		entry.ErrorCode = refused.Code
		entry.InvariantID = refused.InvariantID
		entry.Notes = refused.Message
	} else {
		entry.Result = "ok"
	}

	if sess != nil {
		entry.Seq = sess.NextSeq()
	}

	if s.auditLog != nil && hashErr == nil {
		if sess == nil {
			s.auditLog.BufferPreSession(entry)
		} else {
			// The log is constructed before any session exists (serve.go
			// has no root to bind to yet); rebind it to this session's
			// workspace now that begin_session has resolved one.
			if path, pathErr := sess.AuditLogPath(); pathErr == nil {
				s.auditLog.Bind(path)
			}
			if _, appendErr := s.auditLog.Append(ctx, entry); appendErr != nil {
				return ErrorResult(fmt.Sprintf("audit append failed: %v", appendErr)), nil
			}
		}
	}

	if refused != nil {
		return ErrorResult(refused.Error()), nil
	}
	return result, nil
}

// handlePromptsList returns all registered prompts.
func (s *Server) handlePromptsList() (any, *RPCError) {
	return &PromptsListResult{
		Prompts: s.registry.ListPrompts(),
	}, nil
}

// handlePromptsGet returns a specific prompt by name.
func (s *Server) handlePromptsGet(params json.RawMessage) (any, *RPCError) {
	var getParams PromptsGetParams
	if err := json.Unmarshal(params, &getParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid prompts/get params",
			Data:    err.Error(),
		}
	}

	prompt := s.registry.GetPrompt(getParams.Name)
	if prompt == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("prompt not found: %s", getParams.Name),
		}
	}

	s.logger.Debug("getting prompt", "prompt", getParams.Name)

	result, err := prompt.Get(getParams.Arguments)
	if err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("prompt error: %v", err),
		}
	}

	return result, nil
}

// handleResourcesList returns all registered resources.
func (s *Server) handleResourcesList() (any, *RPCError) {
	return &ResourcesListResult{
		Resources: s.registry.ListResources(),
	}, nil
}

// handleResourcesRead returns the content of a specific resource.
func (s *Server) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var readParams ResourcesReadParams
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid resources/read params",
			Data:    err.Error(),
		}
	}

	resource := s.registry.GetResource(readParams.URI)
	if resource == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("resource not found: %s", readParams.URI),
		}
	}

	s.logger.Debug("reading resource", "uri", readParams.URI)

	result, err := resource.Read()
	if err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("resource read error: %v", err),
		}
	}

	return result, nil
}
