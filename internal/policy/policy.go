// Package policy implements the Write-Time Policy Engine: the fail-closed
// gauntlet every mutation passes through before it touches disk.
//
// Checks run as a sequential list: first hard failure wins, otherwise the
// call proceeds (build a context, run the gauntlet, bail on the first
// refusal, perform the mutation, format the result). Patch materialization
// uses sergi/go-diff/diffmatchpatch; preflight uses stdlib os/exec.
package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/construct"
	"github.com/atlas-gate/atlas-gate/internal/intent"
	"github.com/atlas-gate/atlas-gate/internal/planreg"
	"github.com/atlas-gate/atlas-gate/internal/refusal"
	"github.com/atlas-gate/atlas-gate/internal/session"
)

// WriteRequest describes one proposed mutation, as received from the
// write_file tool.
type WriteRequest struct {
	TargetPath    string // workspace-relative or absolute, as supplied by the caller
	Content       string // full new content, mutually exclusive with Patch
	Patch         string // unified diff, mutually exclusive with Content
	PreviousHash  string // optimistic-concurrency token, optional
	PlanHash      string
	PlanID        string // optional, required to match plan's declared plan_id if set
	PhaseID       string
	IntentContent string // the companion intent artifact's content
	IsExempt      bool   // target matches a configured intent-exempt glob
}

// WriteOutcome is the result of a successful write.
type WriteOutcome struct {
	ResolvedPath string
	ResultHash   string
	IntentHash   string
}

// Engine orchestrates the gauntlet for a single session.
type Engine struct {
	sess             *session.Session
	plans            *planreg.Registry
	auditLog         *audit.Log
	preflightTimeout time.Duration
}

// NewEngine builds an Engine bound to sess, using plans for plan lookup.
// auditLog is stored on the Engine but Write does not append to it.
// preflightTimeout bounds any
// plan-declared verification command (default 60s).
func NewEngine(sess *session.Session, plans *planreg.Registry, auditLog *audit.Log, preflightTimeout time.Duration) *Engine {
	if preflightTimeout <= 0 {
		preflightTimeout = 60 * time.Second
	}
	return &Engine{sess: sess, plans: plans, auditLog: auditLog, preflightTimeout: preflightTimeout}
}

// Write runs the full gauntlet for req and, on success, performs the
// atomic write. Write appends no audit entry itself: the dispatcher in
// internal/mcp appends one for every call, ok or error, and that entry
// does not carry the write's result hash. Write never silently drops a
// refusal, it always returns one.
func (e *Engine) Write(ctx context.Context, req WriteRequest) (*WriteOutcome, *refusal.Refusal) {
	// 1. Session gate.
	if e.sess == nil {
		return nil, refusal.New(refusal.CodeSessionNotInitialized, "", "no active session")
	}
	if e.sess.Role() != session.RoleExecutor {
		return nil, refusal.New(refusal.CodeRoleMismatch, "", "write_file requires an EXECUTOR session")
	}

	// 2. Prompt gate.
	if !e.sess.PromptRead() {
		return nil, refusal.New(refusal.CodePromptGateLocked, "", "read_prompt has not been called this session")
	}

	// 3. Path resolution.
	resolved, r := e.sess.Resolve(req.TargetPath, session.KindWrite)
	if r != nil {
		return nil, r
	}

	// 4. Plan binding.
	plan, r := e.plans.Enforce(req.PlanHash, req.PlanID)
	if r != nil {
		return nil, r
	}

	// 5. Path allowlist.
	rel, err := filepath.Rel(e.sess.Root(), resolved)
	if err != nil {
		return nil, refusal.New(refusal.CodeInvPathWithinRepo, "", "resolved path is not within workspace root")
	}
	if !matchesAllowlist(rel, plan.PathAllowlist) {
		return nil, refusal.Newf(refusal.CodeInvPathWithinRepo, "", "path %q not in plan's path allowlist", rel)
	}

	// 6. Optimistic concurrency.
	if req.PreviousHash != "" {
		currentHash, err := fileHash(resolved)
		if err != nil && !os.IsNotExist(err) {
			return nil, refusal.Newf(refusal.CodeConcurrentModification, "", "reading current content: %v", err)
		}
		if currentHash != req.PreviousHash {
			return nil, refusal.New(refusal.CodeConcurrentModification, "", "target has changed since previousHash was computed")
		}
	}

	// 7. Intent validation.
	intentResult, r := intent.Validate(req.IntentContent, req.TargetPath, req.PlanHash, req.PhaseID, req.IsExempt)
	if r != nil {
		return nil, r
	}

	// 9 (materialize before scanning so the scan sees the final content).
	finalContent, r := materializeContent(resolved, req)
	if r != nil {
		return nil, r
	}

	// 8. Construct scan.
	ext := strings.ToLower(filepath.Ext(resolved))
	textViolations := construct.ScanText(finalContent, ext, plan.AuthorizedRules, resolved)
	structViolations, parsed := construct.ScanStructural(ctx, []byte(finalContent), ext, resolved)
	all := append(textViolations, structViolations...)
	if !parsed {
		return nil, refusal.New(refusal.CodeASTAnalysisFailed, "", "content failed structural analysis")
	}
	if blocked, rr := evaluateConstructViolations(all, plan.AuthorizedRules); blocked {
		return nil, rr
	}

	// 10. Preflight.
	if r := e.runPreflight(ctx, plan, resolved); r != nil {
		return nil, r
	}

	// 11. Write (atomic).
	if err := atomicWrite(resolved, []byte(finalContent)); err != nil {
		return nil, refusal.Newf(refusal.CodePatchApplyFailed, "", "writing file: %v", err)
	}

	sum := sha256.Sum256([]byte(finalContent))
	return &WriteOutcome{
		ResolvedPath: resolved,
		ResultHash:   hex.EncodeToString(sum[:]),
		IntentHash:   intentResult.Hash,
	}, nil
}

func matchesAllowlist(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(filepath.ToSlash(pat), rel); ok {
			return true
		}
		// doublestar-style "**" prefix match, since filepath.Match has no
		// recursive wildcard.
		if strings.HasSuffix(pat, "/**") {
			prefix := strings.TrimSuffix(pat, "/**")
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
		}
	}
	return false
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// materializeContent returns the final content to write: req.Content
// directly, or req.Patch applied against the current file content via
// diffmatchpatch.
func materializeContent(resolved string, req WriteRequest) (string, *refusal.Refusal) {
	if req.Patch == "" {
		return req.Content, nil
	}

	existing, err := os.ReadFile(resolved)
	if err != nil && !os.IsNotExist(err) {
		return "", refusal.Newf(refusal.CodePatchApplyFailed, "", "reading existing content: %v", err)
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(req.Patch)
	if err != nil {
		return "", refusal.Newf(refusal.CodePatchApplyFailed, "", "parsing patch: %v", err)
	}

	applied, results := dmp.PatchApply(patches, string(existing))
	for _, ok := range results {
		if !ok {
			return "", refusal.New(refusal.CodePatchApplyFailed, "", "patch did not apply cleanly (fuzz rejected)")
		}
	}
	return applied, nil
}

// atomicWrite writes data to path via write-temp-then-rename, so a reader
// never observes a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".atlas-gate-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// evaluateConstructViolations applies the aggregation rule: any violation at
// CRITICAL severity is an immediate refusal; HIGH and MEDIUM severity
// violations are refused unless the plan's AUTHORIZED_C<N> block names
// that rule.
func evaluateConstructViolations(violations []construct.Violation, authorized map[string]bool) (bool, *refusal.Refusal) {
	for _, v := range violations {
		if v.Severity == construct.SeverityCritical {
			return true, refusal.Newf(refusal.CodeHardBlockViolation, string(v.Rule), "%s", v.Message)
		}
	}
	for _, v := range violations {
		if authorized[string(v.Rule)] {
			continue
		}
		if v.Severity == construct.SeverityHigh || v.Severity == construct.SeverityMedium {
			return true, refusal.Newf(refusal.CodeHardBlockViolation, string(v.Rule), "%s (not authorized by executing plan)", v.Message)
		}
	}
	return false, nil
}

// runPreflight executes the plan's declared verification commands, if any,
// under a bounded wall-clock budget. Non-zero exit or timeout is a refusal.
func (e *Engine) runPreflight(ctx context.Context, plan *planreg.Plan, resolved string) *refusal.Refusal {
	commands := verificationCommands(plan.Content)
	if len(commands) == 0 {
		return nil
	}

	beforeHash, _ := fileHash(resolved)

	timeoutCtx, cancel := context.WithTimeout(ctx, e.preflightTimeout)
	defer cancel()

	for _, cmdline := range commands {
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			continue
		}
		cmd := exec.CommandContext(timeoutCtx, fields[0], fields[1:]...)
		cmd.Dir = e.sess.Root()
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return refusal.New(refusal.CodePreflightTimeout, "", "preflight exceeded its wall-clock budget")
		}
		if err != nil {
			return refusal.Newf(refusal.CodePreflightFailed, "", "preflight command %q failed: %v: %s", cmdline, err, out.String())
		}
	}

	afterHash, _ := fileHash(resolved)
	if beforeHash != "" && afterHash != "" && beforeHash != afterHash {
		return refusal.New(refusal.CodePreflightMutated, "", "preflight command mutated the write target")
	}

	return nil
}

// verificationCommands extracts concrete shell commands from a plan's
// Verification Gates section (one bulleted command per line).
func verificationCommands(planContent string) []string {
	const heading = "Verification Gates"
	idx := strings.Index(planContent, "## "+heading)
	if idx == -1 {
		idx = strings.Index(planContent, "# "+heading)
	}
	if idx == -1 {
		return nil
	}
	rest := planContent[idx:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := len(rest)
	if next := nextHeadingIndex(rest); next != -1 {
		end = next
	}
	body := rest[:end]

	var commands []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "-")
		trimmed = strings.TrimPrefix(trimmed, "*")
		trimmed = strings.Trim(strings.TrimSpace(trimmed), "`")
		if trimmed != "" {
			commands = append(commands, trimmed)
		}
	}
	return commands
}

func nextHeadingIndex(s string) int {
	lines := strings.Split(s, "\n")
	offset := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return offset
		}
		offset += len(line) + 1
	}
	return -1
}
