// Package planreg implements the Plan Registry & Linter: structural and
// semantic validation of plan documents, content hashing, filename-tamper
// detection, and the approval lifecycle.
//
// The approval state machine is a map[Status][]Status transition table
// checked by IsAllowedTransition, the same shape a transition table over
// entity statuses would take, generalized here to plan Status.
package planreg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atlas-gate/atlas-gate/internal/refusal"
)

// Status is a plan's position in the approval lifecycle.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusProposed   Status = "PROPOSED"
	StatusApproved   Status = "APPROVED"
	StatusDeprecated Status = "DEPRECATED"
	StatusSuperseded Status = "SUPERSEDED"
	StatusRejected   Status = "REJECTED"
)

// transitions encodes the plan status lifecycle:
// {DRAFT|PROPOSED} -> APPROVED -> {DEPRECATED->SUPERSEDED} or {REJECTED}
// (terminal).
var transitions = map[Status][]Status{
	StatusDraft:      {StatusProposed, StatusApproved, StatusRejected},
	StatusProposed:   {StatusApproved, StatusRejected},
	StatusApproved:   {StatusDeprecated, StatusRejected},
	StatusDeprecated: {StatusSuperseded},
}

// IsAllowedTransition reports whether from -> to is a legal approval
// transition.
func IsAllowedTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// requiredSections is the exact ordered top-level heading sequence a plan
// demands.
var requiredSections = []string{
	"Plan Metadata",
	"Scope & Constraints",
	"Phase Definitions",
	"Path Allowlist",
	"Verification Gates",
	"Forbidden Actions",
	"Rollback/Failure Policy",
}

var modalWords = []string{"may", "should", "optional", "try to", "attempt to"}
var stubMarkers = []string{"TODO", "FIXME", "XXX", "mock", "stub", "placeholder"}

var modalPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(escapeAll(modalWords), "|") + `)\b`)
var stubPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(escapeAll(stubMarkers), "|") + `)\b`)
var headingPattern = regexp.MustCompile(`(?m)^#{1,2}\s+(.+?)\s*$`)
var authorizedPattern = regexp.MustCompile(`(?m)^AUTHORIZED_C(\d)\b`)

func escapeAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = regexp.QuoteMeta(w)
	}
	return out
}

// Metadata is the parsed YAML frontmatter of a plan's "Plan Metadata"
// section.
type Metadata struct {
	PlanID string `yaml:"plan_id"`
	Owner  string `yaml:"owner"`
}

// Plan is a validated, loaded plan document.
type Plan struct {
	Hash            string
	Path            string
	Status          Status
	PlanID          string
	PathAllowlist   []string
	Phases          []string // UPPER_SNAKE phase ids
	AuthorizedRules map[string]bool
	Content         string // stripped content (header removed), as hashed
}

// LintResult is the outcome of linting plan content.
type LintResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	Hash     string
}

// Lint validates plan content and computes its content hash. It is pure
// and deterministic: identical input yields an identical hash and an
// identical error set.
func Lint(content string) LintResult {
	var res LintResult

	stripped := stripHeader(content)
	sum := sha256.Sum256([]byte(stripped))
	res.Hash = hex.EncodeToString(sum[:])

	sections := tokenizeSections(stripped)
	res.Errors = append(res.Errors, checkSectionOrder(stripped)...)

	for _, name := range requiredSections {
		body, ok := sections[name]
		if !ok {
			continue // already reported by checkSectionOrder
		}
		res.Errors = append(res.Errors, checkModalVocabulary(name, body)...)
		res.Errors = append(res.Errors, checkStubMarkers(name, body)...)
	}

	if body, ok := sections["Plan Metadata"]; ok {
		if _, err := parseMetadata(body); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Plan Metadata: %v", err))
		}
	}

	if body, ok := sections["Scope & Constraints"]; ok {
		if countBullets(body) < 2 {
			res.Errors = append(res.Errors, "Scope & Constraints: at least 2 constraints required")
		}
	}

	if body, ok := sections["Phase Definitions"]; ok {
		res.Errors = append(res.Errors, checkPhaseIDs(body)...)
	}

	if body, ok := sections["Path Allowlist"]; ok {
		res.Errors = append(res.Errors, checkPathAllowlist(body)...)
	}

	if body, ok := sections["Forbidden Actions"]; ok {
		if !strings.Contains(body, "MUST NOT") {
			res.Errors = append(res.Errors, "Forbidden Actions: must contain at least one normative \"MUST NOT\" item")
		}
	}

	if body, ok := sections["Rollback/Failure Policy"]; ok {
		for _, kw := range []string{"trigger", "procedure", "recovery"} {
			if !strings.Contains(strings.ToLower(body), kw) {
				res.Errors = append(res.Errors, fmt.Sprintf("Rollback/Failure Policy: missing %q", kw))
			}
		}
	}

	res.Passed = len(res.Errors) == 0
	return res
}

// stripHeader removes the leading HTML-comment header block (up to and
// including its terminator) before hashing.
func stripHeader(content string) string {
	trimmed := strings.TrimLeft(content, "\n\r\t ")
	if !strings.HasPrefix(trimmed, "<!--") {
		return content
	}
	end := strings.Index(trimmed, "-->")
	if end == -1 {
		return content
	}
	rest := trimmed[end+len("-->"):]
	return strings.TrimLeft(rest, "\n\r")
}

// tokenizeSections splits content into top-level heading -> body.
func tokenizeSections(content string) map[string]string {
	locs := headingPattern.FindAllStringSubmatchIndex(content, -1)
	names := headingPattern.FindAllStringSubmatch(content, -1)
	sections := make(map[string]string, len(names))
	for i, m := range names {
		name := strings.TrimSpace(m[1])
		start := locs[i][1]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections[name] = strings.TrimSpace(content[start:end])
	}
	return sections
}

func checkSectionOrder(content string) []string {
	var errs []string
	last := -1
	order := make(map[string]int, len(requiredSections))
	for i, name := range requiredSections {
		order[name] = i
	}
	seen := make(map[string]bool)
	for _, m := range headingPattern.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if idx, ok := order[name]; ok {
			seen[name] = true
			if idx < last {
				errs = append(errs, fmt.Sprintf("section %q is out of canonical order", name))
			}
			last = idx
		}
	}
	for _, name := range requiredSections {
		if !seen[name] {
			errs = append(errs, fmt.Sprintf("missing required section %q", name))
		}
	}
	return errs
}

func checkModalVocabulary(section, body string) []string {
	if loc := modalPattern.FindString(body); loc != "" {
		return []string{fmt.Sprintf("%s: ambiguous modal vocabulary %q", section, loc)}
	}
	return nil
}

func checkStubMarkers(section, body string) []string {
	if loc := stubPattern.FindString(body); loc != "" {
		return []string{fmt.Sprintf("%s: stub marker %q in normative section", section, loc)}
	}
	return nil
}

func parseMetadata(body string) (*Metadata, error) {
	// The YAML may be wrapped in a ``` (or ```yaml) code fence.
	if lines := strings.Split(strings.TrimSpace(body), "\n"); len(lines) >= 2 &&
		strings.HasPrefix(lines[0], "```") && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		body = strings.Join(lines[1:len(lines)-1], "\n")
	}
	var m Metadata
	if err := yaml.Unmarshal([]byte(body), &m); err != nil {
		return nil, err
	}
	if m.PlanID == "" {
		return nil, fmt.Errorf("missing required field plan_id")
	}
	return &m, nil
}

var bulletPattern = regexp.MustCompile(`(?m)^\s*[-*]\s+\S`)

func countBullets(body string) int {
	return len(bulletPattern.FindAllString(body, -1))
}

var phaseIDPattern = regexp.MustCompile(`(?m)^\s*[-*]?\s*([A-Z][A-Z0-9_]*)\s*:`)

func checkPhaseIDs(body string) []string {
	var errs []string
	matches := phaseIDPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		errs = append(errs, "Phase Definitions: no UPPER_SNAKE phase ids found")
	}
	return errs
}

func checkPathAllowlist(body string) []string {
	var errs []string
	for _, line := range strings.Split(body, "\n") {
		entry := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		entry = strings.TrimPrefix(entry, "*")
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "..") {
			errs = append(errs, fmt.Sprintf("Path Allowlist: entry %q contains traversal", entry))
		}
		if strings.HasPrefix(entry, "/") {
			errs = append(errs, fmt.Sprintf("Path Allowlist: entry %q must be workspace-relative", entry))
		}
	}
	return errs
}

// extractPathAllowlist returns the glob entries of the Path Allowlist
// section for enforcement by internal/policy.
func extractPathAllowlist(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		entry := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// extractAuthorizedRules finds AUTHORIZED_C<N> blocks in the plan content,
// per the construct detector's override mechanism.
func extractAuthorizedRules(content string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range authorizedPattern.FindAllStringSubmatch(content, -1) {
		out["C"+m[1]] = true
	}
	return out
}

// Registry discovers and loads plans from <workspace>/docs/plans.
type Registry struct {
	plansDir string
}

// NewRegistry returns a Registry rooted at plansDir (as resolved by
// internal/session's PlansDir).
func NewRegistry(plansDir string) *Registry {
	return &Registry{plansDir: plansDir}
}

// Create lints content and, if it passes, writes it to
// <plansDir>/<hash>.md, returning the content hash that now names the file.
// Used by the bootstrap path, which has no prior APPROVED plan to authorize
// an ordinary write_file call.
func (r *Registry) Create(content string) (string, *refusal.Refusal) {
	result := Lint(content)
	if !result.Passed {
		return "", refusal.Newf(refusal.CodePlanLintFailed, "", "plan failed lint: %v", result.Errors)
	}
	if err := os.MkdirAll(r.plansDir, 0o755); err != nil {
		return "", refusal.Newf(refusal.CodePlanLintFailed, "", "creating plans directory: %v", err)
	}
	path := filepath.Join(r.plansDir, result.Hash+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", refusal.Newf(refusal.CodePlanLintFailed, "", "writing plan: %v", err)
	}
	return result.Hash, nil
}

// Load reads and verifies the plan file named hash+".md". A filename that
// does not match the recomputed content hash is PLAN_TAMPERED.
func (r *Registry) Load(hash string) (*Plan, *refusal.Refusal) {
	path := filepath.Join(r.plansDir, hash+".md")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, refusal.New(refusal.CodePlanNotFound, "", "no plan with hash "+hash)
		}
		return nil, refusal.Newf(refusal.CodePlanNotFound, "", "reading plan: %v", err)
	}

	result := Lint(string(raw))
	if result.Hash != hash {
		return nil, refusal.New(refusal.CodePlanTampered, "", "plan filename does not match content hash")
	}
	if !result.Passed {
		return nil, refusal.Newf(refusal.CodePlanLintFailed, "", "plan fails lint: %v", result.Errors)
	}

	stripped := stripHeader(string(raw))
	sections := tokenizeSections(stripped)
	meta, _ := parseMetadata(sections["Plan Metadata"])

	plan := &Plan{
		Hash:            hash,
		Path:            path,
		Status:          statusFromContent(stripped),
		PathAllowlist:   extractPathAllowlist(sections["Path Allowlist"]),
		AuthorizedRules: extractAuthorizedRules(stripped),
		Content:         stripped,
	}
	if meta != nil {
		plan.PlanID = meta.PlanID
	}
	return plan, nil
}

// statusPattern recognizes a `status: APPROVED`-style line anywhere in the
// plan content; the first match wins, whichever section it is in.
var statusPattern = regexp.MustCompile(`(?mi)^\s*status:\s*(\w+)\s*$`)

func statusFromContent(content string) Status {
	if m := statusPattern.FindStringSubmatch(content); m != nil {
		return Status(strings.ToUpper(m[1]))
	}
	return StatusDraft
}

// ListApproved returns the hashes of every APPROVED plan on disk.
func (r *Registry) ListApproved() ([]string, error) {
	entries, err := os.ReadDir(r.plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var hashes []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		hash := strings.TrimSuffix(e.Name(), ".md")
		plan, refused := r.Load(hash)
		if refused != nil {
			continue
		}
		if plan.Status == StatusApproved {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// VerifyAll re-checks every plan file under plansDir: its filename must
// equal the SHA-256 of its header-stripped content, and it must still pass
// Lint. Used by verify_integrity to detect tampering independent of the
// audit log.
func VerifyAll(plansDir string) (valid bool, failures []string, err error) {
	entries, err := os.ReadDir(plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil, nil
		}
		return false, nil, err
	}

	valid = true
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		hash := strings.TrimSuffix(e.Name(), ".md")
		raw, readErr := os.ReadFile(filepath.Join(plansDir, e.Name()))
		if readErr != nil {
			valid = false
			failures = append(failures, fmt.Sprintf("%s: %v", e.Name(), readErr))
			continue
		}
		result := Lint(string(raw))
		if result.Hash != hash {
			valid = false
			failures = append(failures, fmt.Sprintf("%s: filename does not match content hash %s", e.Name(), result.Hash))
			continue
		}
		if !result.Passed {
			valid = false
			failures = append(failures, fmt.Sprintf("%s: failed lint: %v", e.Name(), result.Errors))
		}
	}
	return valid, failures, nil
}

// Enforce returns the plan iff it is APPROVED and, when requiredPlanID is
// non-empty, its declared plan_id matches exactly.
func (r *Registry) Enforce(hash, requiredPlanID string) (*Plan, *refusal.Refusal) {
	plan, refused := r.Load(hash)
	if refused != nil {
		return nil, refused
	}
	if plan.Status != StatusApproved {
		return nil, refusal.New(refusal.CodePlanNotApproved, "", "plan is not APPROVED")
	}
	if requiredPlanID != "" && plan.PlanID != requiredPlanID {
		return nil, refusal.New(refusal.CodePlanIDMismatch, "", "plan_id does not match")
	}
	return plan, nil
}
