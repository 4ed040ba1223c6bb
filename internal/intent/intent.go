// Package intent implements the Intent Artifact Validator: it ensures every
// non-exempt write carries a companion document binding the mutation to the
// executing plan's hash and phase id.
//
// Validation proceeds section-by-section, the same "required sections, in
// order, each non-empty" style used to gate entity status transitions
// elsewhere in this codebase, applied here to markdown intent documents
// instead of typed entity fields.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/atlas-gate/atlas-gate/internal/refusal"
)

// requiredSections is the canonical ordered section sequence an intent
// document must contain.
var requiredSections = []string{
	"Target",
	"Purpose",
	"Authority",
	"Inputs",
	"Outputs",
	"Invariants",
	"Failure Modes",
	"Debug Signals",
	"Out of Scope",
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,3}\s+(.+?)\s*$`)
var titlePathPattern = regexp.MustCompile(`(?m)^#\s+(.+?)\s*$`)
var authorityPattern = regexp.MustCompile(`(?i)plan[_\s-]?hash\s*[:=]\s*([0-9a-f]{64})[\s,]+phase[_\s-]?id\s*[:=]\s*([A-Z][A-Z0-9_]*)`)
var codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
var timestampPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)
var authorPattern = regexp.MustCompile(`(?i)\b(author|written by|by:)\b`)
var wipPattern = regexp.MustCompile(`(?i)\b(WIP|work[\s-]in[\s-]progress|in\s*progress)\b`)

// Result is the outcome of validating an intent artifact.
type Result struct {
	Hash string // canonical hash of the intent content, for audit linkage
}

// Validate checks intentContent against targetPath, planHash, and phaseID.
// isExempt skips validation entirely (e.g. a write under a configured
// reports-area glob).
func Validate(intentContent, targetPath, planHash, phaseID string, isExempt bool) (*Result, *refusal.Refusal) {
	if isExempt {
		return &Result{}, nil
	}

	if strings.TrimSpace(intentContent) == "" {
		return nil, refusal.New(refusal.CodeMandatoryIntentLaw, "", "no intent artifact found for write target")
	}

	if errs := checkSections(intentContent); len(errs) > 0 {
		return nil, refusal.Newf(refusal.CodeIntentSchemaStructure, "", "intent document malformed: %v", errs)
	}

	title := titlePathPattern.FindStringSubmatch(intentContent)
	if title == nil || strings.TrimSpace(title[1]) != targetPath {
		return nil, refusal.New(refusal.CodeIntentPathConsistency, "", "intent title path does not equal write target path")
	}

	auth := authorityPattern.FindStringSubmatch(intentContent)
	if auth == nil || auth[1] != planHash || auth[2] != phaseID {
		return nil, refusal.New(refusal.CodeIntentPlanBinding, "", "intent authority does not bind to the executing plan hash and phase id")
	}

	if forbidden := findForbiddenContent(intentContent); forbidden != "" {
		return nil, refusal.New(refusal.CodeIntentSchemaForbiddenContent, "", forbidden)
	}

	sum := sha256.Sum256([]byte(intentContent))
	return &Result{Hash: hex.EncodeToString(sum[:])}, nil
}

func checkSections(content string) []string {
	names := headingPattern.FindAllStringSubmatch(content, -1)
	present := make(map[string]bool, len(names))
	var order []string
	for _, m := range names {
		name := strings.TrimSpace(m[1])
		present[name] = true
		order = append(order, name)
	}

	var errs []string
	for _, name := range requiredSections {
		if !present[name] {
			errs = append(errs, "missing section "+name)
		}
	}

	last := -1
	idx := make(map[string]int, len(requiredSections))
	for i, n := range requiredSections {
		idx[n] = i
	}
	for _, name := range order {
		if i, ok := idx[name]; ok {
			if i < last {
				errs = append(errs, "section "+name+" out of canonical order")
			}
			last = i
		}
	}

	for _, body := range sectionBodies(content, requiredSections) {
		if strings.TrimSpace(body) == "" {
			errs = append(errs, "a required section is empty")
		}
	}

	return errs
}

func sectionBodies(content string, names []string) []string {
	locs := headingPattern.FindAllStringSubmatchIndex(content, -1)
	headings := headingPattern.FindAllStringSubmatch(content, -1)
	var bodies []string
	for i, m := range headings {
		name := strings.TrimSpace(m[1])
		isRequired := false
		for _, n := range names {
			if n == name {
				isRequired = true
				break
			}
		}
		if !isRequired {
			continue
		}
		start := locs[i][1]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		bodies = append(bodies, content[start:end])
	}
	return bodies
}

func findForbiddenContent(content string) string {
	if codeBlockPattern.MatchString(content) {
		return "intent document must not contain fenced code blocks"
	}
	if timestampPattern.MatchString(content) {
		return "intent document must not contain absolute timestamps"
	}
	if authorPattern.MatchString(content) {
		return "intent document must not contain author attributions"
	}
	if wipPattern.MatchString(content) {
		return "intent document must not contain work-in-progress markers"
	}
	return ""
}

// Drifted reports whether a previously validated intent's content hash has
// changed without a corresponding plan/phase update — a prior-phase intent
// modified in place fails drift detection.
func Drifted(previousHash, currentContent string) bool {
	sum := sha256.Sum256([]byte(currentContent))
	return previousHash != "" && previousHash != hex.EncodeToString(sum[:])
}
