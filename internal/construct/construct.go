// Package construct implements the Construct Detector: a two-layer scan of
// proposed mutation content for forbidden "non-real" constructs — stubs,
// mocks, TODO markers, hardcoded returns, policy bypasses, and the rest of
// rules C1-C8.
//
// The textual layer uses word-boundary marker regexes. The structural
// layer follows a per-language *sitter.Parser held on a struct, ParseCtx to
// get a tree, and a recursive node walk — here walking for empty bodies and
// constant-return stubs instead of symbol extraction. The severity/outcome
// shape (CRITICAL/HIGH/MEDIUM, ordered violation list, hard-block-wins
// aggregation) composes the same way internal/policy's gauntlet does.
package construct

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Severity is a violation's blocking weight.
type Severity int

const (
	SeverityMedium Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

// RuleID identifies one of the eight construct rules.
type RuleID string

const (
	C1Stub            RuleID = "C1"
	C2MockFake        RuleID = "C2"
	C3TodoMarker      RuleID = "C3"
	C4HardcodedReturn RuleID = "C4"
	C5PolicyBypass    RuleID = "C5"
	C6FakeApproval    RuleID = "C6"
	C7FakeLimits      RuleID = "C7"
	C8SimulatedOutcome RuleID = "C8"
)

// Violation is one finding from a scan.
type Violation struct {
	Rule     RuleID
	Severity Severity
	Message  string
	Location string // best-effort: line excerpt or node text
}

// Result is the outcome of a construct scan.
type Result struct {
	Violations []Violation
}

// HardBlocked reports whether any violation is CRITICAL.
func (r Result) HardBlocked() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// textRule is one marker-word detection, word-boundary anchored and
// case-insensitive.
type textRule struct {
	rule     RuleID
	severity Severity
	pattern  *regexp.Regexp
}

var textRules = []textRule{
	{C1Stub, SeverityHigh, regexp.MustCompile(`(?i)\b(placeholder|not[\s_-]?implemented)\b`)},
	{C2MockFake, SeverityHigh, regexp.MustCompile(`(?i)\b(mock|fake)\b`)},
	{C3TodoMarker, SeverityMedium, regexp.MustCompile(`(?i)\b(TODO|FIXME|HACK)\b`)},
	{C7FakeLimits, SeverityMedium, regexp.MustCompile(`(?i)\bSIMULATE\b`)},
	{C8SimulatedOutcome, SeverityMedium, regexp.MustCompile(`(?i)\bDRY_RUN\b`)},
	{C5PolicyBypass, SeverityCritical, regexp.MustCompile(`(?i)\bbypass\b`)},
	{C1Stub, SeverityHigh, regexp.MustCompile(`(?i)\bstub\b`)},
}

var sqlTautology = regexp.MustCompile(`(?i)(or\s+1\s*=\s*1|'\s*or\s*'1'\s*=\s*'1)`)
var shellDestructive = regexp.MustCompile(`rm\s+-rf\s+/`)

// authContextPathPattern matches a path widely enough to treat its content
// as auth/policy-sensitive: an auth.js-style file, or anything under an
// auth/ or policy/ directory.
var authContextPathPattern = regexp.MustCompile(`(?i)(^|[/\\])(auth|policy)([/\\]|[._-]|$)`)

// authFunctionNamePattern matches function names that read as an
// authorization decision point even outside an auth/policy path.
var authFunctionNamePattern = regexp.MustCompile(`(?i)^(is[_-]?allowed|check|authorize|can[_-]?access|has[_-]?permission|allow)`)

// isAuthPolicyPath reports whether path itself signals auth/policy content.
func isAuthPolicyPath(path string) bool {
	return path != "" && authContextPathPattern.MatchString(path)
}

// permissiveReturnValues are the literal return values that grant access
// rather than merely ignoring input — the shape C5 targets.
var permissiveReturnValues = map[string]bool{
	"true": true, `"allow"`: true, `'allow'`: true,
}

// ScanText runs the textual detection layer over content, honoring
// authorizedRules (the plan's AUTHORIZED_C<N> overrides). `//` line
// comments are excluded from marker-word matching when family is
// recognized (".js" et al.); block comments are not stripped. String
// literals are not excluded, since injection-pattern heuristics
// specifically target string content. path is accepted but not used by
// the textual layer.
func ScanText(content string, family string, authorizedRules map[string]bool, path string) []Violation {
	scanTarget := content
	if isRecognizedFamily(family) {
		scanTarget = stripLineComments(content)
	}

	var out []Violation
	for _, tr := range textRules {
		if loc := tr.pattern.FindString(scanTarget); loc != "" {
			if authorizedRules[string(tr.rule)] {
				continue
			}
			out = append(out, Violation{Rule: tr.rule, Severity: tr.severity, Message: "marker word detected: " + loc, Location: loc})
		}
	}

	if loc := sqlTautology.FindString(content); loc != "" && !authorizedRules[string(C5PolicyBypass)] {
		out = append(out, Violation{Rule: C5PolicyBypass, Severity: SeverityMedium, Message: "SQL tautology pattern in string content", Location: loc})
	}
	if loc := shellDestructive.FindString(content); loc != "" && !authorizedRules[string(C5PolicyBypass)] {
		out = append(out, Violation{Rule: C5PolicyBypass, Severity: SeverityMedium, Message: "destructive shell form in string content", Location: loc})
	}

	return out
}

func isRecognizedFamily(family string) bool {
	_, ok := families[family]
	return ok
}

var lineCommentPattern = regexp.MustCompile(`//[^\n]*`)

func stripLineComments(content string) string {
	return lineCommentPattern.ReplaceAllString(content, "")
}

// Family is a structurally-analyzable syntactic family: a tree-sitter
// grammar plus the node-type names this detector needs to recognize empty
// bodies, empty handlers, and constant-return stubs for that grammar.
type Family struct {
	Language          func() *sitter.Language
	FunctionNodeTypes []string
	BlockNodeType     string
	CatchNodeTypes    []string
}

var families = map[string]Family{}

// RegisterFamily adds a structurally-analyzable family under the given
// file extension (e.g. ".js"). Panics on duplicate registration, matching
// the Registry.Register style used elsewhere in this codebase.
func RegisterFamily(ext string, f Family) {
	if _, exists := families[ext]; exists {
		panic("construct: family already registered for " + ext)
	}
	families[ext] = f
}

func init() {
	RegisterFamily(".js", Family{
		Language:          javascript.GetLanguage,
		FunctionNodeTypes: []string{"function_declaration", "function", "arrow_function", "method_definition"},
		BlockNodeType:     "statement_block",
		CatchNodeTypes:    []string{"catch_clause"},
	})
	RegisterFamily(".mjs", families[".js"])
	RegisterFamily(".jsx", families[".js"])
}

// constantReturnBodies is the set of literal return values the structural layer
// treats as likely-stub when the enclosing function takes parameters.
var constantReturnBodies = map[string]bool{
	"null": true, "undefined": true, "true": true, "false": true, "0": true, `""`: true, "''": true, "{}": true, "[]": true,
}

// ScanStructural runs the structural detection layer for ext against
// content. If ext names a family the detector recognizes, an unparseable
// result is AST_ANALYSIS_FAILED (reported here as a CRITICAL violation with
// rule C1, treated as a hard block regardless of which
// construct rule would otherwise apply); if ext is not a registered family,
// the layer is simply skipped (the content is not expected to be
// structurally analyzable). path is the target file path; it scopes the
// auth/policy-context heuristic that distinguishes C5 from C4.
func ScanStructural(ctx context.Context, content []byte, ext string, path string) ([]Violation, bool) {
	family, ok := families[ext]
	if !ok {
		return nil, true
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(family.Language())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil || tree == nil {
		return []Violation{{Rule: C1Stub, Severity: SeverityCritical, Message: "content failed structural analysis"}}, false
	}
	defer tree.Close()

	var violations []Violation
	root := tree.RootNode()
	if root.HasError() {
		return []Violation{{Rule: C1Stub, Severity: SeverityCritical, Message: "content failed structural analysis"}}, false
	}

	pathIsAuthContext := isAuthPolicyPath(path)
	walkStructural(root, content, family, pathIsAuthContext, &violations)
	return violations, true
}

func walkStructural(n *sitter.Node, content []byte, family Family, pathIsAuthContext bool, out *[]Violation) {
	nodeType := n.Type()

	if nodeType == family.BlockNodeType && n.NamedChildCount() == 0 {
		parent := n.Parent()
		if parent != nil && isCatchNode(parent, family) {
			*out = append(*out, Violation{Rule: C2MockFake, Severity: SeverityCritical, Message: "empty catch/handler block", Location: n.Content(content)})
		}
	}

	if isFunctionNode(nodeType, family) {
		takesParams := functionTakesParams(n)
		body := n.ChildByFieldName("body")
		if body != nil {
			if body.NamedChildCount() == 0 {
				*out = append(*out, Violation{Rule: C1Stub, Severity: SeverityHigh, Message: "empty function body", Location: n.Content(content)})
			} else if takesParams && body.NamedChildCount() == 1 {
				stmt := body.NamedChild(0)
				if stmt.Type() == "return_statement" {
					expr := singleReturnExpr(stmt, content)
					if expr != "" && (constantReturnBodies[expr] || permissiveReturnValues[expr]) {
						name := functionName(n, content)
						isAuthContext := pathIsAuthContext || authFunctionNamePattern.MatchString(name)
						if permissiveReturnValues[expr] && isAuthContext {
							*out = append(*out, Violation{Rule: C5PolicyBypass, Severity: SeverityCritical, Message: "unconditional allow in auth/policy context, returns " + expr, Location: n.Content(content)})
						} else {
							*out = append(*out, Violation{Rule: C4HardcodedReturn, Severity: SeverityHigh, Message: "function ignores inputs, returns constant " + expr, Location: n.Content(content)})
						}
					}
				}
			}
		}
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		walkStructural(n.NamedChild(i), content, family, pathIsAuthContext, out)
	}
}

// functionName returns the best-effort name of a function node: its own
// "name" field (function declarations, method definitions), or the name of
// the variable it's being assigned to (const check = (u) => ...).
func functionName(n *sitter.Node, content []byte) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(content)
	}
	if parent := n.Parent(); parent != nil && parent.Type() == "variable_declarator" {
		if name := parent.ChildByFieldName("name"); name != nil {
			return name.Content(content)
		}
	}
	return ""
}

func isCatchNode(n *sitter.Node, family Family) bool {
	for _, t := range family.CatchNodeTypes {
		if n.Type() == t {
			return true
		}
	}
	return false
}

func isFunctionNode(nodeType string, family Family) bool {
	for _, t := range family.FunctionNodeTypes {
		if nodeType == t {
			return true
		}
	}
	return false
}

func functionTakesParams(n *sitter.Node) bool {
	params := n.ChildByFieldName("parameters")
	return params != nil && params.NamedChildCount() > 0
}

func singleReturnExpr(stmt *sitter.Node, content []byte) string {
	if stmt.NamedChildCount() == 0 {
		return "undefined"
	}
	text := strings.TrimSpace(stmt.NamedChild(0).Content(content))
	return text
}
