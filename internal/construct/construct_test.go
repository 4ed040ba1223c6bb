package construct

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanText_DetectsMarkerWords(t *testing.T) {
	violations := ScanText("return mock(repository)", "", nil, "")
	assert.Len(t, violations, 1)
	assert.Equal(t, C2MockFake, violations[0].Rule)
	assert.Equal(t, SeverityHigh, violations[0].Severity)
}

func TestScanText_DetectsTodoMarker(t *testing.T) {
	violations := ScanText("// TODO: wire this up for real", "", nil, "")
	assert.Len(t, violations, 1)
	assert.Equal(t, C3TodoMarker, violations[0].Rule)
}

func TestScanText_AuthorizedRuleSuppressesViolation(t *testing.T) {
	violations := ScanText("return mock(repository)", "", map[string]bool{string(C2MockFake): true}, "")
	assert.Empty(t, violations)
}

func TestScanText_StripsLineCommentsForRecognizedFamily(t *testing.T) {
	content := "function f() {\n  // TODO later\n  return 1;\n}"
	assert.Empty(t, ScanText(content, ".js", nil, ""))
	assert.NotEmpty(t, ScanText(content, "", nil, ""))
}

func TestScanText_DetectsSQLTautology(t *testing.T) {
	violations := ScanText(`query := "SELECT * FROM users WHERE id = '" + id + "' or '1'='1'"`, "", nil, "")
	assert.NotEmpty(t, violations)
	assert.Equal(t, C5PolicyBypass, violations[0].Rule)
}

func TestScanText_DetectsDestructiveShellForm(t *testing.T) {
	violations := ScanText(`cmd := "rm -rf /"`, "", nil, "")
	assert.NotEmpty(t, violations)
}

func TestResult_HardBlocked(t *testing.T) {
	blocked := Result{Violations: []Violation{{Rule: C5PolicyBypass, Severity: SeverityCritical}}}
	assert.True(t, blocked.HardBlocked())

	notBlocked := Result{Violations: []Violation{{Rule: C3TodoMarker, Severity: SeverityMedium}}}
	assert.False(t, notBlocked.HardBlocked())
}

func TestScanStructural_SkipsUnregisteredExtension(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("whatever"), ".py", "")
	assert.True(t, ok)
	assert.Nil(t, violations)
}

func TestScanStructural_FlagsEmptyFunctionBody(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("function handle(req) {}"), ".js", "")
	assert.True(t, ok)
	assert.NotEmpty(t, violations)
	assert.Equal(t, C1Stub, violations[0].Rule)
}

func TestScanStructural_FlagsConstantReturnIgnoringParams(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("function summarize(user) { return 0; }"), ".js", "src/reports.js")
	assert.True(t, ok)
	var found bool
	for _, v := range violations {
		if v.Rule == C4HardcodedReturn {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScanStructural_FlagsPolicyBypassInAuthPath(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("function check(u) { return true; }"), ".js", "src/auth.js")
	assert.True(t, ok)
	assert.NotEmpty(t, violations)
	var found bool
	for _, v := range violations {
		if v.Rule == C5PolicyBypass && v.Severity == SeverityCritical {
			found = true
		}
	}
	assert.True(t, found, "expected C5PolicyBypass for unconditional allow in auth path")
}

func TestScanStructural_FlagsPolicyBypassByFunctionNameOutsideAuthPath(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("function isAllowed(user) { return true; }"), ".js", "src/misc.js")
	assert.True(t, ok)
	var found bool
	for _, v := range violations {
		if v.Rule == C5PolicyBypass {
			found = true
		}
	}
	assert.True(t, found, "function name alone should trigger the auth-context heuristic")
}

func TestScanStructural_FlagsEmptyCatchBlock(t *testing.T) {
	src := `function run() {
  try {
    doSomething();
  } catch (err) {}
}`
	violations, ok := ScanStructural(context.Background(), []byte(src), ".js", "")
	assert.True(t, ok)
	var found bool
	for _, v := range violations {
		if v.Rule == C2MockFake && v.Severity == SeverityCritical {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScanStructural_AllowsRealImplementation(t *testing.T) {
	src := `function add(a, b) {
  const sum = a + b;
  return sum;
}`
	violations, ok := ScanStructural(context.Background(), []byte(src), ".js", "")
	assert.True(t, ok)
	assert.Empty(t, violations)
}

func TestScanStructural_UnparseableContentIsCriticalHardBlock(t *testing.T) {
	violations, ok := ScanStructural(context.Background(), []byte("function ( { [ {{{ ???"), ".js", "")
	assert.False(t, ok)
	assert.NotEmpty(t, violations)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
}
