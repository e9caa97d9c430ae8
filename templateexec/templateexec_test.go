package templateexec

import (
	"strings"
	"testing"
)

func TestExecute_DollarPlaceholderSubstitution(t *testing.T) {
	result, err := Execute("Hello ${name}, you are ${age} years old", map[string]any{
		"name": "Ada",
		"age":  36,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "Hello Ada, you are 36 years old" {
		t.Fatalf("unexpected render: %q", result.Rendered)
	}
	if result.ExecutionID == "" {
		t.Fatal("expected a non-empty execution id")
	}
}

func TestExecute_DefaultHelperAppliesFallback(t *testing.T) {
	result, err := Execute(`Model: {{model|default:"gpt-4"}}`, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Rendered, "gpt-4") {
		t.Fatalf("expected default fallback applied, got %q", result.Rendered)
	}
}

func TestExecute_RoundTripIsStable(t *testing.T) {
	vars := map[string]any{"a": "1", "b": "2"}
	first, err := Execute("${a}-${b}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Execute("${a}-${b}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Rendered != second.Rendered {
		t.Fatalf("expected stable rendering, got %q vs %q", first.Rendered, second.Rendered)
	}
}

func TestPreview_MissingVariableRendersEmpty(t *testing.T) {
	rendered, err := Preview("${present}-${absent}", map[string]any{"present": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(rendered, "x-") {
		t.Fatalf("unexpected preview render: %q", rendered)
	}
}

func TestBatchExecute_StopsOnFirstError(t *testing.T) {
	items := []BatchItem{
		{Template: "${a}", Vars: map[string]any{"a": "1"}},
		{Template: "${b}", Vars: map[string]any{"b": "2"}},
	}
	results := BatchExecute(items, true)
	if len(results) != 2 {
		t.Fatalf("expected both items to render without error, got %d results", len(results))
	}
}

func TestExecute_DefaultHelperAcceptsSingleQuotedLiteral(t *testing.T) {
	result, err := Execute(`Model: {{model|default:'gpt-4'}}`, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Rendered, "gpt-4") {
		t.Fatalf("expected single-quoted default fallback applied, got %q", result.Rendered)
	}
}

func TestExecute_DefaultHelperAcceptsVariableFallback(t *testing.T) {
	result, err := Execute(`Model: {{model|default:fallbackModel}}`, map[string]any{"fallbackModel": "claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Rendered, "claude") {
		t.Fatalf("expected variable fallback applied, got %q", result.Rendered)
	}
}

func TestFuncMap_AndOrAreVariadic(t *testing.T) {
	result, err := Execute(`{{if and .a .b .c}}all{{else}}not-all{{end}}`, map[string]any{"a": true, "b": true, "c": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "all" {
		t.Fatalf("expected and() over three true args to pass, got %q", result.Rendered)
	}

	result, err = Execute(`{{if and .a .b .c}}all{{else}}not-all{{end}}`, map[string]any{"a": true, "b": false, "c": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "not-all" {
		t.Fatalf("expected and() to short on a false arg, got %q", result.Rendered)
	}

	result, err = Execute(`{{if or .a .b .c}}any{{else}}none{{end}}`, map[string]any{"a": false, "b": false, "c": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "any" {
		t.Fatalf("expected or() over three args to find the true one, got %q", result.Rendered)
	}
}

func TestFuncMap_EqIsStrictNotStringCoerced(t *testing.T) {
	result, err := Execute(`{{if eq .a .b}}same{{else}}different{{end}}`, map[string]any{"a": 5, "b": "5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "different" {
		t.Fatalf("expected eq(5, \"5\") to be strict-unequal, got %q", result.Rendered)
	}

	result, err = Execute(`{{if eq .a .b}}same{{else}}different{{end}}`, map[string]any{"a": "x", "b": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rendered != "same" {
		t.Fatalf("expected eq(\"x\", \"x\") to be equal, got %q", result.Rendered)
	}
}

func TestRequireNoUnresolvedPlaceholders_DetectsLeftoverPlaceholder(t *testing.T) {
	if err := RequireNoUnresolvedPlaceholders("still has ${unresolved} here"); err == nil {
		t.Fatal("expected an error for unresolved placeholder")
	}
	if err := RequireNoUnresolvedPlaceholders("fully resolved"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
