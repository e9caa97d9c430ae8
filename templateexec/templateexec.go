// Package templateexec renders a Template Configuration's endpoint, header,
// and body strings against a set of call-time variables.
//
// No templating library in the retrieval pack covers mustache-style
// substitution (the rest of the corpus renders its prompts with plain
// string concatenation), so this package is built on the standard
// library's text/template after normalizing the gateway's two accepted
// placeholder syntaxes into Go template actions. See DESIGN.md for the
// standard-library justification.
package templateexec

import (
	"bytes"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

var (
	dollarPlaceholder = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)
	// defaultHelper matches all three "...|default:..." surface syntaxes in
	// one pass: a double-quoted literal, a single-quoted literal, or a bare
	// variable name to fall back to.
	defaultHelper = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\|\s*default:\s*(?:"([^"]*)"|'([^']*)'|([a-zA-Z0-9_.]+))\s*\}\}`)
)

// Result is the outcome of rendering a single template.
type Result struct {
	ExecutionID string
	Rendered    string
	UsedDefault bool
}

// funcMap supplies the mustache-like helpers the gateway's templates use:
// default/eq/and/or. eq/and/or are also text/template builtins, but are
// listed here explicitly so template authors can rely on them without
// depending on Go's builtin set directly.
var funcMap = template.FuncMap{
	"default": func(value, fallback any) any {
		if value == nil || value == "" {
			return fallback
		}
		return value
	},
	"eq":  func(a, b any) bool { return reflect.DeepEqual(a, b) },
	"and": func(args ...any) bool { return andAll(args) },
	"or":  func(args ...any) bool { return orAny(args) },
}

// truthy coerces a template argument to a bool the way and/or's callers
// expect: bools by value, everything else by "is it the zero value".
func truthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return false
	}
	return !rv.IsZero()
}

// andAll is boolean AND over every argument, matching spec.md's and(...)
// over an arbitrary argument count rather than a fixed pair.
func andAll(args []any) bool {
	for _, a := range args {
		if !truthy(a) {
			return false
		}
	}
	return true
}

// orAny is boolean OR over every argument, matching spec.md's or(...) over
// an arbitrary argument count rather than a fixed pair.
func orAny(args []any) bool {
	for _, a := range args {
		if truthy(a) {
			return true
		}
	}
	return false
}

// normalize rewrites the gateway's accepted placeholder syntaxes into Go
// template actions: "${var}" becomes "{{.var}}"; "{{var|default:"lit"}}" and
// "{{var|default:'lit'}}" become "{{default .var "lit"}}"; and
// "{{a|default:b}}" (a bare variable fallback, no quotes) becomes
// "{{default .a .b}}".
func normalize(raw string) string {
	out := dollarPlaceholder.ReplaceAllString(raw, "{{.$1}}")
	out = defaultHelper.ReplaceAllStringFunc(out, func(match string) string {
		sub := defaultHelper.FindStringSubmatch(match)
		value := sub[1]
		fallback := strings.TrimSpace(match[strings.Index(match, "default:")+len("default:"):])
		switch fallback[0] {
		case '"':
			return fmt.Sprintf(`{{default .%s "%s"}}`, value, sub[2])
		case '\'':
			return fmt.Sprintf(`{{default .%s "%s"}}`, value, sub[3])
		default:
			return fmt.Sprintf(`{{default .%s .%s}}`, value, sub[4])
		}
	})
	return out
}

// Execute renders a single template string against vars. On any rendering
// failure (unknown placeholder, template parse error), it falls back to a
// simple literal "${var}" substitution rather than failing the whole
// invocation, matching the gateway's tolerance for partially-specified
// templates.
func Execute(rawTemplate string, vars map[string]any) (Result, error) {
	executionID := uuid.NewString()

	normalized := normalize(rawTemplate)
	tmpl, err := template.New(executionID).Funcs(funcMap).Option("missingkey=zero").Parse(normalized)
	if err != nil {
		return simpleSubstitute(executionID, rawTemplate, vars), nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return simpleSubstitute(executionID, rawTemplate, vars), nil
	}

	return Result{ExecutionID: executionID, Rendered: buf.String()}, nil
}

// simpleSubstitute replaces every "${name}" occurrence with the stringified
// variable value, leaving unresolved placeholders untouched. It is the
// fallback path when text/template rendering fails outright.
func simpleSubstitute(executionID, rawTemplate string, vars map[string]any) Result {
	rendered := dollarPlaceholder.ReplaceAllStringFunc(rawTemplate, func(match string) string {
		sub := dollarPlaceholder.FindStringSubmatch(match)
		name := sub[1]
		if v, ok := vars[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
	return Result{ExecutionID: executionID, Rendered: rendered, UsedDefault: true}
}

// Preview renders a template without requiring every variable to be
// present: missing variables render as an empty string rather than failing,
// so a caller can inspect the shape of a partially-filled template.
func Preview(rawTemplate string, vars map[string]any) (string, error) {
	result, err := Execute(rawTemplate, vars)
	if err != nil {
		return "", err
	}
	return result.Rendered, nil
}

// BatchItem is one unit of work for BatchExecute.
type BatchItem struct {
	Template string
	Vars     map[string]any
}

// BatchResult pairs a BatchItem's outcome with its index so callers can
// correlate failures back to their input.
type BatchResult struct {
	Index  int
	Result Result
	Err    error
}

// BatchExecute renders every item, optionally stopping at the first error.
func BatchExecute(items []BatchItem, stopOnFirstError bool) []BatchResult {
	results := make([]BatchResult, 0, len(items))
	for i, item := range items {
		res, err := Execute(item.Template, item.Vars)
		results = append(results, BatchResult{Index: i, Result: res, Err: err})
		if err != nil && stopOnFirstError {
			break
		}
	}
	return results
}

// RequireNoUnresolvedPlaceholders reports an error if rendered still
// contains an unresolved "${...}" placeholder, matching the engine's
// requirement to fail fast rather than send a literal placeholder upstream.
func RequireNoUnresolvedPlaceholders(rendered string) error {
	if loc := dollarPlaceholder.FindStringIndex(rendered); loc != nil {
		unresolved := strings.TrimSpace(rendered[loc[0]:loc[1]])
		return &proxyerr.Error{
			Code:    proxyerr.CodeValidation,
			Message: fmt.Sprintf("unresolved template placeholder: %s", unresolved),
		}
	}
	return nil
}
