package engine

import (
	"fmt"
	"regexp"
)

var dollarPlaceholder = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// substituteDollar replaces every "${name}" occurrence in s with the
// stringified value of name from substitutionCtx, leaving unresolved
// placeholders untouched. This is deliberately independent of the
// templateexec package: the engine only ever needs literal ${name}
// substitution for endpoints, headers, and request bodies, never the
// mustache-style default/eq/and/or helpers a full template configuration
// supports.
func substituteDollar(s string, substitutionCtx map[string]any) string {
	return dollarPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		sub := dollarPlaceholder.FindStringSubmatch(match)
		name := sub[1]
		if v, ok := substitutionCtx[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}
