package eval

import (
	"regexp"
	"strings"
)

// placeholderRe matches {{ path }} occurrences.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderTemplate replaces {{ path }} placeholders whose path roots at
// "vars." or "input.". Placeholders with any other root, or whose path does
// not resolve, pass through verbatim.
func RenderTemplate(tmpl string, ctx *Context) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		lower := strings.ToLower(path)
		if !strings.HasPrefix(lower, "vars.") && !strings.HasPrefix(lower, "input.") {
			return match
		}
		val, ok := ctx.Resolve(path)
		if !ok {
			return match
		}
		return Stringify(val)
	})
}
