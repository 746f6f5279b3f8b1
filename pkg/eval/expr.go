package eval

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// expressionPrefixes are the only forms accepted where the script language
// expects an expression (extract-input values and if conditions).
var expressionPrefixes = []string{"$vars.", "$input.", "$len(", "$map("}

// ValidateSyntax enforces the expression syntax guard.
func ValidateSyntax(expr string) *hrf.Error {
	trimmed := strings.TrimSpace(expr)
	for _, p := range expressionPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return nil
		}
	}
	return hrf.New(hrf.CodeExecutionError, "Invalid expression syntax").
		WithDetail("expression", expr)
}

// Evaluate resolves a single $-expression against the context. Unknown
// paths yield nil without error.
func Evaluate(expr string, ctx *Context) (any, error) {
	trimmed := strings.TrimSpace(expr)

	switch {
	case strings.HasPrefix(trimmed, "$len(") && strings.HasSuffix(trimmed, ")"):
		inner := trimmed[len("$len(") : len(trimmed)-1]
		val, err := Evaluate(inner, ctx)
		if err != nil {
			return nil, err
		}
		return float64(lengthOf(val)), nil

	case strings.HasPrefix(trimmed, "$map(") && strings.HasSuffix(trimmed, ")"):
		inner := trimmed[len("$map(") : len(trimmed)-1]
		comma := strings.LastIndex(inner, ",")
		if comma < 0 {
			return nil, hrf.New(hrf.CodeExecutionError, "Invalid expression syntax").
				WithDetail("expression", expr)
		}
		listExpr := strings.TrimSpace(inner[:comma])
		prop := unquote(strings.TrimSpace(inner[comma+1:]))
		val, err := Evaluate(listExpr, ctx)
		if err != nil {
			return nil, err
		}
		return mapProperty(val, prop), nil

	case strings.HasPrefix(trimmed, "$vars.") || strings.HasPrefix(trimmed, "$input."):
		val, _ := ctx.Resolve(strings.TrimPrefix(trimmed, "$"))
		return val, nil

	default:
		return nil, hrf.New(hrf.CodeExecutionError, "Invalid expression syntax").
			WithDetail("expression", expr)
	}
}

// lengthOf implements $len: arrays and collections by element count,
// strings by code points, everything else 0.
func lengthOf(v any) int {
	switch val := v.(type) {
	case []any:
		return len(val)
	case string:
		return utf8.RuneCountInString(val)
	case map[string]any:
		return len(val)
	default:
		return 0
	}
}

// mapProperty implements $map: projects item[prop] from each object element.
func mapProperty(v any, prop string) []any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for k, pv := range obj {
			if strings.EqualFold(k, prop) {
				out = append(out, pv)
				break
			}
		}
	}
	return out
}

// comparisonRe splits LEFT OP RIGHT. Two-character operators are listed
// first so <= does not split as <.
var comparisonRe = regexp.MustCompile(`^(.+?)\s*(==|!=|<=|>=|<|>)\s*(.+)$`)

// EvalCondition evaluates a boolean expression: either a comparison of two
// operands or the truthiness of a single expression.
func EvalCondition(expr string, ctx *Context) (bool, error) {
	trimmed := strings.TrimSpace(expr)

	if m := comparisonRe.FindStringSubmatch(trimmed); m != nil {
		left, err := evalOperand(m[1], ctx)
		if err != nil {
			return false, err
		}
		right, err := evalOperand(m[3], ctx)
		if err != nil {
			return false, err
		}
		return compare(left, right, m[2]), nil
	}

	val, err := Evaluate(trimmed, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// evalOperand evaluates one comparison side: a $-expression or a literal.
func evalOperand(operand string, ctx *Context) (any, error) {
	trimmed := strings.TrimSpace(operand)
	if strings.HasPrefix(trimmed, "$") {
		return Evaluate(trimmed, ctx)
	}
	return unquote(trimmed), nil
}

// compare applies an operator: numeric when both sides parse as numbers,
// ordinal string comparison otherwise.
func compare(left, right any, op string) bool {
	ls, rs := Stringify(left), Stringify(right)
	lf, lerr := strconv.ParseFloat(ls, 64)
	rf, rerr := strconv.ParseFloat(rs, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

// Truthy reports the truth value of a non-comparison expression result.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	default:
		return true
	}
}

// Stringify renders a JSON value the way templates and comparisons see it.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// unquote strips one matching pair of single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
