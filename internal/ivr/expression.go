package ivr

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditional expressions are deliberately tiny: one variable, one
// comparison operator, one literal. Numeric comparison is used when both
// sides parse as numbers, string comparison otherwise.
type expression struct {
	variable string
	op       string
	literal  string
}

var expressionOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func parseExpression(s string) (expression, error) {
	for _, op := range expressionOps {
		idx := strings.Index(s, op)
		if idx <= 0 {
			continue
		}
		variable := strings.TrimSpace(s[:idx])
		literal := strings.TrimSpace(s[idx+len(op):])
		if variable == "" || literal == "" {
			return expression{}, fmt.Errorf("ivr: malformed expression %q", s)
		}
		return expression{variable: variable, op: op, literal: strings.Trim(literal, `"'`)}, nil
	}
	return expression{}, fmt.Errorf("ivr: expression %q has no comparison operator", s)
}

func (e expression) eval(vars map[string]string) bool {
	val := vars[e.variable]

	if ln, lerr := strconv.ParseFloat(val, 64); lerr == nil {
		if rn, rerr := strconv.ParseFloat(e.literal, 64); rerr == nil {
			return compareFloat(ln, rn, e.op)
		}
	}
	return compareString(val, e.literal, e.op)
}

func compareFloat(a, b float64, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func compareString(a, b, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}
