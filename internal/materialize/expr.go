package materialize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/dataframe"
)

// predicate evaluates one row and reports whether it passes a Filter op.
type predicate func(row map[string]dataframe.Value) bool

var (
	isNullPattern  = regexp.MustCompile(`(?i)^\s*([a-zA-Z0-9_.]+)\s+IS\s+NULL\s*$`)
	notNullPattern = regexp.MustCompile(`(?i)^\s*([a-zA-Z0-9_.]+)\s+IS\s+NOT\s+NULL\s*$`)
	inPattern      = regexp.MustCompile(`(?i)^\s*([a-zA-Z0-9_.]+)\s+IN\s*\(\s*(.*?)\s*\)\s*$`)
	comparePattern = regexp.MustCompile(`^\s*(.+?)\s*(!=|>=|<=|=|>|<)\s*(.+?)\s*$`)
	coalescePattern = regexp.MustCompile(`(?i)^COALESCE\(\s*([a-zA-Z0-9_.]+)\s*,\s*(.+?)\s*\)$`)
)

// parseFilter implements spec §4.7's limited Filter grammar: `col <op>
// literal`, `col IS NULL`, `col IN (...)`, `COALESCE(col, n)` as an operand.
func parseFilter(expr string) (predicate, error) {
	if m := isNullPattern.FindStringSubmatch(expr); m != nil {
		col := m[1]
		return func(row map[string]dataframe.Value) bool { return row[col] == nil }, nil
	}
	if m := notNullPattern.FindStringSubmatch(expr); m != nil {
		col := m[1]
		return func(row map[string]dataframe.Value) bool { return row[col] != nil }, nil
	}
	if m := inPattern.FindStringSubmatch(expr); m != nil {
		col := m[1]
		var literals []string
		for _, v := range strings.Split(m[2], ",") {
			literals = append(literals, unquote(strings.TrimSpace(v)))
		}
		return func(row map[string]dataframe.Value) bool {
			s, ok := valueAsString(row[col])
			if !ok {
				return false
			}
			for _, l := range literals {
				if s == l {
					return true
				}
			}
			return false
		}, nil
	}
	if m := comparePattern.FindStringSubmatch(expr); m != nil {
		left, op, right := m[1], m[2], m[3]
		leftFn := operandEval(left)
		rightLiteral := unquote(right)
		return func(row map[string]dataframe.Value) bool {
			v := leftFn(row)
			return compareOp(v, rightLiteral, op)
		}, nil
	}
	return nil, fmt.Errorf("materialize: unrecognized filter expression %q", expr)
}

// operandEval resolves either a bare column name or a COALESCE(col, default)
// call into a per-row value extractor.
func operandEval(operand string) func(row map[string]dataframe.Value) dataframe.Value {
	if m := coalescePattern.FindStringSubmatch(operand); m != nil {
		col, def := m[1], unquote(m[2])
		return func(row map[string]dataframe.Value) dataframe.Value {
			if v, ok := row[col]; ok && v != nil {
				return v
			}
			return literalValue(def)
		}
	}
	col := operand
	return func(row map[string]dataframe.Value) dataframe.Value { return row[col] }
}

func compareOp(v dataframe.Value, literal, op string) bool {
	if vf, vok := asFloat(v); vok {
		if lf, lok := strconv.ParseFloat(literal, 64); lok == nil {
			switch op {
			case "=":
				return vf == lf
			case "!=":
				return vf != lf
			case ">":
				return vf > lf
			case ">=":
				return vf >= lf
			case "<":
				return vf < lf
			case "<=":
				return vf <= lf
			}
		}
	}
	s, _ := valueAsString(v)
	switch op {
	case "=":
		return s == literal
	case "!=":
		return s != literal
	case ">":
		return s > literal
	case ">=":
		return s >= literal
	case "<":
		return s < literal
	case "<=":
		return s <= literal
	}
	return false
}

// deriveTerm is one signed component of a Derive expression.
type deriveTerm struct {
	sign int
	eval func(row map[string]dataframe.Value) float64
}

var deriveSplit = regexp.MustCompile(`\s*([+-])\s*`)

// parseDerive implements spec §4.7's left-to-right additive/subtractive
// Derive grammar over columns, numeric literals and COALESCE.
func parseDerive(expr string) ([]deriveTerm, error) {
	expr = strings.TrimSpace(expr)
	var terms []deriveTerm
	sign := 1
	start := 0

	flush := func(text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		eval, err := deriveOperand(text)
		if err != nil {
			return err
		}
		terms = append(terms, deriveTerm{sign: sign, eval: eval})
		return nil
	}

	depth := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '+', '-':
			if depth == 0 && i > start {
				if err := flush(expr[start:i]); err != nil {
					return nil, err
				}
				sign = map[byte]int{'+': 1, '-': -1}[expr[i]]
				start = i + 1
			}
		}
	}
	if err := flush(expr[start:]); err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("materialize: empty derive expression")
	}
	return terms, nil
}

func deriveOperand(text string) (func(row map[string]dataframe.Value) float64, error) {
	if m := coalescePattern.FindStringSubmatch(text); m != nil {
		col, def := m[1], m[2]
		defVal, err := strconv.ParseFloat(def, 64)
		if err != nil {
			return nil, fmt.Errorf("materialize: COALESCE default %q is not numeric", def)
		}
		return func(row map[string]dataframe.Value) float64 {
			if f, ok := asFloat(row[col]); ok {
				return f
			}
			return defVal
		}, nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return func(map[string]dataframe.Value) float64 { return f }, nil
	}
	col := text
	return func(row map[string]dataframe.Value) float64 {
		f, _ := asFloat(row[col])
		return f
	}, nil
}

// evalDerive applies parsed terms to one row.
func evalDerive(terms []deriveTerm, row map[string]dataframe.Value) float64 {
	var total float64
	for _, t := range terms {
		total += float64(t.sign) * t.eval(row)
	}
	return total
}

func asFloat(v dataframe.Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valueAsString(v dataframe.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func literalValue(lit string) dataframe.Value {
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return f
	}
	return lit
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
