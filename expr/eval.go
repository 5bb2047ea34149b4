package expr

import (
	"fmt"
	"strings"
)

// Record is a flat mapping from attribute name to a scalar-like value
// (string, bool, any Go number, json.Number or Scalar). A nil value is
// treated the same as an absent attribute.
type Record map[string]any

// Eval evaluates a rule against a record.
//
// AND and OR short-circuit: when the left operand decides the result the
// right operand is not evaluated, so its errors (such as a missing
// attribute) do not surface.
func Eval(n Node, rec Record) (bool, error) {
	switch x := n.(type) {
	case *Operator:
		left, err := Eval(x.Left, rec)
		if err != nil {
			return false, err
		}
		switch x.Op {
		case OpAnd:
			if !left {
				return false, nil
			}
		case OpOr:
			if left {
				return true, nil
			}
		default:
			return false, fmt.Errorf("expr: unknown logical operator %q", x.Op)
		}
		return Eval(x.Right, rec)

	case *Comparison:
		return evalComparison(x, rec)

	case nil:
		return false, fmt.Errorf("expr: cannot evaluate nil rule")
	}
	return false, fmt.Errorf("expr: unknown node type %T", n)
}

func evalComparison(c *Comparison, rec Record) (bool, error) {
	raw, ok := rec[c.Attribute]
	if !ok || raw == nil {
		return false, &MissingAttributeError{Attribute: c.Attribute}
	}
	val, ok := ScalarOf(raw)
	if !ok {
		return false, &UnsupportedValueError{Attribute: c.Attribute, Value: raw}
	}

	co := coerce(val, c.Literal)
	if co.numeric {
		return compareOrdered(c.Op, compareFloats(co.leftNum, co.rightNum)), nil
	}

	switch c.Op {
	case CmpEq:
		return co.left.Equal(co.right), nil
	case CmpNeq:
		return !co.left.Equal(co.right), nil
	}

	// A number that met a non-numeric string is ordered by its text.
	left, lok := orderingText(co.left)
	right, rok := orderingText(co.right)
	if !lok || !rok {
		return false, &IncomparableError{
			Attribute: c.Attribute,
			Op:        c.Op,
			Left:      co.left.Kind(),
			Right:     co.right.Kind(),
		}
	}
	return compareOrdered(c.Op, strings.Compare(left, right)), nil
}

// orderingText is the text a string or number is ordered by once numeric
// coercion has failed. Bools have no order.
func orderingText(s Scalar) (string, bool) {
	switch s.Kind() {
	case KindString:
		return s.Str(), true
	case KindNumber:
		return formatNumber(s.Num()), true
	}
	return "", false
}

// coercion is the outcome of bringing a record value and a literal to a
// common type: either both numbers, or the original scalars unchanged.
type coercion struct {
	numeric  bool
	leftNum  float64
	rightNum float64
	left     Scalar
	right    Scalar
}

// coerce compares as numbers when both sides are numbers or numeric strings
// and falls back to the original values otherwise. It never fails.
func coerce(value, literal Scalar) coercion {
	l, lok := value.AsNumber()
	r, rok := literal.AsNumber()
	if lok && rok {
		return coercion{numeric: true, leftNum: l, rightNum: r}
	}
	return coercion{left: value, right: literal}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareOrdered(op Comparator, cmp int) bool {
	switch op {
	case CmpEq:
		return cmp == 0
	case CmpNeq:
		return cmp != 0
	case CmpLt:
		return cmp < 0
	case CmpLte:
		return cmp <= 0
	case CmpGt:
		return cmp > 0
	case CmpGte:
		return cmp >= 0
	}
	return false
}
