package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ScalarKind identifies the type carried by a Scalar.
type ScalarKind int

const (
	KindString ScalarKind = iota
	KindNumber
	KindBool
)

func (k ScalarKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Scalar is a typed literal value: a string, a float64 number or a bool.
// The zero value is the empty string.
type Scalar struct {
	kind ScalarKind
	str  string
	num  float64
	b    bool
}

// StringScalar returns a string scalar.
func StringScalar(s string) Scalar { return Scalar{kind: KindString, str: s} }

// NumberScalar returns a numeric scalar.
func NumberScalar(f float64) Scalar { return Scalar{kind: KindNumber, num: f} }

// BoolScalar returns a boolean scalar.
func BoolScalar(b bool) Scalar { return Scalar{kind: KindBool, b: b} }

// Kind returns the scalar's type.
func (s Scalar) Kind() ScalarKind { return s.kind }

// Str returns the string value; it is empty for non-string scalars.
func (s Scalar) Str() string { return s.str }

// Num returns the numeric value; it is zero for non-number scalars.
func (s Scalar) Num() float64 { return s.num }

// Bool returns the boolean value; it is false for non-bool scalars.
func (s Scalar) Bool() bool { return s.b }

// Value returns the scalar as a plain Go value (string, float64 or bool).
func (s Scalar) Value() any {
	switch s.kind {
	case KindNumber:
		return s.num
	case KindBool:
		return s.b
	default:
		return s.str
	}
}

// Equal reports value equality. Scalars of different kinds are never equal.
func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case KindNumber:
		return s.num == o.num
	case KindBool:
		return s.b == o.b
	default:
		return s.str == o.str
	}
}

// AsNumber interprets the scalar as a number. Numbers convert as-is and
// strings convert when their trimmed text is a numeric literal.
func (s Scalar) AsNumber() (float64, bool) {
	switch s.kind {
	case KindNumber:
		return s.num, true
	case KindString:
		text := strings.TrimSpace(s.str)
		if !isNumeric(text) {
			return 0, false
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// String renders the scalar as rule-language literal text.
func (s Scalar) String() string {
	switch s.kind {
	case KindNumber:
		return formatNumber(s.num)
	case KindBool:
		return strconv.FormatBool(s.b)
	default:
		return quoteString(s.str)
	}
}

// MarshalJSON encodes the scalar as a native JSON string, number or bool.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case KindNumber:
		if math.IsNaN(s.num) || math.IsInf(s.num, 0) {
			return nil, fmt.Errorf("expr: cannot encode non-finite number %v", s.num)
		}
		return []byte(formatNumber(s.num)), nil
	case KindBool:
		return []byte(strconv.FormatBool(s.b)), nil
	default:
		return encodeJSON(s.str)
	}
}

// ScalarOf converts a record value into a Scalar. Strings, bools, every Go
// integer and float type, json.Number and Scalar itself are accepted.
func ScalarOf(v any) (Scalar, bool) {
	switch x := v.(type) {
	case Scalar:
		return x, true
	case string:
		return StringScalar(x), true
	case bool:
		return BoolScalar(x), true
	case float64:
		return NumberScalar(x), true
	case float32:
		return NumberScalar(float64(x)), true
	case int:
		return NumberScalar(float64(x)), true
	case int8:
		return NumberScalar(float64(x)), true
	case int16:
		return NumberScalar(float64(x)), true
	case int32:
		return NumberScalar(float64(x)), true
	case int64:
		return NumberScalar(float64(x)), true
	case uint:
		return NumberScalar(float64(x)), true
	case uint8:
		return NumberScalar(float64(x)), true
	case uint16:
		return NumberScalar(float64(x)), true
	case uint32:
		return NumberScalar(float64(x)), true
	case uint64:
		return NumberScalar(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return StringScalar(x.String()), true
		}
		return NumberScalar(f), true
	}
	return Scalar{}, false
}

// formatNumber prints integral values without a fraction and everything
// else in the shortest round-tripping form.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func quoteString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
