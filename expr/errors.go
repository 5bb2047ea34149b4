package expr

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned by Combine when given no rules.
var ErrEmptyInput = errors.New("combine: no rules to combine")

// ErrTooDeep is returned when a tree would exceed MaxTreeDepth.
var ErrTooDeep = fmt.Errorf("rule tree deeper than %d levels", MaxTreeDepth)

// LexError reports text that does not form a valid token.
type LexError struct {
	Pos int
	Msg string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Msg, e.Pos)
}

// ParseErrorKind classifies parser failures.
type ParseErrorKind int

const (
	ParseUnexpected    ParseErrorKind = iota // a token that does not fit the grammar
	ParseEmpty                               // no tokens at all
	ParseUnclosed                            // '(' without matching ')'
	ParseUnmatched                           // ')' without matching '('
	ParseInvalidNumber                       // numeric token out of float64 range
	ParseTooDeep                             // parenthesis nesting or tree depth above its limit
)

var parseErrorKindNames = map[ParseErrorKind]string{
	ParseUnexpected:    "unexpected token",
	ParseEmpty:         "empty rule",
	ParseUnclosed:      "unclosed parenthesis",
	ParseUnmatched:     "unmatched parenthesis",
	ParseInvalidNumber: "invalid number",
	ParseTooDeep:       "nesting too deep",
}

func (k ParseErrorKind) String() string {
	if name, ok := parseErrorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("parse_error(%d)", int(k))
}

// ParseError reports a token sequence that does not match the rule grammar.
type ParseError struct {
	Kind     ParseErrorKind
	Pos      int    // byte offset of the offending token
	Expected string // what the grammar wanted at Pos
	Found    string // what was there instead
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseEmpty:
		return "empty rule"
	case ParseTooDeep:
		return fmt.Sprintf("nesting too deep at position %d (limit %s)", e.Pos, e.Expected)
	}
	if e.Expected == "" {
		return fmt.Sprintf("%s: %s at position %d", e.Kind, e.Found, e.Pos)
	}
	return fmt.Sprintf("%s: expected %s but found %s at position %d", e.Kind, e.Expected, e.Found, e.Pos)
}

// MissingAttributeError is returned when a record lacks an attribute the
// rule compares against.
type MissingAttributeError struct {
	Attribute string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("missing attribute %q", e.Attribute)
}

// IncomparableError is returned when an ordering comparator is applied to
// values whose kinds have no common order (for example a string and a bool).
type IncomparableError struct {
	Attribute string
	Op        Comparator
	Left      ScalarKind
	Right     ScalarKind
}

func (e *IncomparableError) Error() string {
	return fmt.Sprintf("cannot compare %s %s %s for attribute %q", e.Left, e.Op, e.Right, e.Attribute)
}

// UnsupportedValueError is returned when a record value is not a scalar.
type UnsupportedValueError struct {
	Attribute string
	Value     any
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("attribute %q has unsupported value type %T", e.Attribute, e.Value)
}

// DecodeError reports a serialized AST that does not describe a valid tree.
type DecodeError struct {
	Path   string // location in the tree, e.g. "$.left.right"
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid AST at %s: %s", e.Path, e.Reason)
}
