// Package expr implements the PetalRules rule language: a tokenizer, a
// parser producing an immutable AST, a canonical serialized form of that AST,
// a combinator that folds several rules into one, and an evaluator that runs
// a rule against a flat data record.
//
// All functions in this package are pure and safe for concurrent use. Nodes
// are never mutated after construction, so trees may be shared freely.
package expr

import (
	"fmt"
	"sort"
	"strings"
)

// LogicalOp is the operator of an Operator node.
type LogicalOp string

const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// Valid reports whether op is AND or OR.
func (op LogicalOp) Valid() bool {
	return op == OpAnd || op == OpOr
}

// ParseLogicalOp accepts AND/OR in any letter case.
func ParseLogicalOp(s string) (LogicalOp, error) {
	op := LogicalOp(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown logical operator %q", s)
	}
	return op, nil
}

// Comparator is the operator of a Comparison node.
type Comparator string

const (
	CmpEq  Comparator = "=="
	CmpNeq Comparator = "!="
	CmpLt  Comparator = "<"
	CmpLte Comparator = "<="
	CmpGt  Comparator = ">"
	CmpGte Comparator = ">="
)

// Valid reports whether c is one of the six comparators.
func (c Comparator) Valid() bool {
	switch c {
	case CmpEq, CmpNeq, CmpLt, CmpLte, CmpGt, CmpGte:
		return true
	}
	return false
}

// Node is the interface implemented by all AST nodes. The set of
// implementations is closed: *Operator and *Comparison.
type Node interface {
	node() // marker method
	String() string
}

// Operator combines two sub-rules with AND or OR.
type Operator struct {
	Op    LogicalOp
	Left  Node
	Right Node
}

func (*Operator) node() {}

// String renders the subtree as rule text that parses back to an equal tree.
// Operators are left-associative at one precedence level, so only a nested
// operator on the right needs parentheses.
func (n *Operator) String() string {
	right := n.Right.String()
	if _, ok := n.Right.(*Operator); ok {
		right = "(" + right + ")"
	}
	return fmt.Sprintf("%s %s %s", n.Left, n.Op, right)
}

// Comparison tests one record attribute against a literal.
type Comparison struct {
	Attribute string
	Op        Comparator
	Literal   Scalar
}

func (*Comparison) node() {}

func (n *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", n.Attribute, n.Op, n.Literal)
}

// NewOperator returns an Operator node after checking its operands.
func NewOperator(op LogicalOp, left, right Node) (*Operator, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("expr: invalid logical operator %q", op)
	}
	if left == nil || right == nil {
		return nil, fmt.Errorf("expr: %s requires two operands", op)
	}
	return &Operator{Op: op, Left: left, Right: right}, nil
}

// NewComparison returns a Comparison node after checking its fields.
func NewComparison(attribute string, op Comparator, literal Scalar) (*Comparison, error) {
	if !isIdentifier(attribute) {
		return nil, fmt.Errorf("expr: invalid attribute name %q", attribute)
	}
	if !op.Valid() {
		return nil, fmt.Errorf("expr: invalid comparator %q", op)
	}
	return &Comparison{Attribute: attribute, Op: op, Literal: literal}, nil
}

// Equal reports whether two trees have the same shape, operators,
// attributes and literals.
func Equal(a, b Node) bool {
	switch x := a.(type) {
	case *Operator:
		y, ok := b.(*Operator)
		if !ok {
			return false
		}
		return x.Op == y.Op && Equal(x.Left, y.Left) && Equal(x.Right, y.Right)
	case *Comparison:
		y, ok := b.(*Comparison)
		if !ok {
			return false
		}
		return x.Attribute == y.Attribute && x.Op == y.Op && x.Literal.Equal(y.Literal)
	case nil:
		return b == nil
	}
	return false
}

// Attributes returns the sorted, de-duplicated attribute names the tree reads.
func Attributes(n Node) []string {
	seen := make(map[string]struct{})
	walk(n, func(c *Comparison) {
		seen[c.Attribute] = struct{}{}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of nodes in the tree.
func Size(n Node) int {
	switch x := n.(type) {
	case *Operator:
		return 1 + Size(x.Left) + Size(x.Right)
	case *Comparison:
		return 1
	}
	return 0
}

// MaxTreeDepth bounds the depth of any rule tree, counting a lone comparison
// as depth 1. It keeps serialized rules within what the JSON decoder accepts.
const MaxTreeDepth = 256

// Depth returns the number of nodes on the longest root-to-leaf path.
func Depth(n Node) int {
	switch x := n.(type) {
	case *Operator:
		return 1 + max(Depth(x.Left), Depth(x.Right))
	case *Comparison:
		return 1
	}
	return 0
}

func walk(n Node, fn func(*Comparison)) {
	switch x := n.(type) {
	case *Operator:
		walk(x.Left, fn)
		walk(x.Right, fn)
	case *Comparison:
		fn(x)
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, ch := range s {
		if i == 0 && !isIdentStart(ch) {
			return false
		}
		if !isIdentPart(ch) {
			return false
		}
	}
	_, reserved := keywords[s]
	return !reserved
}
