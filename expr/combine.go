package expr

import "fmt"

// Combine folds rules into one, left to right:
// Combine([a, b, c], AND) is ((a AND b) AND c). A single rule is returned
// unchanged. Input trees are shared, not copied. A result deeper than
// MaxTreeDepth is rejected with an error wrapping ErrTooDeep.
func Combine(nodes []Node, op LogicalOp) (Node, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyInput
	}
	if !op.Valid() {
		return nil, fmt.Errorf("combine: invalid logical operator %q", op)
	}
	for i, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("combine: rule %d is nil", i)
		}
	}

	combined, depth := nodes[0], Depth(nodes[0])
	for i, n := range nodes[1:] {
		depth = 1 + max(depth, Depth(n))
		if depth > MaxTreeDepth {
			return nil, fmt.Errorf("combine: %w at rule %d", ErrTooDeep, i+1)
		}
		combined = &Operator{Op: op, Left: combined, Right: n}
	}
	return combined, nil
}
