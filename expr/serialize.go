package expr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

// Variant tags used in the serialized form.
const (
	VariantOperator   = "operator"
	VariantComparison = "comparison"
)

// SerializedNode is the canonical storage and transport shape of a rule tree.
// Operators carry Left/Right and leave Attribute/Literal null; comparisons
// carry Attribute/Literal and leave Left/Right null.
type SerializedNode struct {
	Variant   string          `json:"variant"`
	Op        string          `json:"op"`
	Attribute *string         `json:"attribute"`
	Literal   *Scalar         `json:"literal"`
	Left      *SerializedNode `json:"left"`
	Right     *SerializedNode `json:"right"`
}

// Serialize converts a tree into its serialized shape.
func Serialize(n Node) *SerializedNode {
	switch x := n.(type) {
	case *Operator:
		return &SerializedNode{
			Variant: VariantOperator,
			Op:      string(x.Op),
			Left:    Serialize(x.Left),
			Right:   Serialize(x.Right),
		}
	case *Comparison:
		attr := x.Attribute
		lit := x.Literal
		return &SerializedNode{
			Variant:   VariantComparison,
			Op:        string(x.Op),
			Attribute: &attr,
			Literal:   &lit,
		}
	}
	return nil
}

// Deserialize rebuilds a tree from its serialized shape, rejecting any shape
// Serialize could not have produced.
func Deserialize(sn *SerializedNode) (Node, error) {
	return deserialize(sn, "$", 1)
}

func deserialize(sn *SerializedNode, path string, depth int) (Node, error) {
	if sn == nil {
		return nil, &DecodeError{Path: path, Reason: "node is null"}
	}
	if depth > MaxTreeDepth {
		return nil, &DecodeError{Path: path, Reason: ErrTooDeep.Error()}
	}
	switch sn.Variant {
	case VariantOperator:
		op := LogicalOp(sn.Op)
		if !op.Valid() {
			return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("unknown logical operator %q", sn.Op)}
		}
		if sn.Attribute != nil || sn.Literal != nil {
			return nil, &DecodeError{Path: path, Reason: "operator must not carry attribute or literal"}
		}
		left, err := deserialize(sn.Left, path+".left", depth+1)
		if err != nil {
			return nil, err
		}
		right, err := deserialize(sn.Right, path+".right", depth+1)
		if err != nil {
			return nil, err
		}
		return &Operator{Op: op, Left: left, Right: right}, nil

	case VariantComparison:
		cmp := Comparator(sn.Op)
		if !cmp.Valid() {
			return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("unknown comparator %q", sn.Op)}
		}
		if sn.Left != nil || sn.Right != nil {
			return nil, &DecodeError{Path: path, Reason: "comparison must not have children"}
		}
		if sn.Attribute == nil || !isIdentifier(*sn.Attribute) {
			return nil, &DecodeError{Path: path, Reason: "comparison needs a valid attribute name"}
		}
		if sn.Literal == nil {
			return nil, &DecodeError{Path: path, Reason: "comparison needs a literal"}
		}
		return &Comparison{Attribute: *sn.Attribute, Op: cmp, Literal: *sn.Literal}, nil
	}
	return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("unknown variant %q", sn.Variant)}
}

// Marshal encodes a tree as canonical JSON. Equal trees always produce
// byte-identical output.
func Marshal(n Node) ([]byte, error) {
	sn := Serialize(n)
	if sn == nil {
		return nil, fmt.Errorf("expr: cannot marshal %T", n)
	}
	return encodeJSON(sn)
}

// encodeJSON is json.Marshal without HTML escaping, so comparators such as
// ">" stay readable in stored rules.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes canonical JSON produced by Marshal.
func Unmarshal(data []byte) (Node, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return nil, &DecodeError{Path: "$", Reason: err.Error()}
	}
	return FromJSONValue(v)
}

// FromJSONValue decodes a tree from an already-parsed JSON value. It lets
// callers that parsed a larger document with fastjson decode an embedded AST
// without re-encoding it.
func FromJSONValue(v *fastjson.Value) (Node, error) {
	sn, err := decodeSerialized(v, "$")
	if err != nil {
		return nil, err
	}
	return Deserialize(sn)
}

func decodeSerialized(v *fastjson.Value, path string) (*SerializedNode, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil, nil
	}
	if v.Type() != fastjson.TypeObject {
		return nil, &DecodeError{Path: path, Reason: fmt.Sprintf("expected object, got %s", v.Type())}
	}

	sn := &SerializedNode{}
	var err error
	if sn.Variant, err = stringField(v, "variant", path); err != nil {
		return nil, err
	}
	if sn.Op, err = stringField(v, "op", path); err != nil {
		return nil, err
	}

	if attr := v.Get("attribute"); attr != nil && attr.Type() != fastjson.TypeNull {
		b, err := attr.StringBytes()
		if err != nil {
			return nil, &DecodeError{Path: path + ".attribute", Reason: "expected string"}
		}
		s := string(b)
		sn.Attribute = &s
	}

	if lit := v.Get("literal"); lit != nil && lit.Type() != fastjson.TypeNull {
		s, err := scalarFromJSON(lit)
		if err != nil {
			return nil, &DecodeError{Path: path + ".literal", Reason: err.Error()}
		}
		sn.Literal = &s
	}

	if sn.Left, err = decodeSerialized(v.Get("left"), path+".left"); err != nil {
		return nil, err
	}
	if sn.Right, err = decodeSerialized(v.Get("right"), path+".right"); err != nil {
		return nil, err
	}
	return sn, nil
}

func stringField(v *fastjson.Value, key, path string) (string, error) {
	f := v.Get(key)
	if f == nil {
		return "", &DecodeError{Path: path, Reason: fmt.Sprintf("missing %q", key)}
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", &DecodeError{Path: path + "." + key, Reason: "expected string"}
	}
	return string(b), nil
}

// ScalarFromJSON converts a JSON string, number or bool into a Scalar.
func ScalarFromJSON(v *fastjson.Value) (Scalar, error) {
	return scalarFromJSON(v)
}

func scalarFromJSON(v *fastjson.Value) (Scalar, error) {
	switch v.Type() {
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return StringScalar(string(b)), nil
	case fastjson.TypeNumber:
		f, err := v.Float64()
		if err != nil {
			return Scalar{}, err
		}
		return NumberScalar(f), nil
	case fastjson.TypeTrue:
		return BoolScalar(true), nil
	case fastjson.TypeFalse:
		return BoolScalar(false), nil
	}
	return Scalar{}, fmt.Errorf("expected string, number or bool, got %s", v.Type())
}

// UnmarshalJSON decodes a native JSON string, number or bool.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return err
	}
	decoded, err := scalarFromJSON(v)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}
