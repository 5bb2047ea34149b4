package expr

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// mustParse parses rule text or fails the test.
func mustParse(t *testing.T, input string) Node {
	t.Helper()
	n, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q) unexpected error: %v", input, err)
	}
	return n
}

// evalRule is a parse-then-eval integration helper.
func evalRule(t *testing.T, input string, rec Record) bool {
	t.Helper()
	result, err := Eval(mustParse(t, input), rec)
	if err != nil {
		t.Fatalf("Eval(%q) unexpected error: %v", input, err)
	}
	return result
}

// cmp builds a comparison leaf for hand-constructed trees.
func cmp(attr string, op Comparator, lit Scalar) Node {
	return &Comparison{Attribute: attr, Op: op, Literal: lit}
}

// orChain joins n comparisons with OR and no parentheses.
func orChain(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "a = " + strconv.Itoa(i)
	}
	return strings.Join(parts, " OR ")
}

func kinds(tokens []Token) []TokenKind {
	out := make([]TokenKind, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Kind
	}
	return out
}

func assertParseErrorKind(t *testing.T, err error, want ParseErrorKind) *ParseError {
	t.Helper()
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T (%v)", err, err)
	}
	if pe.Kind != want {
		t.Fatalf("ParseError kind = %s, want %s (%v)", pe.Kind, want, pe)
	}
	return pe
}

// ---------------------------------------------------------------------------
// 1. Lexer tests
// ---------------------------------------------------------------------------

func TestLex_Comparators(t *testing.T) {
	tests := []struct {
		input string
		kinds []TokenKind
	}{
		{"=", []TokenKind{TokenAssign, TokenEOF}},
		{"==", []TokenKind{TokenEq, TokenEOF}},
		{"!=", []TokenKind{TokenNeq, TokenEOF}},
		{">", []TokenKind{TokenGt, TokenEOF}},
		{">=", []TokenKind{TokenGte, TokenEOF}},
		{"<", []TokenKind{TokenLt, TokenEOF}},
		{"<=", []TokenKind{TokenLte, TokenEOF}},
		{"( )", []TokenKind{TokenLParen, TokenRParen, TokenEOF}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tokens, err := Lex(tt.input)
			if err != nil {
				t.Fatalf("Lex(%q) error: %v", tt.input, err)
			}
			got := kinds(tokens)
			if len(got) != len(tt.kinds) {
				t.Fatalf("Lex(%q) got %v, want %v", tt.input, got, tt.kinds)
			}
			for i, want := range tt.kinds {
				if got[i] != want {
					t.Errorf("token[%d] got %s, want %s", i, got[i], want)
				}
			}
		})
	}
}

func TestLex_MultiCharComparatorsAreAtomic(t *testing.T) {
	tokens, err := Lex("age>=30")
	if err != nil {
		t.Fatalf("Lex error: %v", err)
	}
	want := []TokenKind{TokenIdent, TokenGte, TokenNumber, TokenEOF}
	got := kinds(tokens)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token[%d] got %s, want %s", i, got[i], want[i])
		}
	}
	if tokens[1].Value != ">=" || tokens[1].Pos != 3 {
		t.Fatalf("comparator token = %+v", tokens[1])
	}
}

func TestLex_KeywordsAreWholeWordsAndCaseSensitive(t *testing.T) {
	tests := []struct {
		input string
		kind  TokenKind
	}{
		{"AND", TokenAnd},
		{"OR", TokenOr},
		{"and", TokenIdent},
		{"Or", TokenIdent},
		{"BRAND", TokenIdent},
		{"ORDER", TokenIdent},
		{"AND_x", TokenIdent},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tokens, err := Lex(tt.input)
			if err != nil {
				t.Fatalf("Lex(%q) error: %v", tt.input, err)
			}
			if len(tokens) != 2 {
				t.Fatalf("Lex(%q) got %d tokens, want 2", tt.input, len(tokens))
			}
			if tokens[0].Kind != tt.kind {
				t.Errorf("got kind %s, want %s", tokens[0].Kind, tt.kind)
			}
			if tokens[0].Value != tt.input {
				t.Errorf("got value %q, want %q", tokens[0].Value, tt.input)
			}
		})
	}
}

func TestLex_Strings(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"Sales"`, "Sales"},
		{`'Sales'`, "Sales"},
		{`"it's"`, "it's"},
		{`'say "hi"'`, `say "hi"`},
		{`"a\"b"`, `a"b`},
		{`'a\'b'`, `a'b`},
		{`"line\nbreak"`, "line\nbreak"},
		{`"back\\slash"`, `back\slash`},
		{`"  spaced  "`, "  spaced  "},
		{`""`, ""},
		{`"café"`, "café"},
		{`"\é"`, `\é`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tokens, err := Lex(tt.input)
			if err != nil {
				t.Fatalf("Lex(%q) error: %v", tt.input, err)
			}
			if tokens[0].Kind != TokenString {
				t.Fatalf("got kind %s, want string", tokens[0].Kind)
			}
			if tokens[0].Value != tt.want {
				t.Fatalf("got %q, want %q", tokens[0].Value, tt.want)
			}
		})
	}
}

func TestLex_Numbers(t *testing.T) {
	tests := []string{"30", "50000", "3.14", "-5", "+7", ".5", "1e3", "2.5E-2"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			tokens, err := Lex(input)
			if err != nil {
				t.Fatalf("Lex(%q) error: %v", input, err)
			}
			if tokens[0].Kind != TokenNumber || tokens[0].Value != input {
				t.Fatalf("got %+v, want number %q", tokens[0], input)
			}
		})
	}
}

func TestLex_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		pos   int
	}{
		{"unterminated double quote", `name = "Sales`, 7},
		{"unterminated single quote", `name = 'Sales`, 7},
		{"bang alone", `a ! 1`, 2},
		{"unknown character", `age > 30 & b = 1`, 9},
		{"number into word", `age > 30abc`, 6},
		{"dangling minus", `a = -`, 4},
		{"double dot", `a = 1.2.3`, 4},
		{"invalid utf-8 in string", "x = \"a\xffb\"", 6},
		{"invalid utf-8 after escape", "x = '\\\xff'", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lex(tt.input)
			var le *LexError
			if !errors.As(err, &le) {
				t.Fatalf("Lex(%q) expected *LexError, got %v", tt.input, err)
			}
			if le.Pos != tt.pos {
				t.Fatalf("Lex(%q) error position = %d, want %d", tt.input, le.Pos, tt.pos)
			}
		})
	}
}

func TestLex_WhitespaceInsignificant(t *testing.T) {
	a, err := Lex("age>30 AND salary>=50000")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Lex("  age \t>  30\nAND\r\n salary >=\t50000  ")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("token counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Value != b[i].Value {
			t.Fatalf("token[%d] differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

// ---------------------------------------------------------------------------
// 2. Parser tests
// ---------------------------------------------------------------------------

func TestParse_Comparison(t *testing.T) {
	tests := []struct {
		input string
		want  Node
	}{
		{"age > 30", cmp("age", CmpGt, NumberScalar(30))},
		{"age>=30", cmp("age", CmpGte, NumberScalar(30))},
		{"salary <= 50000.5", cmp("salary", CmpLte, NumberScalar(50000.5))},
		{"temp < -5", cmp("temp", CmpLt, NumberScalar(-5))},
		{"department = 'Sales'", cmp("department", CmpEq, StringScalar("Sales"))},
		{`department == "Sales"`, cmp("department", CmpEq, StringScalar("Sales"))},
		{"department != Marketing", cmp("department", CmpNeq, StringScalar("Marketing"))},
		{"active = true", cmp("active", CmpEq, BoolScalar(true))},
		{"active != false", cmp("active", CmpNeq, BoolScalar(false))},
		{"code = '30'", cmp("code", CmpEq, StringScalar("30"))},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := mustParse(t, tt.input)
			if !Equal(got, tt.want) {
				t.Fatalf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_AssignAliasesEquality(t *testing.T) {
	if !Equal(mustParse(t, "a = 1"), mustParse(t, "a == 1")) {
		t.Fatal("'=' should parse the same as '=='")
	}
}

func TestParse_LeftAssociativeEqualPrecedence(t *testing.T) {
	got := mustParse(t, "a=1 OR b=2 AND c=3")
	grouped := mustParse(t, "(a=1 OR b=2) AND c=3")
	if !Equal(got, grouped) {
		t.Fatalf("got %s, want %s", got, grouped)
	}

	rightFirst := mustParse(t, "a=1 OR (b=2 AND c=3)")
	if Equal(got, rightFirst) {
		t.Fatal("AND must not bind tighter than OR")
	}

	root, ok := got.(*Operator)
	if !ok || root.Op != OpAnd {
		t.Fatalf("root = %s, want AND operator", got)
	}
	left, ok := root.Left.(*Operator)
	if !ok || left.Op != OpOr {
		t.Fatalf("left = %s, want OR operator", root.Left)
	}
}

func TestParse_LongChainFoldsLeft(t *testing.T) {
	n := mustParse(t, "a=1 AND b=2 AND c=3 AND d=4")
	depth := 0
	for {
		op, ok := n.(*Operator)
		if !ok {
			break
		}
		if _, isLeaf := op.Right.(*Comparison); !isLeaf {
			t.Fatalf("right operand should be a leaf, got %s", op.Right)
		}
		n = op.Left
		depth++
	}
	if depth != 3 {
		t.Fatalf("left spine depth = %d, want 3", depth)
	}
}

func TestParse_Parentheses(t *testing.T) {
	n := mustParse(t, "((age > 30 AND department = 'Sales') OR (age < 25 AND department = 'Marketing')) AND (salary > 50000 OR experience > 5)")
	root, ok := n.(*Operator)
	if !ok || root.Op != OpAnd {
		t.Fatalf("root = %s, want AND", n)
	}
	if r, ok := root.Right.(*Operator); !ok || r.Op != OpOr {
		t.Fatalf("right = %s, want OR", root.Right)
	}
	if got := Attributes(n); strings.Join(got, ",") != "age,department,experience,salary" {
		t.Fatalf("Attributes = %v", got)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  ParseErrorKind
	}{
		{"empty", "", ParseEmpty},
		{"whitespace only", "   ", ParseEmpty},
		{"unclosed paren", "(age > 30", ParseUnclosed},
		{"unmatched paren", "age > 30)", ParseUnmatched},
		{"empty parens", "()", ParseUnmatched},
		{"missing operator", "age 30", ParseUnexpected},
		{"missing literal", "age >", ParseUnexpected},
		{"missing attribute", "> 30", ParseUnexpected},
		{"consecutive logical operators", "a = 1 AND OR b = 2", ParseUnexpected},
		{"trailing logical operator", "a = 1 AND", ParseUnexpected},
		{"leading logical operator", "AND a = 1", ParseUnexpected},
		{"two comparators", "a > > 1", ParseUnexpected},
		{"missing connective", "a = 1 b = 2", ParseUnexpected},
		{"number as attribute", "30 < age", ParseUnexpected},
		{"number out of range", "a > 1e999", ParseInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assertParseErrorKind(t, err, tt.kind)
		})
	}
}

func TestParse_ErrorCarriesPositionAndFound(t *testing.T) {
	_, err := Parse("age > 30 AND AND x = 1")
	pe := assertParseErrorKind(t, err, ParseUnexpected)
	if pe.Pos != 13 {
		t.Fatalf("Pos = %d, want 13", pe.Pos)
	}
	if pe.Expected == "" || !strings.Contains(pe.Found, "AND") {
		t.Fatalf("Expected/Found not populated: %+v", pe)
	}
}

func TestParse_LexErrorPropagates(t *testing.T) {
	_, err := Parse(`name = "open`)
	var le *LexError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LexError, got %T (%v)", err, err)
	}
}

func TestParse_DepthGuard(t *testing.T) {
	nested := func(depth int) string {
		return strings.Repeat("(", depth) + "a = 1" + strings.Repeat(")", depth)
	}

	if _, err := Parse(nested(DefaultMaxDepth)); err != nil {
		t.Fatalf("nesting at the limit should parse: %v", err)
	}

	_, err := Parse(nested(DefaultMaxDepth + 1))
	assertParseErrorKind(t, err, ParseTooDeep)

	// Far beyond the limit still fails cleanly rather than recursing.
	_, err = Parse(nested(100000))
	assertParseErrorKind(t, err, ParseTooDeep)
}

func TestParse_TreeDepthGuard(t *testing.T) {
	if n := mustParse(t, orChain(MaxTreeDepth)); Depth(n) != MaxTreeDepth {
		t.Fatalf("Depth() = %d, want %d", Depth(n), MaxTreeDepth)
	}

	_, err := Parse(orChain(MaxTreeDepth + 1))
	assertParseErrorKind(t, err, ParseTooDeep)

	// A parenthesized right operand counts toward the same limit.
	_, err = Parse("b = 1 AND (" + orChain(MaxTreeDepth) + ")")
	assertParseErrorKind(t, err, ParseTooDeep)
}

func TestParser_CustomMaxDepth(t *testing.T) {
	p := Parser{MaxDepth: 2}
	if _, err := p.Parse("((a = 1))"); err != nil {
		t.Fatalf("depth 2 should parse: %v", err)
	}
	_, err := p.Parse("(((a = 1)))")
	assertParseErrorKind(t, err, ParseTooDeep)
}

func TestParseTokens_ReturnsFirstUnconsumedIndex(t *testing.T) {
	tokens, err := Lex("a = 1 AND b = 2 ) c")
	if err != nil {
		t.Fatal(err)
	}
	n, next, err := ParseTokens(tokens)
	if err != nil {
		t.Fatalf("ParseTokens error: %v", err)
	}
	if next != 7 || tokens[next].Kind != TokenRParen {
		t.Fatalf("next = %d (%s), want 7 ())", next, tokens[next].Kind)
	}
	if !Equal(n, mustParse(t, "a = 1 AND b = 2")) {
		t.Fatalf("got %s", n)
	}

	tokens, _ = Lex("a = 1")
	_, next, err = ParseTokens(tokens)
	if err != nil {
		t.Fatal(err)
	}
	if tokens[next].Kind != TokenEOF {
		t.Fatalf("full parse should stop at EOF, got %s", tokens[next].Kind)
	}
}

func TestNode_StringRoundTrips(t *testing.T) {
	inputs := []string{
		"age > 30",
		"a=1 OR b=2 AND c=3",
		"a=1 OR (b=2 AND c=3)",
		"(a = 1 AND (b = 2 OR (c = 3 AND d = 4))) OR e = 5",
		`name = "quote\"d" AND dept = 'it\'s'`,
		"active = true AND score >= -2.5 AND big < 1e21",
		"label = Sales OR label = 'true'",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			n := mustParse(t, input)
			again := mustParse(t, n.String())
			if !Equal(n, again) {
				t.Fatalf("String() = %q re-parses to %s, want %s", n.String(), again, n)
			}
		})
	}
}

func TestNewComparison_Validates(t *testing.T) {
	if _, err := NewComparison("age", CmpGt, NumberScalar(1)); err != nil {
		t.Fatalf("valid comparison rejected: %v", err)
	}
	if _, err := NewComparison("a.b", CmpGt, NumberScalar(1)); err == nil {
		t.Fatal("dotted attribute should be rejected")
	}
	if _, err := NewComparison("AND", CmpGt, NumberScalar(1)); err == nil {
		t.Fatal("keyword attribute should be rejected")
	}
	if _, err := NewComparison("age", Comparator("=~"), NumberScalar(1)); err == nil {
		t.Fatal("unknown comparator should be rejected")
	}
	if _, err := NewOperator(OpAnd, nil, cmp("a", CmpEq, NumberScalar(1))); err == nil {
		t.Fatal("operator with nil child should be rejected")
	}
}

// ---------------------------------------------------------------------------
// 3. Evaluator tests
// ---------------------------------------------------------------------------

func TestEval_EndToEnd(t *testing.T) {
	rule := "age > 30 AND salary >= 50000"
	if !evalRule(t, rule, Record{"age": 35, "salary": 60000}) {
		t.Fatal("expected true for age 35, salary 60000")
	}
	if evalRule(t, rule, Record{"age": 25, "salary": 60000}) {
		t.Fatal("expected false for age 25, salary 60000")
	}
}

func TestEval_Comparators(t *testing.T) {
	tests := []struct {
		rule string
		rec  Record
		want bool
	}{
		{"x == 5", Record{"x": 5}, true},
		{"x = 5", Record{"x": 5.0}, true},
		{"x != 5", Record{"x": 5}, false},
		{"x < 5", Record{"x": 4}, true},
		{"x <= 5", Record{"x": 5}, true},
		{"x > 5", Record{"x": 5}, false},
		{"x >= 5", Record{"x": int64(5)}, true},
		{"name = 'Sales'", Record{"name": "Sales"}, true},
		{"name = Sales", Record{"name": "sales"}, false},
		{"name < 'b'", Record{"name": "a"}, true},
		{"name >= 'b'", Record{"name": "a"}, false},
		{"active = true", Record{"active": true}, true},
		{"active != true", Record{"active": false}, true},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			if got := evalRule(t, tt.rule, tt.rec); got != tt.want {
				t.Fatalf("Eval(%q, %v) = %v, want %v", tt.rule, tt.rec, got, tt.want)
			}
		})
	}
}

func TestEval_NumericCoercion(t *testing.T) {
	tests := []struct {
		rule string
		rec  Record
		want bool
	}{
		{"age > 30", Record{"age": "35"}, true},
		{"age > 30", Record{"age": " 29 "}, false},
		{"age = '30'", Record{"age": 30}, true},
		{"age = '30'", Record{"age": "30.0"}, true},
		{"salary >= 50000", Record{"salary": "5e4"}, true},
		// "100" < "9" lexically; numeric coercion must win.
		{"code < '9'", Record{"code": "100"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			if got := evalRule(t, tt.rule, tt.rec); got != tt.want {
				t.Fatalf("Eval(%q, %v) = %v, want %v", tt.rule, tt.rec, got, tt.want)
			}
		})
	}
}

func TestEval_CoercionFallback(t *testing.T) {
	// Not numeric on the record side: compare original values.
	if evalRule(t, "age = 30", Record{"age": "thirty"}) {
		t.Fatal("string 'thirty' must not equal number 30")
	}
	if !evalRule(t, "age != 30", Record{"age": "thirty"}) {
		t.Fatal("string 'thirty' must differ from number 30")
	}
	if !evalRule(t, "city > 'Austin'", Record{"city": "Boston"}) {
		t.Fatal("lexical comparison expected for non-numeric strings")
	}
}

func TestEval_FallbackOrdersNumberByText(t *testing.T) {
	tests := []struct {
		rule string
		rec  Record
		want bool
	}{
		{"age > 30", Record{"age": "thirty"}, true},
		{"age < 30", Record{"age": "thirty"}, false},
		{"age > 30", Record{"age": "unknown"}, true},
		{"age <= 30", Record{"age": "1x"}, true},
		{"code >= 'abc'", Record{"code": 30}, false},
		{"code < 'abc'", Record{"code": 30}, true},
	}
	for _, tt := range tests {
		got, err := Eval(mustParse(t, tt.rule), tt.rec)
		if err != nil {
			t.Fatalf("Eval(%q, %v) error = %v, want silent fallback", tt.rule, tt.rec, err)
		}
		if got != tt.want {
			t.Errorf("Eval(%q, %v) = %v, want %v", tt.rule, tt.rec, got, tt.want)
		}
	}
}

func TestEval_IncomparableKinds(t *testing.T) {
	_, err := Eval(mustParse(t, "flag < 'x'"), Record{"flag": true})
	var ie *IncomparableError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IncomparableError, got %T (%v)", err, err)
	}
	if ie.Attribute != "flag" || ie.Left != KindBool || ie.Right != KindString {
		t.Fatalf("unexpected error fields: %+v", ie)
	}

	_, err = Eval(mustParse(t, "age >= true"), Record{"age": 3})
	if !errors.As(err, &ie) {
		t.Fatalf("bool literal ordering: expected *IncomparableError, got %v", err)
	}
}

func TestEval_MissingAttribute(t *testing.T) {
	_, err := Eval(cmp("x", CmpGt, NumberScalar(5)), Record{})
	var me *MissingAttributeError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MissingAttributeError, got %T (%v)", err, err)
	}
	if me.Attribute != "x" {
		t.Fatalf("Attribute = %q, want %q", me.Attribute, "x")
	}

	_, err = Eval(cmp("x", CmpGt, NumberScalar(5)), Record{"x": nil})
	if !errors.As(err, &me) {
		t.Fatalf("nil value should count as missing, got %v", err)
	}
}

func TestEval_UnsupportedValue(t *testing.T) {
	_, err := Eval(mustParse(t, "tags = 'a'"), Record{"tags": []any{"a"}})
	var ue *UnsupportedValueError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnsupportedValueError, got %T (%v)", err, err)
	}
}

func TestEval_ShortCircuit(t *testing.T) {
	falseLeaf := cmp("age", CmpGt, NumberScalar(100))
	trueLeaf := cmp("age", CmpGt, NumberScalar(1))
	missing := cmp("absent", CmpEq, NumberScalar(1))
	rec := Record{"age": 35}

	got, err := Eval(&Operator{Op: OpAnd, Left: falseLeaf, Right: missing}, rec)
	if err != nil {
		t.Fatalf("AND short-circuit raised %v", err)
	}
	if got {
		t.Fatal("false AND x should be false")
	}

	got, err = Eval(&Operator{Op: OpOr, Left: trueLeaf, Right: missing}, rec)
	if err != nil {
		t.Fatalf("OR short-circuit raised %v", err)
	}
	if !got {
		t.Fatal("true OR x should be true")
	}

	// The right branch is evaluated when the left does not decide.
	_, err = Eval(&Operator{Op: OpAnd, Left: trueLeaf, Right: missing}, rec)
	var me *MissingAttributeError
	if !errors.As(err, &me) {
		t.Fatalf("true AND missing should fail with MissingAttributeError, got %v", err)
	}
}

func TestEval_OriginalScenario(t *testing.T) {
	rule := "((age > 30 AND department = 'Sales') OR (age < 25 AND department = 'Marketing')) AND (salary > 50000 OR experience > 5)"
	tests := []struct {
		rec  Record
		want bool
	}{
		{Record{"age": 35, "department": "Sales", "salary": 60000, "experience": 3}, true},
		{Record{"age": 22, "department": "Marketing", "salary": 20000, "experience": 6}, true},
		{Record{"age": 28, "department": "Sales", "salary": 90000, "experience": 10}, false},
		{Record{"age": 35, "department": "Sales", "salary": 1000, "experience": 1}, false},
	}
	n := mustParse(t, rule)
	for i, tt := range tests {
		got, err := Eval(n, tt.rec)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got != tt.want {
			t.Fatalf("case %d: got %v, want %v", i, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// 4. Combinator tests
// ---------------------------------------------------------------------------

func TestCombine_AND(t *testing.T) {
	combined, err := Combine([]Node{mustParse(t, "age>30"), mustParse(t, "salary>50000")}, OpAnd)
	if err != nil {
		t.Fatalf("Combine error: %v", err)
	}
	got, err := Eval(combined, Record{"age": 35, "salary": 60000})
	if err != nil || !got {
		t.Fatalf("Eval = %v, %v; want true", got, err)
	}
	got, err = Eval(combined, Record{"age": 35, "salary": 10000})
	if err != nil || got {
		t.Fatalf("Eval = %v, %v; want false", got, err)
	}
}

func TestCombine_OR(t *testing.T) {
	combined, err := Combine([]Node{mustParse(t, "age>30"), mustParse(t, "salary>50000")}, OpOr)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Eval(combined, Record{"age": 20, "salary": 60000})
	if err != nil || !got {
		t.Fatalf("Eval = %v, %v; want true", got, err)
	}
}

func TestCombine_Identity(t *testing.T) {
	n := mustParse(t, "age > 30 OR dept = 'x'")
	combined, err := Combine([]Node{n}, OpAnd)
	if err != nil {
		t.Fatal(err)
	}
	if combined != n {
		t.Fatal("single-element combine should return the same tree")
	}
}

func TestCombine_LeftFoldSharesInputs(t *testing.T) {
	a, b, c := mustParse(t, "a=1"), mustParse(t, "b=2"), mustParse(t, "c=3")
	combined, err := Combine([]Node{a, b, c}, OpOr)
	if err != nil {
		t.Fatal(err)
	}
	root := combined.(*Operator)
	inner := root.Left.(*Operator)
	if root.Right != c || inner.Left != a || inner.Right != b {
		t.Fatal("combine should wrap the input trees without copying them")
	}
	if !Equal(combined, mustParse(t, "a=1 OR b=2 OR c=3")) {
		t.Fatalf("combined = %s", combined)
	}
}

func TestCombine_Errors(t *testing.T) {
	if _, err := Combine(nil, OpAnd); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty combine: got %v, want ErrEmptyInput", err)
	}
	if _, err := Combine([]Node{}, OpOr); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty combine: got %v, want ErrEmptyInput", err)
	}
	if _, err := Combine([]Node{mustParse(t, "a=1")}, LogicalOp("XOR")); err == nil {
		t.Fatal("invalid operator should fail")
	}
	if _, err := Combine([]Node{mustParse(t, "a=1"), nil}, OpAnd); err == nil {
		t.Fatal("nil rule should fail")
	}
}

func TestCombine_TooDeep(t *testing.T) {
	long := mustParse(t, orChain(MaxTreeDepth))
	_, err := Combine([]Node{long, cmp("b", CmpEq, NumberScalar(1))}, OpAnd)
	if !errors.Is(err, ErrTooDeep) {
		t.Fatalf("Combine() error = %v, want ErrTooDeep", err)
	}

	// A single deep rule is returned as-is.
	if got, err := Combine([]Node{long}, OpAnd); err != nil || got != long {
		t.Fatalf("Combine(single) = %v, %v", got, err)
	}
}

func TestCombine_EquivalentToIndependentEvaluation(t *testing.T) {
	rules := []Node{mustParse(t, "age > 30"), mustParse(t, "salary > 50000"), mustParse(t, "dept = 'Sales'")}
	records := []Record{
		{"age": 35, "salary": 60000, "dept": "Sales"},
		{"age": 35, "salary": 60000, "dept": "HR"},
		{"age": 20, "salary": 10000, "dept": "HR"},
		{"age": 20, "salary": 90000, "dept": "Sales"},
	}
	for _, op := range []LogicalOp{OpAnd, OpOr} {
		combined, err := Combine(rules, op)
		if err != nil {
			t.Fatal(err)
		}
		for i, rec := range records {
			want := op == OpAnd
			for _, r := range rules {
				v, err := Eval(r, rec)
				if err != nil {
					t.Fatal(err)
				}
				if op == OpAnd {
					want = want && v
				} else {
					want = want || v
				}
			}
			got, err := Eval(combined, rec)
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Fatalf("%s record %d: got %v, want %v", op, i, got, want)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// 5. Serializer tests
// ---------------------------------------------------------------------------

func TestSerialize_Shape(t *testing.T) {
	data, err := Marshal(mustParse(t, "age > 30 AND dept = 'Sales'"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"variant":"operator","op":"AND","attribute":null,"literal":null,` +
		`"left":{"variant":"comparison","op":">","attribute":"age","literal":30,"left":null,"right":null},` +
		`"right":{"variant":"comparison","op":"==","attribute":"dept","literal":"Sales","left":null,"right":null}}`
	if string(data) != want {
		t.Fatalf("Marshal =\n%s\nwant\n%s", data, want)
	}
}

func TestSerialize_Deterministic(t *testing.T) {
	rule := "(a = 1 OR b = 'two') AND c != true AND d <= 4.5"
	first, err := Marshal(mustParse(t, rule))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Marshal(mustParse(t, rule))
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(first) {
			t.Fatalf("Marshal output changed:\n%s\n%s", first, again)
		}
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	rules := []string{
		"age > 30",
		"age > 30 AND salary >= 50000",
		"a=1 OR b=2 AND c=3",
		"code = '30' OR code = 30 OR flag = true",
		"((age > 30 AND department = 'Sales') OR (age < 25 AND department = 'Marketing')) AND (salary > 50000 OR experience > 5)",
	}
	records := []Record{
		{"age": 35, "salary": 60000, "a": 1, "b": 2, "c": 3, "code": "30", "flag": false, "department": "Sales", "experience": 1},
		{"age": 20, "salary": 10, "a": 0, "b": 0, "c": 0, "code": 31, "flag": true, "department": "Marketing", "experience": 9},
	}

	for _, rule := range rules {
		t.Run(rule, func(t *testing.T) {
			orig := mustParse(t, rule)

			// Struct round trip.
			viaStruct, err := Deserialize(Serialize(orig))
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if !Equal(orig, viaStruct) {
				t.Fatalf("struct round trip changed the tree: %s vs %s", orig, viaStruct)
			}

			// Byte round trip.
			data, err := Marshal(orig)
			if err != nil {
				t.Fatal(err)
			}
			viaBytes, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !Equal(orig, viaBytes) {
				t.Fatalf("byte round trip changed the tree: %s vs %s", orig, viaBytes)
			}

			for i, rec := range records {
				want, wantErr := Eval(orig, rec)
				got, gotErr := Eval(viaBytes, rec)
				if (wantErr == nil) != (gotErr == nil) || want != got {
					t.Fatalf("record %d: got (%v, %v), want (%v, %v)", i, got, gotErr, want, wantErr)
				}
			}
		})
	}
}

func TestSerialize_DeepTreesRoundTrip(t *testing.T) {
	assertRoundTrip := func(t *testing.T, orig Node) {
		t.Helper()
		data, err := Marshal(orig)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal of a depth %d tree: %v", Depth(orig), err)
		}
		if !Equal(orig, got) {
			t.Fatal("round trip changed the tree")
		}
	}

	t.Run("unparenthesized chain", func(t *testing.T) {
		assertRoundTrip(t, mustParse(t, orChain(MaxTreeDepth)))
	})

	t.Run("combined rules", func(t *testing.T) {
		nodes := make([]Node, MaxTreeDepth)
		for i := range nodes {
			nodes[i] = cmp("a", CmpEq, NumberScalar(float64(i)))
		}
		combined, err := Combine(nodes, OpOr)
		if err != nil {
			t.Fatal(err)
		}
		assertRoundTrip(t, combined)
	})

	t.Run("non-ASCII literal", func(t *testing.T) {
		assertRoundTrip(t, mustParse(t, `city = "Zürich" OR name = '日本'`))
	})
}

func TestDeserialize_TooDeep(t *testing.T) {
	sn := Serialize(cmp("a", CmpEq, NumberScalar(1)))
	for i := 0; i < MaxTreeDepth; i++ {
		sn = &SerializedNode{Variant: VariantOperator, Op: string(OpAnd), Left: sn, Right: Serialize(cmp("b", CmpEq, NumberScalar(2)))}
	}
	_, err := Deserialize(sn)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestSerialize_LiteralKindSurvives(t *testing.T) {
	n, err := Unmarshal([]byte(`{"variant":"comparison","op":"==","attribute":"code","literal":"30","left":null,"right":null}`))
	if err != nil {
		t.Fatal(err)
	}
	c := n.(*Comparison)
	if c.Literal.Kind() != KindString || c.Literal.Str() != "30" {
		t.Fatalf("literal = %#v, want string \"30\"", c.Literal)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		path string
	}{
		{"not json", `{`, "$"},
		{"null root", `null`, "$"},
		{"array root", `[]`, "$"},
		{"unknown variant", `{"variant":"leaf","op":"=="}`, "$"},
		{"bad logical op", `{"variant":"operator","op":"XOR","left":null,"right":null}`, "$"},
		{"missing child", `{"variant":"operator","op":"AND","left":{"variant":"comparison","op":">","attribute":"a","literal":1},"right":null}`, "$.right"},
		{"bad comparator", `{"variant":"comparison","op":"=~","attribute":"a","literal":1}`, "$"},
		{"leaf with child", `{"variant":"comparison","op":"==","attribute":"a","literal":1,"left":{"variant":"comparison","op":"==","attribute":"b","literal":1}}`, "$"},
		{"missing literal", `{"variant":"comparison","op":"==","attribute":"a"}`, "$"},
		{"object literal", `{"variant":"comparison","op":"==","attribute":"a","literal":{}}`, "$.literal"},
		{"dotted attribute", `{"variant":"comparison","op":"==","attribute":"a.b","literal":1}`, "$"},
		{"missing op", `{"variant":"comparison","attribute":"a","literal":1}`, "$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T (%v)", err, err)
			}
			if de.Path != tt.path {
				t.Fatalf("Path = %q, want %q (%v)", de.Path, tt.path, de)
			}
		})
	}
}

func TestScalar_JSON(t *testing.T) {
	var s Scalar
	if err := s.UnmarshalJSON([]byte(`12.5`)); err != nil {
		t.Fatal(err)
	}
	if s.Kind() != KindNumber || s.Num() != 12.5 {
		t.Fatalf("got %#v", s)
	}
	data, err := BoolScalar(true).MarshalJSON()
	if err != nil || string(data) != "true" {
		t.Fatalf("MarshalJSON = %s, %v", data, err)
	}
}
