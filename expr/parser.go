package expr

import (
	"math"
	"strconv"
)

// DefaultMaxDepth is the parenthesis nesting limit used by Parse.
const DefaultMaxDepth = 64

// Parser turns token sequences into rule trees.
//
// Grammar (AND and OR share one precedence level and associate left):
//
//	expr       := term ( ( 'AND' | 'OR' ) term )*
//	term       := '(' expr ')' | comparison
//	comparison := IDENT comparator literal
//	literal    := NUMBER | STRING | IDENT
//
// so "a = 1 OR b = 2 AND c = 3" groups as "(a = 1 OR b = 2) AND c = 3".
//
// Independently of MaxDepth, no parsed tree is deeper than MaxTreeDepth.
type Parser struct {
	// MaxDepth caps parenthesis nesting. Zero means DefaultMaxDepth.
	MaxDepth int
}

// Parse parses rule text with the default parser.
func Parse(input string) (Node, error) {
	return Parser{}.Parse(input)
}

// ParseTokens parses a token sequence with the default parser.
func ParseTokens(tokens []Token) (Node, int, error) {
	return Parser{}.ParseTokens(tokens)
}

// Parse tokenizes and parses rule text. The whole input must form one rule.
func (p Parser) Parse(input string) (Node, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	n, next, err := p.ParseTokens(tokens)
	if err != nil {
		return nil, err
	}
	st := &parser{tokens: tokens, pos: next}
	switch tok := st.current(); tok.Kind {
	case TokenEOF:
		return n, nil
	case TokenRParen:
		return nil, &ParseError{Kind: ParseUnmatched, Pos: tok.Pos, Found: describe(tok)}
	default:
		return nil, &ParseError{Kind: ParseUnexpected, Pos: tok.Pos, Expected: "AND, OR or end of input", Found: describe(tok)}
	}
}

// ParseTokens parses one expression from the start of tokens. It returns the
// root node and the index of the first token it did not consume, which is
// the EOF token when the whole sequence is a single rule.
func (p Parser) ParseTokens(tokens []Token) (Node, int, error) {
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	st := &parser{tokens: tokens, maxDepth: maxDepth}
	if tok := st.current(); tok.Kind == TokenEOF {
		return nil, 0, &ParseError{Kind: ParseEmpty, Pos: tok.Pos, Expected: "comparison", Found: describe(tok)}
	}
	n, _, err := st.parseExpr()
	if err != nil {
		return nil, 0, err
	}
	return n, st.pos, nil
}

type parser struct {
	tokens   []Token
	pos      int
	depth    int
	maxDepth int
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		end := 0
		if len(p.tokens) > 0 {
			end = p.tokens[len(p.tokens)-1].Pos
		}
		return Token{Kind: TokenEOF, Pos: end}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

// parseExpr returns the folded expression and its tree depth.
func (p *parser) parseExpr() (Node, int, error) {
	left, depth, err := p.parseTerm()
	if err != nil {
		return nil, 0, err
	}
	for {
		var op LogicalOp
		switch p.current().Kind {
		case TokenAnd:
			op = OpAnd
		case TokenOr:
			op = OpOr
		default:
			return left, depth, nil
		}
		opTok := p.advance()
		right, rightDepth, err := p.parseTerm()
		if err != nil {
			return nil, 0, err
		}
		depth = 1 + max(depth, rightDepth)
		if depth > MaxTreeDepth {
			return nil, 0, &ParseError{Kind: ParseTooDeep, Pos: opTok.Pos, Expected: strconv.Itoa(MaxTreeDepth), Found: describe(opTok)}
		}
		left = &Operator{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseTerm() (Node, int, error) {
	tok := p.current()
	switch tok.Kind {
	case TokenLParen:
		p.depth++
		if p.depth > p.maxDepth {
			return nil, 0, &ParseError{Kind: ParseTooDeep, Pos: tok.Pos, Expected: strconv.Itoa(p.maxDepth), Found: describe(tok)}
		}
		p.advance()
		inner, depth, err := p.parseExpr()
		if err != nil {
			return nil, 0, err
		}
		closing := p.current()
		if closing.Kind != TokenRParen {
			if closing.Kind == TokenEOF {
				return nil, 0, &ParseError{Kind: ParseUnclosed, Pos: tok.Pos, Expected: ")", Found: describe(closing)}
			}
			return nil, 0, &ParseError{Kind: ParseUnexpected, Pos: closing.Pos, Expected: "AND, OR or )", Found: describe(closing)}
		}
		p.advance()
		p.depth--
		return inner, depth, nil

	case TokenIdent:
		n, err := p.parseComparison()
		if err != nil {
			return nil, 0, err
		}
		return n, 1, nil

	case TokenRParen:
		return nil, 0, &ParseError{Kind: ParseUnmatched, Pos: tok.Pos, Expected: "comparison or (", Found: describe(tok)}

	default:
		return nil, 0, &ParseError{Kind: ParseUnexpected, Pos: tok.Pos, Expected: "comparison or (", Found: describe(tok)}
	}
}

func (p *parser) parseComparison() (Node, error) {
	attr := p.advance()

	opTok := p.current()
	if !opTok.Kind.IsComparator() {
		return nil, &ParseError{Kind: ParseUnexpected, Pos: opTok.Pos, Expected: "comparator", Found: describe(opTok)}
	}
	p.advance()

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Attribute: attr.Value, Op: comparatorFor(opTok.Kind), Literal: lit}, nil
}

func (p *parser) parseLiteral() (Scalar, error) {
	tok := p.current()
	switch tok.Kind {
	case TokenNumber:
		p.advance()
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil || math.IsInf(val, 0) {
			return Scalar{}, &ParseError{Kind: ParseInvalidNumber, Pos: tok.Pos, Expected: "finite number", Found: describe(tok)}
		}
		return NumberScalar(val), nil

	case TokenString:
		p.advance()
		return StringScalar(tok.Value), nil

	case TokenIdent:
		p.advance()
		switch tok.Value {
		case "true":
			return BoolScalar(true), nil
		case "false":
			return BoolScalar(false), nil
		}
		return StringScalar(tok.Value), nil

	default:
		return Scalar{}, &ParseError{Kind: ParseUnexpected, Pos: tok.Pos, Expected: "literal", Found: describe(tok)}
	}
}

// comparatorFor maps comparator tokens to AST comparators. A single '=' is
// read as equality.
func comparatorFor(kind TokenKind) Comparator {
	switch kind {
	case TokenNeq:
		return CmpNeq
	case TokenLt:
		return CmpLt
	case TokenLte:
		return CmpLte
	case TokenGt:
		return CmpGt
	case TokenGte:
		return CmpGte
	default:
		return CmpEq
	}
}

func describe(tok Token) string {
	switch tok.Kind {
	case TokenEOF:
		return "end of input"
	case TokenIdent, TokenNumber:
		return strconv.Quote(tok.Value)
	case TokenString:
		return "string " + strconv.Quote(tok.Value)
	}
	return strconv.Quote(tok.Kind.String())
}
