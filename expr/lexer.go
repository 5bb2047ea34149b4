package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind identifies the type of a lexer token.
type TokenKind int

const (
	// Literals and identifiers
	TokenIdent  TokenKind = iota // identifier or bare word
	TokenNumber                  // numeric literal
	TokenString                  // quoted string literal

	// Logical keywords
	TokenAnd // AND
	TokenOr  // OR

	// Comparators
	TokenAssign // = (alias of ==)
	TokenEq     // ==
	TokenNeq    // !=
	TokenLt     // <
	TokenLte    // <=
	TokenGt     // >
	TokenGte    // >=

	// Delimiters
	TokenLParen // (
	TokenRParen // )

	TokenEOF
)

var tokenNames = map[TokenKind]string{
	TokenIdent:  "identifier",
	TokenNumber: "number",
	TokenString: "string",
	TokenAnd:    "AND",
	TokenOr:     "OR",
	TokenAssign: "=",
	TokenEq:     "==",
	TokenNeq:    "!=",
	TokenLt:     "<",
	TokenLte:    "<=",
	TokenGt:     ">",
	TokenGte:    ">=",
	TokenLParen: "(",
	TokenRParen: ")",
	TokenEOF:    "end of input",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// IsComparator reports whether the token kind is one of the comparison operators.
func (k TokenKind) IsComparator() bool {
	switch k {
	case TokenAssign, TokenEq, TokenNeq, TokenLt, TokenLte, TokenGt, TokenGte:
		return true
	}
	return false
}

// Token is a lexed token with position information.
type Token struct {
	Kind  TokenKind
	Value string // unescaped text for strings, raw text otherwise
	Pos   int    // byte offset in source
}

// keywords are matched against whole words only, case-sensitively.
var keywords = map[string]TokenKind{
	"AND": TokenAnd,
	"OR":  TokenOr,
}

// Lexer tokenizes rule text.
type Lexer struct {
	src    string
	pos    int
	tokens []Token
}

// Lex tokenizes the input string and returns all tokens, terminated by
// a TokenEOF token.
func Lex(src string) ([]Token, error) {
	l := &Lexer{src: src}
	if err := l.lexAll(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *Lexer) lexAll() error {
	for {
		l.skipWhitespace()
		if l.pos >= len(l.src) {
			l.tokens = append(l.tokens, Token{Kind: TokenEOF, Pos: l.pos})
			return nil
		}

		ch, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		if l.tryEmitDoubleCharToken(ch) || l.tryEmitSingleCharToken(ch) {
			continue
		}

		switch {
		case ch == '"' || ch == '\'':
			if err := l.lexString(byte(ch)); err != nil {
				return err
			}
		case isDigit(ch) || ((ch == '-' || ch == '+' || ch == '.') && l.startsNumber()):
			if err := l.lexNumber(); err != nil {
				return err
			}
		case isIdentStart(ch):
			l.lexIdent()
		case ch == utf8.RuneError:
			return &LexError{Pos: l.pos, Msg: "invalid UTF-8 encoding"}
		default:
			return &LexError{Pos: l.pos, Msg: fmt.Sprintf("unexpected character %q", string(ch))}
		}
	}
}

func (l *Lexer) tryEmitDoubleCharToken(ch rune) bool {
	switch {
	case ch == '=' && l.peekNext() == '=':
		l.emit2(TokenEq)
	case ch == '!' && l.peekNext() == '=':
		l.emit2(TokenNeq)
	case ch == '>' && l.peekNext() == '=':
		l.emit2(TokenGte)
	case ch == '<' && l.peekNext() == '=':
		l.emit2(TokenLte)
	default:
		return false
	}
	return true
}

func (l *Lexer) tryEmitSingleCharToken(ch rune) bool {
	switch ch {
	case '=':
		l.emit1(TokenAssign)
	case '>':
		l.emit1(TokenGt)
	case '<':
		l.emit1(TokenLt)
	case '(':
		l.emit1(TokenLParen)
	case ')':
		l.emit1(TokenRParen)
	default:
		return false
	}
	return true
}

func (l *Lexer) peekNext() byte {
	next := l.pos + 1
	if next >= len(l.src) {
		return 0
	}
	return l.src[next]
}

func (l *Lexer) emit1(kind TokenKind) {
	l.tokens = append(l.tokens, Token{Kind: kind, Value: l.src[l.pos : l.pos+1], Pos: l.pos})
	l.pos++
}

func (l *Lexer) emit2(kind TokenKind) {
	l.tokens = append(l.tokens, Token{Kind: kind, Value: l.src[l.pos : l.pos+2], Pos: l.pos})
	l.pos += 2
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.src) {
		ch, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(ch) {
			break
		}
		l.pos += size
	}
}

func (l *Lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++ // skip opening quote
	var sb strings.Builder

	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '\\' {
			l.pos++
			if l.pos >= len(l.src) {
				return &LexError{Pos: start, Msg: "unterminated string"}
			}
			esc := l.src[l.pos]
			switch esc {
			case '"', '\'', '\\':
				sb.WriteByte(esc)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				// Unknown escapes keep the backslash; the escaped rune is read normally.
				sb.WriteByte('\\')
				continue
			}
			l.pos++
			continue
		}
		if ch == quote {
			l.pos++ // skip closing quote
			l.tokens = append(l.tokens, Token{
				Kind:  TokenString,
				Value: sb.String(),
				Pos:   start,
			})
			return nil
		}
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r == utf8.RuneError && size == 1 {
			return &LexError{Pos: l.pos, Msg: "invalid UTF-8 encoding in string"}
		}
		sb.WriteString(l.src[l.pos : l.pos+size])
		l.pos += size
	}

	return &LexError{Pos: start, Msg: "unterminated string"}
}

func (l *Lexer) lexNumber() error {
	start := l.pos
	end := scanNumber(l.src, l.pos)
	if end == start {
		return &LexError{Pos: start, Msg: fmt.Sprintf("malformed number %q", l.src[start:start+1])}
	}
	l.pos = end
	if l.pos < len(l.src) {
		// A number running straight into a word ("30abc") is not a token.
		if ch, _ := utf8.DecodeRuneInString(l.src[l.pos:]); isIdentPart(ch) || ch == '.' {
			return &LexError{Pos: start, Msg: fmt.Sprintf("malformed number near %q", l.src[start:l.pos+1])}
		}
	}
	l.tokens = append(l.tokens, Token{Kind: TokenNumber, Value: l.src[start:l.pos], Pos: start})
	return nil
}

func (l *Lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		ch, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(ch) {
			break
		}
		l.pos += size
	}
	word := l.src[start:l.pos]
	kind := TokenIdent
	if kw, ok := keywords[word]; ok {
		kind = kw
	}
	l.tokens = append(l.tokens, Token{Kind: kind, Value: word, Pos: start})
}

// startsNumber checks whether a sign or dot at the current position begins
// a numeric literal such as -5, +2.5 or .75.
func (l *Lexer) startsNumber() bool {
	return scanNumber(l.src, l.pos) > l.pos
}

// scanNumber returns the end offset of the numeric literal starting at pos,
// or pos itself when no number starts there. Accepted form:
// [+-]? digits* ('.' digits*)? ([eE] [+-]? digits+)? with at least one
// mantissa digit.
func scanNumber(s string, pos int) int {
	i := pos
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(rune(s[i])) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(rune(s[i])) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return pos
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expDigits := 0
		for j < len(s) && isDigit(rune(s[j])) {
			j++
			expDigits++
		}
		if expDigits > 0 {
			i = j
		}
	}
	return i
}

// isNumeric reports whether s, in its entirety, is a numeric literal.
func isNumeric(s string) bool {
	return s != "" && scanNumber(s, 0) == len(s)
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}
