package engine

import (
	"errors"

	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/store"
)

var (
	// ErrNilStore indicates a service created without a rule store.
	ErrNilStore = errors.New("engine: rule store is nil")
	// ErrInvalidInput marks caller mistakes that are not rule syntax errors,
	// such as an unknown combine operator.
	ErrInvalidInput = errors.New("engine: invalid input")
)

// Error codes reported to clients.
const (
	CodeLexError         = "LEX_ERROR"
	CodeParseError       = "PARSE_ERROR"
	CodeInvalidAST       = "INVALID_AST"
	CodeEmptyInput       = "EMPTY_INPUT"
	CodeTooDeep          = "TOO_DEEP"
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeMissingAttribute = "MISSING_ATTRIBUTE"
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodeUnsupportedValue = "UNSUPPORTED_VALUE"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
	CodeStoreError       = "STORE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the client-facing codes. It returns
// "" for a nil error.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var (
		lexErr         *expr.LexError
		parseErr       *expr.ParseError
		decodeErr      *expr.DecodeError
		missingErr     *expr.MissingAttributeError
		incomparable   *expr.IncomparableError
		unsupportedErr *expr.UnsupportedValueError
		storeErr       *store.Error
	)

	switch {
	case errors.Is(err, store.ErrRuleNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrRuleExists):
		return CodeConflict
	case errors.Is(err, expr.ErrEmptyInput):
		return CodeEmptyInput
	case errors.Is(err, expr.ErrTooDeep):
		return CodeTooDeep
	case errors.Is(err, ErrInvalidInput):
		return CodeBadRequest
	case errors.As(err, &lexErr):
		return CodeLexError
	case errors.As(err, &parseErr):
		return CodeParseError
	case errors.As(err, &decodeErr):
		return CodeInvalidAST
	case errors.As(err, &missingErr):
		return CodeMissingAttribute
	case errors.As(err, &incomparable):
		return CodeTypeMismatch
	case errors.As(err, &unsupportedErr):
		return CodeUnsupportedValue
	case errors.As(err, &storeErr):
		return CodeStoreError
	}
	return CodeInternal
}
