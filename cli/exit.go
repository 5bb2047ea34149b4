package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/petalrules/engine"
)

// Process exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitNotFound     = 5
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ExitCode returns the process exit code for an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitRuntime
}

// serviceExit maps an engine error onto an exit code.
func serviceExit(action string, err error) *ExitError {
	switch engine.ErrorCode(err) {
	case engine.CodeNotFound:
		return exitError(exitNotFound, "%s: %v", action, err)
	case engine.CodeLexError, engine.CodeParseError, engine.CodeInvalidAST,
		engine.CodeEmptyInput, engine.CodeTooDeep, engine.CodeBadRequest, engine.CodeConflict,
		engine.CodeMissingAttribute, engine.CodeTypeMismatch, engine.CodeUnsupportedValue:
		return exitError(exitValidation, "%s: %v", action, err)
	}
	return exitError(exitRuntime, "%s: %v", action, err)
}
