package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for annexwatch. Category, Severity and
// Retryable come from Code; callers add Details and a Suggestion.
type Error struct {
	Code     string
	Message  string
	Category Category
	Severity Severity

	// Details are printed under the message, sorted by key.
	Details map[string]string
	Cause   error

	// Retryable marks failures a later trigger may clear.
	Retryable bool

	// Suggestion tells the user what to do next.
	Suggestion string
}

// New creates an Error whose classification is derived from code.
func New(code string, message string, cause error) *Error {
	info := lookup(code)
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryOf(code),
		Severity:  info.severity,
		Cause:     cause,
		Retryable: info.retryable,
	}
}

// Wrap turns err into an Error carrying err's text as message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

func (e *Error) Error() string {
	if e.Cause == nil || e.Cause.Error() == e.Message {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithDetail records one key-value detail.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets the user-facing hint.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// ConfigError reports an invalid configuration.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// PersistenceError reports a failed status store write. It is fatal.
func PersistenceError(message string, cause error) *Error {
	return New(ErrCodePersistence, message, cause)
}

// TrackerError reports a failed git or git-annex call.
func TrackerError(message string, cause error) *Error {
	return New(ErrCodeTrackerFailed, message, cause)
}

// ValidationError reports bad caller input.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError reports a broken invariant.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

func as(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// IsRetryable reports whether the first Error in err's chain is retryable.
func IsRetryable(err error) bool {
	e, ok := as(err)
	return ok && e.Retryable
}

// IsFatal reports whether the first Error in err's chain is fatal.
func IsFatal(err error) bool {
	e, ok := as(err)
	return ok && e.Severity == SeverityFatal
}

// GetCode returns the code of the first Error in err's chain, or "".
func GetCode(err error) string {
	if e, ok := as(err); ok {
		return e.Code
	}
	return ""
}

// GetCategory returns the category of the first Error in err's chain, or "".
func GetCategory(err error) Category {
	if e, ok := as(err); ok {
		return e.Category
	}
	return ""
}

// ExitCode returns the process exit status for err: 0 for nil, the code's
// sysexits value for an Error, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := as(err); ok {
		return lookup(e.Code).exit
	}
	return ExitFailure
}
