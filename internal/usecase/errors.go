package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorCredential    ErrorCode = "CREDENTIAL_ERROR"
	ErrorInputRejected ErrorCode = "INPUT_REJECTED"
	ErrorProvider      ErrorCode = "PROVIDER_ERROR"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

const reasonRateLimited = "openai_rate_limited"

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RateLimited reports whether the provider refused the call with 429.
func (e *Error) RateLimited() bool {
	return e != nil && e.Code == ErrorProvider && e.Reason == reasonRateLimited
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
