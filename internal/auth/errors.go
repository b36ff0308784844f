package auth

import (
	"errors"
	"time"
)

type Code string

const (
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeAccountLocked       Code = "account_locked"
	CodeAccountNotActivated Code = "account_not_activated"
	CodeExpiredToken        Code = "expired_token"
	CodeRevokedToken        Code = "revoked_token"
	CodeInvalidToken        Code = "invalid_token"
	CodeInvalidRequest      Code = "invalid_request"
	CodeNotFound            Code = "not_found"
	CodeInternal            Code = "internal_error"
)

var defaultMessages = map[Code]string{
	CodeInvalidCredentials:  "invalid credentials",
	CodeAccountLocked:       "account temporarily locked",
	CodeAccountNotActivated: "account is not activated",
	CodeExpiredToken:        "invalid or expired token",
	CodeRevokedToken:        "invalid or expired token",
	CodeInvalidToken:        "invalid or expired token",
	CodeInvalidRequest:      "invalid request",
	CodeNotFound:            "not found",
	CodeInternal:            "authentication failed",
}

// Error is returned by every Service operation. Message is safe to show to
// callers; Reason and Err are for logs and audit only.
type Error struct {
	Code    Code
	Message string
	Reason  string
	Until   *time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by code. Expired and revoked token errors also match
// ErrInvalidToken.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return t.Code == CodeInvalidToken && (e.Code == CodeExpiredToken || e.Code == CodeRevokedToken)
}

var (
	ErrInvalidCredentials  = &Error{Code: CodeInvalidCredentials}
	ErrAccountLocked       = &Error{Code: CodeAccountLocked}
	ErrAccountNotActivated = &Error{Code: CodeAccountNotActivated}
	ErrExpiredToken        = &Error{Code: CodeExpiredToken}
	ErrRevokedToken        = &Error{Code: CodeRevokedToken}
	ErrInvalidToken        = &Error{Code: CodeInvalidToken}
	ErrInvalidRequest      = &Error{Code: CodeInvalidRequest}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInternal            = &Error{Code: CodeInternal}
)

func newError(code Code, reason string) *Error {
	return &Error{Code: code, Message: defaultMessages[code], Reason: reason}
}

func lockedError(until time.Time) *Error {
	e := newError(CodeAccountLocked, "account_locked")
	e.Until = &until
	return e
}

func invalidRequest(err error) *Error {
	return &Error{Code: CodeInvalidRequest, Message: err.Error(), Reason: "invalid_request", Err: err}
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: defaultMessages[CodeInternal], Reason: "internal error", Err: err}
}

// CodeOf returns the code of an auth error, or CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// LockedUntil reports the end of the lockout window carried by err.
func LockedUntil(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeAccountLocked && e.Until != nil {
		return *e.Until, true
	}
	return time.Time{}, false
}
