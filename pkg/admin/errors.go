package admin

import (
	"errors"
	"fmt"
)

// Error codes the server (or this client) reports.
const (
	CodeNotConnected           = "not_connected"
	CodeWSClosed               = "ws_closed"
	CodeWSError                = "ws_error"
	CodeInvalidCode            = "invalid_code"
	CodeUnauthorized           = "unauthorized"
	CodeAuthError              = "auth_error"
	CodeNotFound               = "not_found"
	CodeInUse                  = "in_use"
	CodeInvalidPayload         = "invalid_payload"
	CodeScopeUnknown           = "scope_unknown"
	CodeMultiScopeNotSupported = "multi_scope_not_supported"
	CodeVersionMismatch        = "version_mismatch"
	CodeLocked                 = "locked"
	CodeDeployLocked           = "deploy_locked"
	CodeDeployLockRequired     = "deploy_lock_required"
	CodeDeployRequired         = "deploy_required"
)

// Error is a failure reported by the admin surface.
type Error struct {
	Code    string
	Message string
	// Status is the HTTP status, zero for WebSocket failures.
	Status int
	// Current is the server's record on version_mismatch.
	Current map[string]any
	// Lock describes the holder on lock contention.
	Lock *DeployLock
}

func (e *Error) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// ErrorCode returns the machine-readable code.
func (e *Error) ErrorCode() string { return e.Code }

func newError(code string) *Error { return &Error{Code: code} }

// CodeOf extracts the admin error code from err, or "".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsNotFound reports whether err is a not_found failure.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsVersionMismatch reports whether err is an optimistic-concurrency failure.
func IsVersionMismatch(err error) bool { return CodeOf(err) == CodeVersionMismatch }

// IsLocked reports whether err is lock contention.
func IsLocked(err error) bool {
	switch CodeOf(err) {
	case CodeLocked, CodeDeployLocked:
		return true
	}
	return false
}

// IsClosed reports whether err means the socket went away.
func IsClosed(err error) bool {
	switch CodeOf(err) {
	case CodeWSClosed, CodeNotConnected:
		return true
	}
	return false
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidCode, CodeUnauthorized, CodeAuthError:
		return true
	}
	return false
}
