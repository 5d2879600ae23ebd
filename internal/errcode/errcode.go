// Package errcode carries machine-readable error codes through ordinary Go error
// chains. Codes are the stable strings the CLI prints and tests assert on
// (e.g. "missing_script_entry", "asset_hash_mismatch").
package errcode

import (
	"errors"
	"fmt"
)

// Transport, auth, resource and concurrency codes shared with the admin server.
const (
	NotConnected           = "not_connected"
	WSClosed               = "ws_closed"
	WSError                = "ws_error"
	InvalidCode            = "invalid_code"
	Unauthorized           = "unauthorized"
	AuthError              = "auth_error"
	NotFound               = "not_found"
	InUse                  = "in_use"
	InvalidPayload         = "invalid_payload"
	ScopeUnknown           = "scope_unknown"
	MultiScopeNotSupported = "multi_scope_not_supported"
	VersionMismatch        = "version_mismatch"
	Locked                 = "locked"
	DeployLocked           = "deploy_locked"
	DeployLockRequired     = "deploy_lock_required"
	DeployRequired         = "deploy_required"
)

// Content integrity and sync codes raised locally.
const (
	AssetHashMismatch          = "asset_hash_mismatch"
	AssetDownloadFailed        = "asset_download_failed"
	ScriptDownloadFailed       = "script_download_failed"
	InvalidBlueprintConfig     = "invalid_blueprint_config"
	MissingScriptEntry         = "missing_script_entry"
	MissingScriptFiles         = "missing_script_files"
	MissingSharedScripts       = "missing_shared_scripts"
	EmptyProjectRequiresExport = "empty_project_requires_export"
	SyncConflictDetected       = "Sync conflict detected"
	ConflictNotFound           = "conflict_not_found"
	UnsupportedConflictKind    = "unsupported_conflict_kind"
	ConflictMissingMergedValue = "conflict_missing_merged_value"
	WorldMismatch              = "world_id_mismatch"
	MissingWorldURL            = "missing_world_url"
)

// Coded is implemented by any error that exposes a stable code.
type Coded interface {
	ErrorCode() string
}

// Error is a coded error with an optional detail suffix and wrapped cause.
type Error struct {
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Detail != "" {
		msg += ":" + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// ErrorCode implements Coded.
func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error. Detail may be empty.
func New(code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf creates a coded error with a formatted detail.
func Newf(code, format string, a ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, a...)}
}

// Wrap attaches a code to an existing error.
func Wrap(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Code returns the first code found in err's chain, or "" if none.
func Code(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}
