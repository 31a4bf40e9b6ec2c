// Package errors provides standardized error codes for the power coordinator.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (pm, mailbox, storage, server, config)
//   - error: The specific error type within that domain
//
// Codes are stable and travel over the HTTP API and the control socket so
// that callers can tell a "not now" outcome from a real failure.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Power-management domain - suspend/resume outcomes
	CodePreconditionFailed = "pm.precondition_failed" // A relevant wakelock is held; suspend refused
	CodeTimeout            = "pm.timeout"             // Core idle signal never asserted within the poll bound
	CodeDependencyTimeout  = "pm.dependency_timeout"  // Companion core did not become active in time
	CodePreempted          = "pm.preempted"           // A wakelock was taken during the gate sequence; core resumed
	CodeUnknownSleepType   = "pm.unknown_sleep_type"  // Sleep type value not recognised
	CodeUnknownCore        = "pm.unknown_core"        // Core name or identity not configured
	CodeUnknownDomain      = "pm.unknown_domain"      // Wakelock domain name not recognised
	CodeInvalidTopology    = "pm.invalid_topology"    // Core descriptors are inconsistent (e.g. dependency cycle)

	// Mailbox domain - inter-core message transport
	CodeMailboxDecodeFailed = "mailbox.decode_failed" // Payload too short or malformed
	CodeMailboxUnknownKind  = "mailbox.unknown_kind"  // Message kind byte not recognised
	CodeMailboxEmpty        = "mailbox.empty"         // Receive with no pending message

	// Storage domain - database and persistence errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - HTTP/WebSocket errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid request
	CodeServerRateLimited    = "server.rate_limited"    // Too many mutation requests per second
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerUnavailable    = "server.unavailable"     // Daemon not reachable over the control socket

	// Config domain
	CodeConfigInvalid = "config.invalid" // Configuration failed validation

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "pm.timeout")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to API responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsNotNow reports whether err is one of the recoverable suspend outcomes
// that the caller should simply retry on the next sleep attempt.
func IsNotNow(err error) bool {
	switch GetCode(err) {
	case CodePreconditionFailed, CodeTimeout, CodePreempted:
		return true
	}
	return false
}

// PreconditionFailed creates a "pm.precondition_failed" error.
// mask is the set of relevant shallow wakelock bits that were held.
func PreconditionFailed(core string, mask uint32) *CodedError {
	return New(CodePreconditionFailed, fmt.Sprintf("core %s: wakelocks held (mask 0x%08x)", core, mask))
}

// Timeout creates a "pm.timeout" error.
// This indicates the core never reported idle within the bounded poll.
func Timeout(core string, attempts int) *CodedError {
	return New(CodeTimeout, fmt.Sprintf("core %s: idle signal not asserted after %d polls", core, attempts))
}

// DependencyTimeout creates a "pm.dependency_timeout" error.
func DependencyTimeout(core, dependency string, cause error) *CodedError {
	msg := fmt.Sprintf("core %s: companion %s not active", core, dependency)
	return Wrap(CodeDependencyTimeout, msg, cause)
}

// Preempted creates a "pm.preempted" error.
// The gate sequence completed but a relevant wakelock was taken meanwhile,
// so the core was brought straight back up.
func Preempted(core string, mask uint32) *CodedError {
	return New(CodePreempted, fmt.Sprintf("core %s: wakelocks taken during gate (mask 0x%08x), resumed", core, mask))
}

// UnknownSleepType creates a "pm.unknown_sleep_type" error.
func UnknownSleepType(value uint8) *CodedError {
	return New(CodeUnknownSleepType, fmt.Sprintf("unknown sleep type %d", value))
}

// UnknownCore creates a "pm.unknown_core" error.
func UnknownCore(name string) *CodedError {
	return New(CodeUnknownCore, fmt.Sprintf("unknown core %q", name))
}

// UnknownDomain creates a "pm.unknown_domain" error.
func UnknownDomain(name string) *CodedError {
	return New(CodeUnknownDomain, fmt.Sprintf("unknown wakelock domain %q", name))
}

// InvalidTopology creates a "pm.invalid_topology" error.
func InvalidTopology(reason string) *CodedError {
	return New(CodeInvalidTopology, fmt.Sprintf("invalid core topology: %s", reason))
}

// MailboxDecodeFailed creates a "mailbox.decode_failed" error.
func MailboxDecodeFailed(reason string) *CodedError {
	return New(CodeMailboxDecodeFailed, fmt.Sprintf("mailbox decode failed: %s", reason))
}

// MailboxUnknownKind creates a "mailbox.unknown_kind" error.
func MailboxUnknownKind(kind uint8) *CodedError {
	return New(CodeMailboxUnknownKind, fmt.Sprintf("unknown mailbox message kind %d", kind))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// RateLimited creates a "server.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeServerRateLimited, "too many requests, slow down")
}

// ConfigInvalid creates a "config.invalid" error.
func ConfigInvalid(reason string) *CodedError {
	return New(CodeConfigInvalid, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
