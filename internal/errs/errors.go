// Package errs defines the typed error kinds shared by the remediation core.
// Each kind maps to a recovery policy: validation and crypto failures are
// fatal to the operation, host-key and auth failures escalate the incident,
// connection and command failures feed the circuit breaker.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports a rejected field during input validation.
// Never retried.
type ValidationError struct {
	Field string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("validation failed for %s: %q", e.Field, e.Value)
}

// NewValidation builds a ValidationError for a field with an explanation.
func NewValidation(field, value, msg string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Msg: msg}
}

// CryptoError reports an encryption or decryption failure. The message is
// deliberately generic; the cause is kept for logs only.
type CryptoError struct {
	Op    string
	Cause error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s failed", e.Op)
}

func (e *CryptoError) Unwrap() error { return e.Cause }

// HostKeyError reports a host key fingerprint mismatch. The server is
// considered untrusted and the incident escalates.
type HostKeyError struct {
	Expected string
	Actual   string
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// AuthError reports an SSH authentication failure. Never retried.
type AuthError struct {
	Host  string
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s", e.Host)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ConnectionError reports a transport-level failure. Retried via the circuit
// breaker with exponential backoff.
type ConnectionError struct {
	Host  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// CommandError reports a failed or timed-out remote command.
type CommandError struct {
	Command string // already redacted
	Reason  string // "timeout", "cancelled", or an execution message
	Cause   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed (%s): %s", e.Reason, e.Command)
}

func (e *CommandError) Unwrap() error { return e.Cause }

// IsTimeout reports whether the command failed on its deadline.
func (e *CommandError) IsTimeout() bool { return e.Reason == "timeout" }

// FileTransferError reports an upload or download failure.
type FileTransferError struct {
	Local  string
	Remote string
	Cause  error
}

func (e *FileTransferError) Error() string {
	return fmt.Sprintf("file transfer %s <-> %s failed: %v", e.Local, e.Remote, e.Cause)
}

func (e *FileTransferError) Unwrap() error { return e.Cause }

// StateError reports an illegal incident state transition. Programmer error;
// logged with full context and never retried.
type StateError struct {
	IncidentID string
	From       string
	To         string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.IncidentID, e.From, e.To)
}

// PoolError reports that the connection pool refused an admission.
type PoolError struct {
	Msg    string
	Size   int
	Active int
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("ssh pool: %s (size=%d active=%d)", e.Msg, e.Size, e.Active)
}

// PlaybookError wraps any failure escaping a playbook method. Converted by
// the tier executor into a failed FixResult; never propagates.
type PlaybookError struct {
	Playbook string
	Method   string
	Cause    error
}

func (e *PlaybookError) Error() string {
	return fmt.Sprintf("playbook %s.%s: %v", e.Playbook, e.Method, e.Cause)
}

func (e *PlaybookError) Unwrap() error { return e.Cause }

// Discrimination helpers used by the job engine's recovery policy.

func IsHostKey(err error) bool {
	var t *HostKeyError
	return errors.As(err, &t)
}

func IsAuth(err error) bool {
	var t *AuthError
	return errors.As(err, &t)
}

func IsConnection(err error) bool {
	var t *ConnectionError
	return errors.As(err, &t)
}

func IsCommand(err error) bool {
	var t *CommandError
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}
