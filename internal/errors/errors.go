// Package errors provides centralized error definitions and error handling utilities
// for the sessionctl codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - SessionError: errors related to session lifecycle and registry state
//   - StorageError: errors related to free space and filesystem capability
//   - ToolError: errors related to external tool invocation (dynfilefs, mke2fs, mount)
//   - ArchiveError: errors related to session archive encoding, extraction and verification
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - InvariantError: operation rejected to protect a session invariant
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewSessionError("failed to load session", errors.ErrSessionNotFound)
//
//	// Semantic error
//	err := errors.NewNotFoundError("session", "3")
//
//	// With context wrapping
//	err := errors.NewToolError("filesystem format failed", baseErr).WithTool("mke2fs")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrSessionNotFound) { ... }
//
//	// Check for error types
//	var storageErr *errors.StorageError
//	if errors.As(err, &storageErr) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//	if errors.IsUserFacing(err) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionExists indicates that a session with the same ID already exists.
	ErrSessionExists = New("session already exists")
	// ErrNoDefaultSession indicates that no session is marked as the default.
	ErrNoDefaultSession = New("no default session configured")
	// ErrNoRunningSession indicates that no session is currently running.
	ErrNoRunningSession = New("no session is currently running")
)

// Storage-related sentinel errors
var (
	// ErrDirNotFound indicates that the sessions directory does not exist.
	ErrDirNotFound = New("sessions directory not found")
	// ErrNotWritable indicates that the sessions directory cannot be written.
	ErrNotWritable = New("sessions directory is not writable")
	// ErrInsufficientSpace indicates that there is not enough free space.
	ErrInsufficientSpace = New("insufficient free space")
	// ErrIncompatibleFilesystem indicates that the filesystem cannot host the
	// requested session mode.
	ErrIncompatibleFilesystem = New("filesystem incompatible with requested mode")
)

// Metadata-related sentinel errors
var (
	// ErrCorruptMetadata indicates that session metadata could not be parsed.
	ErrCorruptMetadata = New("corrupted session metadata")
	// ErrRegistryLocked indicates that the registry lock is held by another process.
	ErrRegistryLocked = New("session registry is locked")
)

// Tool-related sentinel errors
var (
	// ErrToolUnavailable indicates that a required external tool is not installed.
	ErrToolUnavailable = New("required tool not available")
	// ErrToolFailed indicates that an external tool exited with an error.
	ErrToolFailed = New("tool execution failed")
)

// Archive-related sentinel errors
var (
	// ErrArchiveFormat indicates that an archive does not use the expected format.
	ErrArchiveFormat = New("unsupported archive format")
	// ErrVerificationFailed indicates that a written archive failed verification.
	ErrVerificationFailed = New("archive verification failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrInvariantViolation indicates that an operation would break a session invariant.
	ErrInvariantViolation = New("invariant violation")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SessionctlError is the base interface for all sessionctl errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type SessionctlError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors related to session lifecycle and registry state.
//
// Example:
//
//	err := errors.NewSessionError("failed to load session", errors.ErrSessionNotFound)
//	err = err.WithSessionID("3")
//	fmt.Println(err) // "session error [session=3]: failed to load session: session not found"
type SessionError struct {
	baseError
	SessionID string
	Mode      string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithMode adds the session storage mode to the error context.
func (e *SessionError) WithMode(mode string) *SessionError {
	e.Mode = mode
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Mode != "" {
		parts = append(parts, fmt.Sprintf("mode=%s", e.Mode))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StorageError represents errors related to free space and filesystem capability
// of the device backing the sessions directory.
//
// Example:
//
//	err := errors.NewStorageError("cannot create session container", errors.ErrInsufficientSpace)
//	err = err.WithPath("/run/initramfs/memory/data/minios/changes").WithSpace(1100, 412)
type StorageError struct {
	baseError
	Path        string
	Filesystem  string
	RequiredMB  int64
	AvailableMB int64
}

// NewStorageError creates a new StorageError.
func NewStorageError(message string, cause error) *StorageError {
	return &StorageError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithPath adds the affected path to the error context.
func (e *StorageError) WithPath(path string) *StorageError {
	e.Path = path
	return e
}

// WithFilesystem adds the filesystem type to the error context.
func (e *StorageError) WithFilesystem(fs string) *StorageError {
	e.Filesystem = fs
	return e
}

// WithSpace adds required and available space (in megabytes) to the error context.
func (e *StorageError) WithSpace(requiredMB, availableMB int64) *StorageError {
	e.RequiredMB = requiredMB
	e.AvailableMB = availableMB
	return e
}

// WithSeverity sets the error severity.
func (e *StorageError) WithSeverity(s Severity) *StorageError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StorageError) WithRetryable(r bool) *StorageError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.Filesystem != "" {
		parts = append(parts, fmt.Sprintf("fs=%s", e.Filesystem))
	}
	if e.RequiredMB > 0 {
		parts = append(parts, fmt.Sprintf("required_mb=%d", e.RequiredMB))
		parts = append(parts, fmt.Sprintf("available_mb=%d", e.AvailableMB))
	}

	prefix := "storage error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("storage error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ToolError represents errors from external tool invocations such as dynfilefs,
// mke2fs, resize2fs, mount and fusermount.
//
// Example:
//
//	err := errors.NewToolError("filesystem format failed", errors.ErrToolFailed)
//	err = err.WithTool("mke2fs").WithOutput(string(out))
type ToolError struct {
	baseError
	Tool   string
	Output string
}

// NewToolError creates a new ToolError.
func NewToolError(message string, cause error) *ToolError {
	return &ToolError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTool adds the tool name to the error context.
func (e *ToolError) WithTool(tool string) *ToolError {
	e.Tool = tool
	return e
}

// WithOutput attaches the captured combined output of the failed command.
func (e *ToolError) WithOutput(output string) *ToolError {
	e.Output = strings.TrimSpace(output)
	return e
}

// WithSeverity sets the error severity.
func (e *ToolError) WithSeverity(s Severity) *ToolError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ToolError) WithRetryable(r bool) *ToolError {
	e.retryable = r
	return e
}

// Error returns the formatted error message, including captured tool output.
func (e *ToolError) Error() string {
	var parts []string
	if e.Tool != "" {
		parts = append(parts, fmt.Sprintf("tool=%s", e.Tool))
	}

	prefix := "tool error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("tool error [%s]", strings.Join(parts, ", "))
	}

	msg := fmt.Sprintf("%s: %s", prefix, e.message)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ncommand output: %s", msg, e.Output)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ToolError) Is(target error) bool {
	if _, ok := target.(*ToolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ArchiveError represents errors related to session archive creation,
// extraction and verification.
//
// Example:
//
//	err := errors.NewArchiveError("member outside archive root", nil)
//	err = err.WithArchive("/mnt/backup/session-3.tar.zst").WithMember("../etc/passwd")
type ArchiveError struct {
	baseError
	Archive string
	Member  string
}

// NewArchiveError creates a new ArchiveError.
func NewArchiveError(message string, cause error) *ArchiveError {
	return &ArchiveError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithArchive adds the archive path to the error context.
func (e *ArchiveError) WithArchive(path string) *ArchiveError {
	e.Archive = path
	return e
}

// WithMember adds the offending archive member to the error context.
func (e *ArchiveError) WithMember(member string) *ArchiveError {
	e.Member = member
	return e
}

// WithSeverity sets the error severity.
func (e *ArchiveError) WithSeverity(s Severity) *ArchiveError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ArchiveError) WithRetryable(r bool) *ArchiveError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ArchiveError) Error() string {
	var parts []string
	if e.Archive != "" {
		parts = append(parts, fmt.Sprintf("archive=%s", e.Archive))
	}
	if e.Member != "" {
		parts = append(parts, fmt.Sprintf("member=%s", e.Member))
	}

	prefix := "archive error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("archive error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ArchiveError) Is(target error) bool {
	if _, ok := target.(*ArchiveError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "3")
//	fmt.Println(err) // "session '3' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
//
// Example:
//
//	err := errors.NewAlreadyExistsError("session", "4")
//	fmt.Println(err) // "session '4' already exists"
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("session size must be positive")
//	err = err.WithField("size").WithValue(-100)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// InvariantError represents an operation rejected because it would break a
// protected session invariant, such as deleting the default session or
// resizing the running one.
//
// Example:
//
//	err := errors.NewInvariantError("cannot delete the default session")
//	err = err.WithOperation("delete").WithSessionID("1")
type InvariantError struct {
	baseError
	Operation string
	SessionID string
}

// NewInvariantError creates a new InvariantError.
func NewInvariantError(message string) *InvariantError {
	return &InvariantError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithOperation adds the rejected operation to the error context.
func (e *InvariantError) WithOperation(op string) *InvariantError {
	e.Operation = op
	return e
}

// WithSessionID adds a session ID to the error context.
func (e *InvariantError) WithSessionID(id string) *InvariantError {
	e.SessionID = id
	return e
}

// WithCause adds a cause to the error.
func (e *InvariantError) WithCause(cause error) *InvariantError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *InvariantError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}

	prefix := "invariant violation"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("invariant violation [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *InvariantError) Is(target error) bool {
	if _, ok := target.(*InvariantError); ok {
		return true
	}
	if errors.Is(target, ErrInvariantViolation) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for dynfilefs mount", 10*time.Second)
//	fmt.Println(err) // "timeout error: waiting for dynfilefs mount (timeout: 10s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing SessionctlError with IsRetryable() returning true
//   - TimeoutError instances
//   - Errors wrapping ErrTimeout
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements SessionctlError
	var scErr SessionctlError
	if As(err, &scErr) {
		return scErr.IsRetryable()
	}

	// Check for known retryable sentinel errors
	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
// This checks for:
//   - Errors implementing SessionctlError with IsUserFacing() returning true
//   - Semantic errors (NotFoundError, AlreadyExistsError, ValidationError,
//     InvariantError, TimeoutError)
//
// Example:
//
//	if errors.IsUserFacing(err) {
//	    displayToUser(err.Error())
//	} else {
//	    displayToUser("An internal error occurred")
//	    log.Error("internal error", "err", err)
//	}
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements SessionctlError
	var scErr SessionctlError
	if As(err, &scErr) {
		return scErr.IsUserFacing()
	}

	// Semantic errors are always user-facing
	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var invariant *InvariantError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &invariant) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SessionctlError.
//
// Example:
//
//	switch errors.GetSeverity(err) {
//	case errors.SeverityCritical:
//	    alertOperator(err)
//	case errors.SeverityError:
//	    log.Error("error occurred", "err", err)
//	case errors.SeverityWarning:
//	    log.Warn("warning", "err", err)
//	}
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	// Check if error implements SessionctlError
	var scErr SessionctlError
	if As(err, &scErr) {
		return scErr.Severity()
	}

	// Default to Error severity for unknown errors
	return SeverityError
}

// IsDomainError returns true if the error is a domain-specific error
// (SessionError, StorageError, ToolError, or ArchiveError).
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}

	var sessionErr *SessionError
	var storageErr *StorageError
	var toolErr *ToolError
	var archiveErr *ArchiveError

	return As(err, &sessionErr) || As(err, &storageErr) ||
		As(err, &toolErr) || As(err, &archiveErr)
}

// IsSemanticError returns true if the error is a semantic error
// (NotFoundError, AlreadyExistsError, ValidationError, InvariantError,
// or TimeoutError).
func IsSemanticError(err error) bool {
	if err == nil {
		return false
	}

	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var invariant *InvariantError
	var timeout *TimeoutError

	return As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &invariant) || As(err, &timeout)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this preserves the SessionctlError interface.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load registry")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to activate session %s", sessionID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
