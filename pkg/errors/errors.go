// Package errors provides driftfs's structured error type: a small set of
// error kinds (spec §7) each bound to exactly one errno at the kernel
// boundary, plus the contextual metadata the rest of the system attaches
// for logging and recovery decisions.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// Kind is one of the error kinds enumerated in spec §7. Kinds are identities,
// not free-form strings — every kind maps to exactly one errno.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid-argument"
	KindNoEntry           Kind = "no-entry"
	KindBusy              Kind = "busy"
	KindAccessDenied      Kind = "access-denied"
	KindReadOnly          Kind = "read-only"
	KindExists            Kind = "exists"
	KindNotDirectory      Kind = "not-a-directory"
	KindIsDirectory       Kind = "is-a-directory"
	KindTooManyOpenFiles  Kind = "too-many-open-files"
	KindTooManyLinks      Kind = "too-many-links"
	KindIO                Kind = "i/o-error"
	KindNoSpace           Kind = "no-space"
	KindConflictingPaths  Kind = "conflicting-paths"
	KindNotMounted        Kind = "not-mounted"
	KindAlreadyMounted    Kind = "already-mounted"
	KindMountFailed       Kind = "mount-failed"
	KindCrossDeviceLink   Kind = "cross-device-link"
	KindOperationCanceled Kind = "operation-canceled"
)

// errnoTable is the table-driven mapping from Kind to the single errno it
// surfaces at the kernel boundary (spec §7: "Each [kind] corresponds to a
// single errno on the kernel boundary; surfacing is table-driven").
var errnoTable = map[Kind]syscall.Errno{
	KindInvalidArgument:   syscall.EINVAL,
	KindNoEntry:           syscall.ENOENT,
	KindBusy:              syscall.EBUSY,
	KindAccessDenied:      syscall.EACCES,
	KindReadOnly:          syscall.EROFS,
	KindExists:            syscall.EEXIST,
	KindNotDirectory:      syscall.ENOTDIR,
	KindIsDirectory:       syscall.EISDIR,
	KindTooManyOpenFiles:  syscall.EMFILE,
	KindTooManyLinks:      syscall.ELOOP,
	KindIO:                syscall.EIO,
	KindNoSpace:           syscall.ENOSPC,
	KindConflictingPaths:  syscall.EEXIST,
	KindNotMounted:        syscall.ENODEV,
	KindAlreadyMounted:    syscall.EBUSY,
	KindMountFailed:       syscall.EIO,
	KindCrossDeviceLink:   syscall.EXDEV,
	KindOperationCanceled: syscall.ECANCELED,
}

// Errno returns the single errno this kind surfaces at the kernel boundary.
func (k Kind) Errno() syscall.Errno {
	if e, ok := errnoTable[k]; ok {
		return e
	}
	return syscall.EIO
}

// Error is driftfs's structured error: a kind, contextual metadata, and an
// optional wrapped cause. Higher layers (lifecycle, eviction, index) work
// with *Error; the FUSE callback layer converts the Kind straight to errno
// and never inspects the rest.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(kind),
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Component != "" {
		sb.WriteString("[" + e.Component)
		if e.Operation != "" {
			sb.WriteString(":" + e.Operation)
		}
		sb.WriteString("] ")
	}
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Path != "" {
		sb.WriteString(" (path=" + e.Path + ")")
	}
	if e.Cause != nil {
		sb.WriteString(": " + e.Cause.Error())
	}
	return sb.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind, so errors.Is(err, errors.New(KindBusy, "")) works
// regardless of message/context.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Errno returns the errno this error surfaces to the kernel.
func (e *Error) Errno() syscall.Errno { return e.Kind.Errno() }

// WithComponent sets the owning component (e.g. "lifecycle", "overlayfs").
func (e *Error) WithComponent(c string) *Error { e.Component = c; return e }

// WithOperation sets the operation name (e.g. "unlink", "mount").
func (e *Error) WithOperation(op string) *Error { e.Operation = op; return e }

// WithPath attaches the virtual path the error concerns.
func (e *Error) WithPath(p string) *Error { e.Path = p; return e }

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error { e.Cause = cause; return e }

// WithDetail attaches a diagnostic key/value pair.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// JSON renders the error for structured log output.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err)
	}
	return string(data)
}

func isRetryableByDefault(k Kind) bool {
	switch k {
	case KindBusy, KindIO:
		return true
	default:
		return false
	}
}

// FromErrno reverse-maps a raw errno back to a Kind, for translating errors
// returned by LOCAL/EXTERNAL syscalls into the structured type.
func FromErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNoEntry
	case syscall.EBUSY:
		return KindBusy
	case syscall.EACCES, syscall.EPERM:
		return KindAccessDenied
	case syscall.EROFS:
		return KindReadOnly
	case syscall.EEXIST:
		return KindExists
	case syscall.ENOTDIR:
		return KindNotDirectory
	case syscall.EISDIR:
		return KindIsDirectory
	case syscall.EMFILE, syscall.ENFILE:
		return KindTooManyOpenFiles
	case syscall.ELOOP:
		return KindTooManyLinks
	case syscall.ENOSPC:
		return KindNoSpace
	case syscall.EXDEV:
		return KindCrossDeviceLink
	case syscall.ECANCELED:
		return KindOperationCanceled
	default:
		return KindIO
	}
}
