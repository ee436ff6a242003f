package remap

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/behrlich/go-remap/internal/metadata"
)

// Error represents a structured remap error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "construct", "persist")
	Device string        // Device name ("" if not applicable)
	Sector uint64        // Affected sector (meaningful only when HasSector)
	HasSector bool
	Kind   Kind          // High-level error category
	Errno  syscall.Errno // OS errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	ctx := ""
	if e.Op != "" {
		ctx = fmt.Sprintf(" (op=%s", e.Op)
		if e.Device != "" {
			ctx += fmt.Sprintf(" dev=%s", e.Device)
		}
		if e.HasSector {
			ctx += fmt.Sprintf(" sector=%d", e.Sector)
		}
		if e.Errno != 0 {
			ctx += fmt.Sprintf(" errno=%d", int(e.Errno))
		}
		ctx += ")"
	}
	return fmt.Sprintf("remap: %s%s", msg, ctx)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by kind
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// Kind represents high-level error categories
type Kind string

const (
	KindNotFound          Kind = "not found"
	KindPermission        Kind = "permission denied"
	KindBusy              Kind = "device busy"
	KindWrongMainDevice   Kind = "metadata belongs to a different main device"
	KindNoValidMetadata   Kind = "no valid metadata"
	KindOutOfMemory       Kind = "out of memory"
	KindDuplicate         Kind = "remap already exists"
	KindSpareFull         Kind = "spare capacity exhausted"
	KindIoTransient       Kind = "transient I/O error"
	KindIoMedium          Kind = "medium error"
	KindIoFatal           Kind = "fatal I/O error"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
	KindPersistFailed     Kind = "metadata persist failed"
	KindInvalidParameters Kind = "invalid parameters"
	KindUnknownMessage    Kind = "unknown message"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Msg:  msg,
	}
}

// NewDeviceError creates a new device-scoped error
func NewDeviceError(op, device string, kind Kind, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Kind:   kind,
		Msg:    msg,
	}
}

// NewSectorErrorKind creates a sector-scoped error without an errno
func NewSectorErrorKind(op string, sector uint64, kind Kind) *Error {
	return &Error{
		Op:        op,
		Sector:    sector,
		HasSector: true,
		Kind:      kind,
	}
}

// NewSectorError creates an I/O error pinned to a sector
func NewSectorError(op string, sector uint64, kind Kind, errno syscall.Errno) *Error {
	return &Error{
		Op:        op,
		Sector:    sector,
		HasSector: true,
		Kind:      kind,
		Errno:     errno,
		Msg:       errno.Error(),
	}
}

// WrapError wraps an existing error with remap context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var re *Error
	if errors.As(inner, &re) {
		out := *re
		out.Op = op
		out.Inner = re.Inner
		return &out
	}

	if kind, ok := metadataKind(inner); ok {
		return &Error{
			Op:    op,
			Kind:  kind,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	kind := KindIoFatal
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		kind = mapErrnoToKind(errno)
		return &Error{
			Op:    op,
			Kind:  kind,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Kind:  kind,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// metadataKind maps metadata engine sentinels to error kinds
func metadataKind(err error) (Kind, bool) {
	switch {
	case errors.Is(err, metadata.ErrNoValidMetadata):
		return KindNoValidMetadata, true
	case errors.Is(err, metadata.ErrPersistFailed):
		return KindPersistFailed, true
	case errors.Is(err, metadata.ErrCancelled):
		return KindCancelled, true
	case errors.Is(err, metadata.ErrTimeout):
		return KindTimeout, true
	case errors.Is(err, metadata.ErrTooLarge):
		return KindSpareFull, true
	}
	return "", false
}

// mapErrnoToKind maps syscall errno to remap error kinds
func mapErrnoToKind(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EPERM, syscall.EACCES:
		return KindPermission
	case syscall.EBUSY:
		return KindBusy
	case syscall.ENOMEM, syscall.ENOSPC:
		return KindOutOfMemory
	case syscall.EIO, syscall.EILSEQ, syscall.EBADMSG:
		return KindIoMedium
	case syscall.EAGAIN, syscall.EINTR:
		return KindIoTransient
	case syscall.ECANCELED:
		return KindCancelled
	case syscall.ETIMEDOUT:
		return KindTimeout
	case syscall.EINVAL, syscall.E2BIG:
		return KindInvalidParameters
	default:
		return KindIoFatal
	}
}

// IsKind checks if an error matches a specific error kind
func IsKind(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Errno == errno
	}
	return false
}
