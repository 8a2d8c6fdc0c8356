package files

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a stable status.
type Kind string

const (
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindUnsupportedType    Kind = "UNSUPPORTED_TYPE"
	KindPayloadTooLarge    Kind = "PAYLOAD_TOO_LARGE"
	KindConflict           Kind = "CONFLICT"
	KindStorageWriteFailed Kind = "STORAGE_WRITE_FAILED"
	KindStorageReadFailed  Kind = "STORAGE_READ_FAILED"
	KindStorageTimeout     Kind = "STORAGE_TIMEOUT"
	KindInternal           Kind = "INTERNAL"
)

// Sentinel errors returned by the stores.
var (
	ErrRecordNotFound  = errors.New("file record not found")
	ErrVersionConflict = errors.New("file version changed concurrently")
	ErrBlobNotFound    = errors.New("blob not found")
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unauthenticated reports a missing or invalid credential.
func Unauthenticated(format string, args ...any) *Error {
	return newError(KindUnauthenticated, nil, format, args...)
}

// InvalidArgument reports malformed input.
func InvalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, nil, format, args...)
}

// NotFound reports a missing record.
func NotFound(id string) *Error {
	return newError(KindNotFound, nil, "file %s not found", id)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
