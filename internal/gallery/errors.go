// Package gallery implements the two read operations of the server: serving
// image variants and listing directories or archive contents.
package gallery

import (
	"errors"
	"fmt"

	"imgserver/internal/fsutil"
	"imgserver/internal/storage"
)

// Kind classifies a failed request.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindBadRequest
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by the services. Message is safe to show to clients for
// KindBadRequest; Err holds the underlying cause.
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

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

func notFoundError(err error) *Error {
	return &Error{Kind: KindNotFound, Message: "File not found", Err: err}
}

func badRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: err}
}

// classify maps an accessor or resolver error onto the request taxonomy.
func classify(err error) *Error {
	if errors.Is(err, fsutil.ErrInvalidPath) || storage.IsNotFound(err) {
		return notFoundError(err)
	}
	return internalError(err)
}

func invalidEncoding(name string) *Error {
	return badRequest(fmt.Sprintf("Invalid encoding parameter: %q is not a supported encoding", name))
}
