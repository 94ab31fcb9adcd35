// Package storage reads plain files and zip archive entries below the
// images root. It never writes.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind is the closed set of failure classes reported by accessors.
type Kind int

const (
	// KindOther is an unexpected I/O fault.
	KindOther Kind = iota
	// KindNotFound covers missing files, missing entries and wrong types
	// (e.g. a directory where a file was expected).
	KindNotFound
	// KindDenied is a permission failure or a symlink leading out of the root.
	KindDenied
	// KindCorrupt is a file that exists but cannot be parsed (bad zip).
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDenied:
		return "denied"
	case KindCorrupt:
		return "corrupt"
	default:
		return "other"
	}
}

// Error is the error type returned by every accessor in this package.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindOther.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// IsNotFound reports whether err should be shown to clients as "not found".
// Denied and corrupt sources are folded in so responses do not reveal them.
func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindDenied, KindCorrupt:
		return true
	default:
		return false
	}
}

func notFound(op, path string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path, Err: err}
}

// wrapFS classifies an error from the os package.
func wrapFS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindOther
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ENAMETOOLONG), errors.Is(err, syscall.ELOOP):
		kind = KindNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, errOutsideRoot):
		kind = KindDenied
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
