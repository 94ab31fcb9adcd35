package fsutil

import (
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidPath is returned for logical paths that fail validation. Callers
// report it as "not found" so the response does not reveal what exists.
var ErrInvalidPath = errors.New("invalid path")

// Resolved is a validated logical path and its location on disk.
type Resolved struct {
	// Logical is slash-separated and relative to the root ("" is the root).
	Logical string
	// Physical is the absolute filesystem path.
	Physical string
}

// Resolver validates logical request paths against a root directory.
type Resolver struct {
	root   string
	logger *zap.Logger
}

func NewResolver(rootAbs string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{root: filepath.Clean(rootAbs), logger: logger}
}

// Root returns the absolute root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve checks raw and joins it onto the root. raw must already be
// percent-decoded and stripped of any routing prefix.
func (r *Resolver) Resolve(raw string) (Resolved, error) {
	if err := Check(raw); err != nil {
		r.logger.Warn("invalid path attempt", zap.String("path", raw), zap.Error(err))
		return Resolved{}, ErrInvalidPath
	}
	if raw == "" {
		return Resolved{Logical: "", Physical: r.root}, nil
	}
	return Resolved{
		Logical:  raw,
		Physical: filepath.Join(r.root, filepath.FromSlash(raw)),
	}, nil
}

// Check reports why p is not a valid logical path, or nil.
// The empty string (root) is valid. A leading dot is forbidden in every
// segment, which also rules out "." and "..".
func Check(p string) error {
	if p == "" {
		return nil
	}
	if strings.Contains(p, "\x00") {
		return errors.New("NUL not allowed")
	}
	if strings.Contains(p, "\\") {
		return errors.New("backslash not allowed")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return errors.New("empty segment")
		}
		if strings.HasPrefix(seg, ".") {
			return errors.New("hidden or relative segment")
		}
	}
	return nil
}

// ArchiveKey returns the entry key of logical inside the archive addressed by
// selector. ok is false when logical is neither the selector nor below it.
//
//	ArchiveKey("a/b.zip/inner/pic.png", "a/b.zip") == "inner/pic.png", true
//	ArchiveKey("a/b.zip", "a/b.zip")               == "", true
func ArchiveKey(logical, selector string) (key string, ok bool) {
	if selector == "" {
		return "", false
	}
	if logical == selector {
		return "", true
	}
	if len(logical) > len(selector) && strings.HasPrefix(logical, selector) && logical[len(selector)] == '/' {
		return logical[len(selector)+1:], true
	}
	return "", false
}

// JoinRel joins a parent logical path and a child name.
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
