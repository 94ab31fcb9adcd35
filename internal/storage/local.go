package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Metadata is what the services need to know about a file or directory.
type Metadata struct {
	Name    string
	IsDir   bool
	Regular bool
	Size    int64
	ModTime time.Time
}

func metadataOf(fi fs.FileInfo) Metadata {
	return Metadata{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Regular: fi.Mode().IsRegular(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}

// DirEntry is one visible child of a directory. When the child could not be
// stat'ed (broken symlink, vanished file) Err is set and Meta is zero.
type DirEntry struct {
	Name string
	Meta Metadata
	Err  error
}

// Local reads plain files below a root directory.
type Local struct {
	guard guard
}

// NewLocal returns a Local for paths below root. With followSymlinks, links
// are followed as long as they stay inside root.
func NewLocal(root string, followSymlinks bool) *Local {
	return &Local{guard: newGuard(root, followSymlinks)}
}

// Stat returns metadata for any kind of entry.
func (l *Local) Stat(ctx context.Context, physical string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	fi, err := l.guard.stat(physical)
	if err != nil {
		return Metadata{}, wrapFS("stat", physical, err)
	}
	return metadataOf(fi), nil
}

// StatFile is Stat restricted to regular files; anything else is not found.
func (l *Local) StatFile(ctx context.Context, physical string) (Metadata, error) {
	md, err := l.Stat(ctx, physical)
	if err != nil {
		return Metadata{}, err
	}
	if !md.Regular {
		return Metadata{}, notFound("stat", physical, errors.New("not a regular file"))
	}
	return md, nil
}

// Read returns the content of a regular file.
func (l *Local) Read(ctx context.Context, physical string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := l.StatFile(ctx, physical); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(physical)
	if err != nil {
		return nil, wrapFS("read", physical, err)
	}
	return b, nil
}

// ListDir returns the visible children of a directory in name order.
// Hidden names (leading dot) and names containing a backslash are skipped.
func (l *Local) ListDir(ctx context.Context, physical string) ([]DirEntry, error) {
	md, err := l.Stat(ctx, physical)
	if err != nil {
		return nil, err
	}
	if !md.IsDir {
		return nil, notFound("readdir", physical, errors.New("not a directory"))
	}
	ents, err := os.ReadDir(physical)
	if err != nil {
		return nil, wrapFS("readdir", physical, err)
	}
	out := make([]DirEntry, 0, len(ents))
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if IsHidden(name) {
			continue
		}
		de := DirEntry{Name: name}
		fi, err := l.guard.statChild(physical, e)
		if err != nil {
			de.Err = wrapFS("stat", filepath.Join(physical, name), err)
		} else {
			de.Meta = metadataOf(fi)
		}
		out = append(out, de)
	}
	return out, nil
}

// IsHidden reports whether a leaf name is excluded from listings.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.Contains(name, "\\")
}
