package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	"imgserver/internal/fsutil"
)

// EntryInfo describes one child of an archive directory level.
type EntryInfo struct {
	Name     string
	IsDir    bool
	Modified time.Time
	Size     int64
}

// Entry is an opened archive member. Metadata is available right away; the
// content is only decompressed by ReadAll. Close releases the archive.
type Entry struct {
	Key      string
	Modified time.Time
	Size     int64

	zf *zip.File
	rc io.Closer
}

// ReadAll decompresses the entry.
func (e *Entry) ReadAll() ([]byte, error) {
	r, err := e.zf.Open()
	if err != nil {
		return nil, &Error{Kind: KindCorrupt, Op: "open entry", Path: e.Key, Err: err}
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		kind := KindOther
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			kind = KindCorrupt
		}
		return nil, &Error{Kind: kind, Op: "read entry", Path: e.Key, Err: err}
	}
	return b, nil
}

func (e *Entry) Close() error {
	if e.rc == nil {
		return nil
	}
	return e.rc.Close()
}

// Archives reads zip files. The central directory is parsed on every call so
// results always reflect what is on disk.
type Archives struct {
	guard guard
}

// NewArchives returns an Archives for archive files below root, with the
// same symlink policy as NewLocal.
func NewArchives(root string, followSymlinks bool) *Archives {
	return &Archives{guard: newGuard(root, followSymlinks)}
}

func (a *Archives) open(ctx context.Context, physical string) (*zip.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := a.guard.stat(physical)
	if err != nil {
		return nil, wrapFS("open archive", physical, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, notFound("open archive", physical, errors.New("not a regular file"))
	}
	zr, err := zip.OpenReader(physical)
	if err != nil {
		if zr != nil && errors.Is(err, zip.ErrInsecurePath) {
			return zr, nil
		}
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &Error{Kind: KindCorrupt, Op: "open archive", Path: physical, Err: err}
		}
		return nil, wrapFS("open archive", physical, err)
	}
	return zr, nil
}

// entryName returns the cleaned UTF-8 name of zf and whether it is a
// directory. ok is false for names that can never be addressed.
func entryName(zf *zip.File, dec *encoding.Decoder) (name string, isDir bool, ok bool) {
	name = zf.Name
	if zf.NonUTF8 {
		if s, err := dec.String(zf.Name); err == nil {
			name = s
		}
	}
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimLeft(name, "/")
	isDir = strings.HasSuffix(name, "/") || zf.Mode().IsDir()
	name = strings.TrimRight(name, "/")
	if name == "" || fsutil.Check(name) != nil {
		return "", false, false
	}
	return name, isDir, true
}

// OpenEntry finds key inside the archive. Missing archives, corrupt archives
// and missing entries are all reported as not found to callers via
// IsNotFound. The caller must Close the returned entry.
func (a *Archives) OpenEntry(ctx context.Context, physical, key string, enc encoding.Encoding) (*Entry, error) {
	if key == "" {
		return nil, notFound("open entry", physical, errors.New("archive root is a directory"))
	}
	zr, err := a.open(ctx, physical)
	if err != nil {
		return nil, err
	}

	dec := enc.NewDecoder()
	rawKey, encErr := enc.NewEncoder().String(key)
	for _, zf := range zr.File {
		if encErr == nil && zf.NonUTF8 && zf.Name == rawKey && !strings.HasSuffix(zf.Name, "/") {
			return newEntry(key, zf, zr), nil
		}
		name, isDir, ok := entryName(zf, dec)
		if ok && !isDir && name == key {
			return newEntry(key, zf, zr), nil
		}
	}
	_ = zr.Close()
	return nil, notFound("open entry", physical+"!"+key, fmt.Errorf("no entry %q", key))
}

func newEntry(key string, zf *zip.File, rc io.Closer) *Entry {
	return &Entry{
		Key:      key,
		Modified: zf.Modified,
		Size:     int64(zf.UncompressedSize64),
		zf:       zf,
		rc:       rc,
	}
}

// ListEntries returns the entries exactly one level below prefix ("" is the
// archive root), sorted by name. Directories that only exist as parents of
// deeper entries are synthesized with a zero modification time.
func (a *Archives) ListEntries(ctx context.Context, physical, prefix string, enc encoding.Encoding) ([]EntryInfo, error) {
	zr, err := a.open(ctx, physical)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	dec := enc.NewDecoder()
	children := make(map[string]EntryInfo)
	found := prefix == ""
	for i, zf := range zr.File {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		name, isDir, ok := entryName(zf, dec)
		if !ok {
			continue
		}
		if name == prefix {
			if !isDir {
				return nil, notFound("list archive", physical+"!"+prefix, errors.New("not a directory"))
			}
			found = true
			continue
		}
		rest := name
		if prefix != "" {
			if !strings.HasPrefix(name, prefix+"/") {
				continue
			}
			rest = name[len(prefix)+1:]
			found = true
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child := rest[:i]
			if _, exists := children[child]; !exists {
				children[child] = EntryInfo{Name: child, IsDir: true}
			}
			continue
		}
		info := EntryInfo{Name: rest, IsDir: isDir, Modified: zf.Modified}
		if !isDir {
			info.Size = int64(zf.UncompressedSize64)
		}
		if prev, exists := children[rest]; exists && prev.IsDir && !isDir {
			// A directory of the same name wins.
			continue
		}
		children[rest] = info
	}
	if !found {
		return nil, notFound("list archive", physical+"!"+prefix, errors.New("no such directory"))
	}

	out := make([]EntryInfo, 0, len(children))
	for _, c := range children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
