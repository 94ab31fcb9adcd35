package httpserver

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"imgserver/internal/fsutil"
	"imgserver/internal/storage"
)

// readOnlyFS is a webdav.FileSystem over the images root that refuses every
// write and hides the same names the listing API hides. Symlinks obey the
// storage policy, so a link leading out of the root does not exist here.
type readOnlyFS struct {
	root           string
	dir            webdav.Dir
	local          *storage.Local
	followSymlinks bool
}

func newReadOnlyFS(root string, followSymlinks bool) *readOnlyFS {
	return &readOnlyFS{
		root:           root,
		dir:            webdav.Dir(root),
		local:          storage.NewLocal(root, followSymlinks),
		followSymlinks: followSymlinks,
	}
}

func (fsys *readOnlyFS) check(ctx context.Context, name string) error {
	rel := strings.Trim(name, "/")
	if fsutil.Check(rel) != nil {
		return os.ErrNotExist
	}
	if rel == "" {
		return nil
	}
	md, err := fsys.local.Stat(ctx, filepath.Join(fsys.root, filepath.FromSlash(rel)))
	if err != nil {
		if storage.IsNotFound(err) {
			return os.ErrNotExist
		}
		return err
	}
	if !md.IsDir && !md.Regular {
		// an unfollowed symlink
		return os.ErrNotExist
	}
	return nil
}

func (fsys *readOnlyFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

func (fsys *readOnlyFS) RemoveAll(ctx context.Context, name string) error {
	return os.ErrPermission
}

func (fsys *readOnlyFS) Rename(ctx context.Context, oldName, newName string) error {
	return os.ErrPermission
}

func (fsys *readOnlyFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := fsys.check(ctx, name); err != nil {
		return nil, err
	}
	return fsys.dir.Stat(ctx, name)
}

func (fsys *readOnlyFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	if err := fsys.check(ctx, name); err != nil {
		return nil, err
	}
	f, err := fsys.dir.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &visibleFile{File: f, ctx: ctx, fsys: fsys, name: strings.Trim(name, "/")}, nil
}

// visibleFile filters hidden children out of directory reads.
type visibleFile struct {
	webdav.File
	ctx  context.Context
	fsys *readOnlyFS
	name string
}

func (f *visibleFile) Write(p []byte) (int, error) { return 0, os.ErrPermission }

func (f *visibleFile) Readdir(count int) ([]fs.FileInfo, error) {
	for {
		infos, err := f.File.Readdir(count)
		out := infos[:0]
		for _, fi := range infos {
			if f.visible(fi) {
				out = append(out, fi)
			}
		}
		// With a positive count an all-hidden batch must not look like EOF.
		if count > 0 && len(out) == 0 && len(infos) > 0 && err == nil {
			continue
		}
		return out, err
	}
}

func (f *visibleFile) visible(fi fs.FileInfo) bool {
	name := fi.Name()
	if strings.HasPrefix(name, ".") || strings.Contains(name, "\\") {
		return false
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return true
	}
	if !f.fsys.followSymlinks {
		return false
	}
	return f.fsys.check(f.ctx, path.Join(f.name, name)) == nil
}

var davReadMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	"PROPFIND":         true,
}

func (s *Server) davHandler() http.Handler {
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: newReadOnlyFS(s.cfg.Root, s.cfg.FollowSymlinks),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil && !os.IsNotExist(err) {
				s.logger.Debug("webdav request failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !davReadMethods[r.Method] {
			w.Header().Set("Allow", "GET, HEAD, OPTIONS, PROPFIND")
			http.Error(w, "read-only", http.StatusMethodNotAllowed)
			return
		}
		dav.ServeHTTP(w, r)
	})
}
