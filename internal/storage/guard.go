package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("resolves outside the root")

// guard applies the symlink policy below a root directory. With
// followSymlinks, links are followed only while they resolve to a path
// inside the root. Without it, links are reported as links and never opened.
type guard struct {
	root           string
	realRoot       string
	followSymlinks bool
}

func newGuard(root string, followSymlinks bool) guard {
	root = filepath.Clean(root)
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		real = root
	}
	return guard{root: root, realRoot: real, followSymlinks: followSymlinks}
}

// stat is os.Stat or os.Lstat depending on the policy. Paths whose resolved
// location is outside the root fail with errOutsideRoot.
func (g guard) stat(p string) (fs.FileInfo, error) {
	var (
		fi  fs.FileInfo
		err error
	)
	if g.followSymlinks {
		fi, err = os.Stat(p)
	} else {
		fi, err = os.Lstat(p)
	}
	if err != nil {
		return nil, err
	}
	if err := g.confine(p); err != nil {
		return nil, err
	}
	return fi, nil
}

func (g guard) confine(p string) error {
	p = filepath.Clean(p)
	if p == g.root {
		return nil
	}
	target := p
	if !g.followSymlinks {
		// The leaf itself is never followed.
		target = filepath.Dir(p)
	}
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		return err
	}
	if !within(g.realRoot, real) {
		return errOutsideRoot
	}
	return nil
}

// statChild stats a directory entry whose parent already passed the guard.
// Only symlinks need resolving again.
func (g guard) statChild(dir string, e fs.DirEntry) (fs.FileInfo, error) {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.Info()
	}
	return g.stat(filepath.Join(dir, e.Name()))
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
