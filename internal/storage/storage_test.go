package storage

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

var testMtime = time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)

type zipMember struct {
	name    string
	data    string
	legacy  bool // store name as Shift_JIS bytes without the UTF-8 flag
	modTime time.Time
}

func writeZip(t *testing.T, dir, name string, members []zipMember) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, m := range members {
		h := &zip.FileHeader{Name: m.name, Method: zip.Deflate, Modified: testMtime}
		if !m.modTime.IsZero() {
			h.Modified = m.modTime
		}
		if m.legacy {
			raw, err := japanese.ShiftJIS.NewEncoder().String(m.name)
			require.NoError(t, err)
			h.Name = raw
			h.NonUTF8 = true
		}
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = w.Write([]byte(m.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestLocalStatFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o644))
	l := NewLocal(dir, true)
	ctx := context.Background()

	md, err := l.StatFile(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, int64(5), md.Size)
	assert.True(t, md.Regular)

	_, err = l.StatFile(ctx, dir)
	assert.Equal(t, KindNotFound, KindOf(err), "directory is not a file")

	_, err = l.StatFile(ctx, filepath.Join(dir, "missing.png"))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = l.StatFile(ctx, filepath.Join(file, "below-a-file"))
	assert.Equal(t, KindNotFound, KindOf(err))

	b, err := l.Read(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(b))
}

func TestLocalListDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("xy"), 0o644))
	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "broken.jpg")))
	}

	ents, err := NewLocal(dir, true).ListDir(context.Background(), dir)
	require.NoError(t, err)

	byName := map[string]DirEntry{}
	for _, e := range ents {
		byName[e.Name] = e
	}
	assert.NotContains(t, byName, ".git")
	assert.NotContains(t, byName, ".env")
	assert.True(t, byName["sub"].Meta.IsDir)
	assert.Equal(t, int64(2), byName["report.pdf"].Meta.Size)
	if runtime.GOOS != "windows" {
		assert.Error(t, byName["broken.jpg"].Err)
		assert.True(t, IsNotFound(byName["broken.jpg"].Err))
	}

	_, err = NewLocal(dir, true).ListDir(context.Background(), filepath.Join(dir, "nope"))
	assert.Equal(t, KindNotFound, KindOf(err))
	_, err = NewLocal(dir, true).ListDir(context.Background(), filepath.Join(dir, "img.png"))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestLocalNoFollowSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "real.png")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(dir, "link.png")
	require.NoError(t, os.Symlink(target, link))

	_, err := NewLocal(dir, false).StatFile(context.Background(), link)
	assert.True(t, IsNotFound(err))
	_, err = NewLocal(dir, false).Read(context.Background(), link)
	assert.True(t, IsNotFound(err))

	_, err = NewLocal(dir, true).StatFile(context.Background(), link)
	assert.NoError(t, err)
}

func TestSymlinksStayInsideRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.png"), []byte("secret"), 0o644))
	outZip := writeZip(t, outside, "x.zip", []zipMember{{name: "a.png", data: "a"}})
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.png"), []byte("real"), 0o644))

	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.png"), filepath.Join(root, "escape.png")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escdir")))
	require.NoError(t, os.Symlink(outZip, filepath.Join(root, "escape.zip")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.png"), filepath.Join(root, "inside.png")))

	l := NewLocal(root, true)
	ctx := context.Background()

	_, err := l.StatFile(ctx, filepath.Join(root, "escape.png"))
	assert.Equal(t, KindDenied, KindOf(err))
	assert.True(t, IsNotFound(err))
	_, err = l.Read(ctx, filepath.Join(root, "escape.png"))
	assert.True(t, IsNotFound(err))
	_, err = l.Read(ctx, filepath.Join(root, "escdir", "secret.png"))
	assert.True(t, IsNotFound(err))
	_, err = l.ListDir(ctx, filepath.Join(root, "escdir"))
	assert.Equal(t, KindDenied, KindOf(err))

	b, err := l.Read(ctx, filepath.Join(root, "inside.png"))
	require.NoError(t, err)
	assert.Equal(t, "real", string(b))

	ents, err := l.ListDir(ctx, root)
	require.NoError(t, err)
	byName := map[string]DirEntry{}
	for _, e := range ents {
		byName[e.Name] = e
	}
	assert.True(t, IsNotFound(byName["escape.png"].Err))
	assert.True(t, IsNotFound(byName["escdir"].Err))
	assert.NoError(t, byName["inside.png"].Err)
	assert.True(t, byName["inside.png"].Meta.Regular)

	enc, _ := LookupEncoding("utf-8")
	_, err = NewArchives(root, true).OpenEntry(ctx, filepath.Join(root, "escape.zip"), "a.png", enc)
	assert.Equal(t, KindDenied, KindOf(err))
}

func TestLookupEncoding(t *testing.T) {
	for _, name := range []string{"cp932", "CP932", "shift_jis", "windows-31j", "gbk", "big5", "euc-kr", "utf-8", "cp437"} {
		t.Run(name, func(t *testing.T) {
			enc, err := LookupEncoding(name)
			require.NoError(t, err)
			assert.NotNil(t, enc)
		})
	}
	enc, err := LookupEncoding("utf8")
	require.NoError(t, err)
	assert.Equal(t, unicode.UTF8, enc)

	_, err = LookupEncoding("klingon")
	assert.Error(t, err)
	_, err = LookupEncoding("")
	assert.Error(t, err)
}

func TestArchiveOpenEntry(t *testing.T) {
	dir := t.TempDir()
	p := writeZip(t, dir, "b.zip", []zipMember{
		{name: "inner/", data: ""},
		{name: "inner/pic.png", data: "png-bytes"},
		{name: "写真/猫.jpg", data: "cat", legacy: true},
		{name: "utf8/犬.jpg", data: "dog"},
		{name: "__top.gif", data: "gif"},
	})
	enc, err := LookupEncoding("cp932")
	require.NoError(t, err)
	a := NewArchives(dir, true)
	ctx := context.Background()

	tests := []struct {
		key  string
		data string
	}{
		{"inner/pic.png", "png-bytes"},
		{"写真/猫.jpg", "cat"},
		{"utf8/犬.jpg", "dog"},
		{"__top.gif", "gif"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			e, err := a.OpenEntry(ctx, p, tt.key, enc)
			require.NoError(t, err)
			defer e.Close()
			assert.Equal(t, int64(len(tt.data)), e.Size)
			assert.Equal(t, testMtime.Unix(), e.Modified.Unix())
			b, err := e.ReadAll()
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(b))
		})
	}

	for _, key := range []string{"", "inner", "missing.png", "inner/pic.PNG"} {
		_, err := a.OpenEntry(ctx, p, key, enc)
		assert.True(t, IsNotFound(err), "key %q", key)
	}
}

func TestArchiveUniformNotFound(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(corrupt, []byte("definitely not a zip"), 0o644))
	enc, _ := LookupEncoding("cp932")
	a := NewArchives(dir, true)
	ctx := context.Background()

	_, err := a.OpenEntry(ctx, filepath.Join(dir, "missing.zip"), "x.png", enc)
	assert.True(t, IsNotFound(err))
	_, err = a.OpenEntry(ctx, corrupt, "x.png", enc)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, KindCorrupt, KindOf(err))
	_, err = a.OpenEntry(ctx, dir, "x.png", enc)
	assert.True(t, IsNotFound(err))
	_, err = a.ListEntries(ctx, corrupt, "", enc)
	assert.True(t, IsNotFound(err))
}

func TestArchiveListEntries(t *testing.T) {
	dir := t.TempDir()
	later := testMtime.Add(time.Hour)
	p := writeZip(t, dir, "b.zip", []zipMember{
		{name: "a.png", data: "aaaa"},
		{name: "explicit/", modTime: later},
		{name: "explicit/one.jpg", data: "1"},
		{name: "implicit/deep/two.jpg", data: "22"},
		{name: "写真/猫.jpg", data: "cat", legacy: true},
		{name: ".DS_Store", data: "junk"},
		{name: "../evil.png", data: "evil"},
	})
	enc, _ := LookupEncoding("cp932")
	a := NewArchives(dir, true)
	ctx := context.Background()

	root, err := a.ListEntries(ctx, p, "", enc)
	require.NoError(t, err)
	names := make([]string, 0, len(root))
	for _, e := range root {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.png", "explicit", "implicit", "写真"}, names)
	assert.Equal(t, int64(4), root[0].Size)
	assert.True(t, root[1].IsDir)
	assert.Equal(t, later.Unix(), root[1].Modified.Unix())
	assert.True(t, root[2].IsDir)
	assert.True(t, root[2].Modified.IsZero())

	sub, err := a.ListEntries(ctx, p, "implicit", enc)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, EntryInfo{Name: "deep", IsDir: true}, sub[0])

	jp, err := a.ListEntries(ctx, p, "写真", enc)
	require.NoError(t, err)
	require.Len(t, jp, 1)
	assert.Equal(t, "猫.jpg", jp[0].Name)

	again, err := a.ListEntries(ctx, p, "", enc)
	require.NoError(t, err)
	assert.Equal(t, root, again)

	_, err = a.ListEntries(ctx, p, "missing", enc)
	assert.True(t, IsNotFound(err))
	_, err = a.ListEntries(ctx, p, "a.png", enc)
	assert.True(t, IsNotFound(err))
}

func TestArchiveContextCanceled(t *testing.T) {
	dir := t.TempDir()
	p := writeZip(t, dir, "b.zip", []zipMember{{name: "a.png", data: "a"}})
	enc, _ := LookupEncoding("utf-8")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewArchives(dir, true).OpenEntry(ctx, p, "a.png", enc)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestErrorKinds(t *testing.T) {
	err := wrapFS("stat", "/x", os.ErrPermission)
	assert.Equal(t, KindDenied, KindOf(err))
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, os.ErrPermission)

	err = wrapFS("stat", "/x", errors.New("disk on fire"))
	assert.Equal(t, KindOther, KindOf(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "disk on fire")

	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
	assert.Equal(t, "not_found", KindNotFound.String())
}
