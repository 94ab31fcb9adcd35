package gallery

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/text/encoding/japanese"

	"imgserver/internal/fsutil"
	"imgserver/internal/storage"
	"imgserver/internal/variant"
)

var fixtureTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), nil))
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	return buf.Bytes()
}

func writeFile(t *testing.T, root, rel string, data []byte, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

type member struct {
	name   string
	data   []byte
	legacy bool
}

func writeArchive(t *testing.T, root, rel string, members []member) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		h := &zip.FileHeader{Name: m.name, Method: zip.Deflate, Modified: fixtureTime}
		if m.legacy {
			raw, err := japanese.ShiftJIS.NewEncoder().String(m.name)
			require.NoError(t, err)
			h.Name, h.NonUTF8 = raw, true
		}
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = w.Write(m.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	writeFile(t, root, rel, buf.Bytes(), fixtureTime)
}

// fixture lays out:
//
//	photo.jpg              2000x1000
//	small.png              40x20
//	broken.jpg             not an image
//	img2.png, img10.png    for numeric ordering
//	notes.txt
//	.secret.jpg            hidden
//	albums/                directory
//	albums/cat.jpg
//	b.zip                  inner/pic.png, 写真/猫.jpg (Shift_JIS), top.png
//	bad.zip                not a zip
func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "photo.jpg", encodeJPEG(t, 2000, 1000), fixtureTime)
	writeFile(t, root, "small.png", encodePNG(t, 40, 20), fixtureTime.Add(2*time.Hour))
	writeFile(t, root, "broken.jpg", []byte("this is not a jpeg"), fixtureTime)
	writeFile(t, root, "img2.png", encodePNG(t, 2, 2), fixtureTime)
	writeFile(t, root, "img10.png", encodePNG(t, 10, 10), fixtureTime)
	writeFile(t, root, "notes.txt", []byte("hello"), fixtureTime.Add(time.Hour))
	writeFile(t, root, ".secret.jpg", encodeJPEG(t, 4, 4), fixtureTime)
	writeFile(t, root, "albums/cat.jpg", encodeJPEG(t, 30, 30), fixtureTime)
	writeArchive(t, root, "b.zip", []member{
		{name: "inner/pic.png", data: encodePNG(t, 64, 32)},
		{name: "写真/猫.jpg", data: encodeJPEG(t, 16, 16), legacy: true},
		{name: "top.png", data: encodePNG(t, 8, 8)},
	})
	writeFile(t, root, "bad.zip", []byte("garbage"), fixtureTime)
	return root
}

func newServices(t *testing.T, root string, maxTransforms int) (*VariantService, *ListingService) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	resolver := fsutil.NewResolver(root, logger)
	local := storage.NewLocal(root, true)
	archives := storage.NewArchives(root, true)
	vs := NewVariantService(resolver, local, archives, variant.NewTransformer(variant.TransformOptions{AutoOrient: true}),
		VariantOptions{DefaultEncoding: "cp932", MaxConcurrentTransforms: maxTransforms}, logger)
	ls := NewListingService(resolver, local, archives, ListingOptions{
		DefaultEncoding:   "cp932",
		ImageExtensions:   []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif"},
		ArchiveExtensions: []string{".zip"},
	}, logger)
	return vs, ls
}
