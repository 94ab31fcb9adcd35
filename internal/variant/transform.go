package variant

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Output is a rendered variant.
type Output struct {
	Data        []byte
	ContentType string
	Format      Format
	Width       int
	Height      int
}

// TransformOptions tunes a Transformer.
type TransformOptions struct {
	// AutoOrient rotates JPEG and TIFF sources upright from their EXIF tag.
	AutoOrient bool
	// KeepMetadata serves parameterless requests byte for byte instead of
	// stripping metadata.
	KeepMetadata bool
}

// Transformer renders variants. It holds no per-request state and is safe
// for concurrent use.
type Transformer struct {
	autoOrient   bool
	keepMetadata bool
}

func NewTransformer(opts TransformOptions) *Transformer {
	return &Transformer{autoOrient: opts.AutoOrient, keepMetadata: opts.KeepMetadata}
}

// Transform applies p to src. Images are never enlarged. Without any
// parameter the pixels are left untouched and only metadata is removed,
// unless the transformer keeps metadata.
func (t *Transformer) Transform(ctx context.Context, src []byte, p Params) (Output, error) {
	srcFormat, cfg, err := DetectFormat(src)
	if err != nil {
		return Output{}, err
	}
	target := srcFormat
	if p.Format != "" {
		target = p.Format
	}

	orient := 1
	if t.autoOrient && (srcFormat == FormatJPEG || srcFormat == FormatTIFF) {
		orient = orientation(src)
	}

	if p.IsZero() && orient == 1 {
		passthrough := Output{
			Data:        src,
			ContentType: ContentType(srcFormat),
			Format:      srcFormat,
			Width:       cfg.Width,
			Height:      cfg.Height,
		}
		if t.keepMetadata {
			return passthrough, nil
		}
		if data, ok, err := stripMetadata(src, srcFormat); err == nil && ok {
			passthrough.Data = data
			return passthrough, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	img, err := decode(src)
	if err != nil {
		return Output{}, err
	}
	img = applyOrientation(img, orient)
	img = resize(img, p)

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, img, target); err != nil {
		return Output{}, fmt.Errorf("encode %s: %w", target, err)
	}
	b := img.Bounds()
	return Output{
		Data:        buf.Bytes(),
		ContentType: ContentType(target),
		Format:      target,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// resize maps img onto the box described by p.
func resize(img image.Image, p Params) image.Image {
	if !p.Resizes() {
		return img
	}
	b := img.Bounds()
	sw, sh := float64(b.Dx()), float64(b.Dy())
	if sw == 0 || sh == 0 {
		return img
	}

	if p.Width == 0 || p.Height == 0 {
		s := float64(p.Width) / sw
		if p.Width == 0 {
			s = float64(p.Height) / sh
		}
		if s >= 1 {
			return img
		}
		return scaleTo(img, dim(sw*s), dim(sh*s))
	}

	tw, th := float64(p.Width), float64(p.Height)
	rw, rh := tw/sw, th/sh

	switch p.EffectiveFit() {
	case FitOutside:
		s := math.Max(rw, rh)
		if s >= 1 {
			return img
		}
		return scaleTo(img, dim(sw*s), dim(sh*s))

	case FitCover:
		if s := math.Max(rw, rh); s > 1 {
			tw, th = tw/s, th/s
		}
		w, h := dim(tw), dim(th)
		if w == b.Dx() && h == b.Dy() {
			return img
		}
		return imaging.Fill(img, w, h, imaging.Center, imaging.CatmullRom)

	case FitContain:
		if s := math.Max(rw, rh); s > 1 {
			tw, th = tw/s, th/s
			rw, rh = tw/sw, th/sh
		}
		s := math.Min(rw, rh)
		w, h := dim(tw), dim(th)
		iw, ih := dim(sw*s), dim(sh*s)
		canvas := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
		x, y := (w-iw)/2, (h-ih)/2
		draw.CatmullRom.Scale(canvas, image.Rect(x, y, x+iw, y+ih), img, b, draw.Over, nil)
		return canvas

	case FitFill:
		w, h := min(p.Width, b.Dx()), min(p.Height, b.Dy())
		if w == b.Dx() && h == b.Dy() {
			return img
		}
		return scaleTo(img, w, h)

	default: // inside
		s := math.Min(rw, rh)
		if s >= 1 {
			return img
		}
		return scaleTo(img, dim(sw*s), dim(sh*s))
	}
}

func scaleTo(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func dim(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	return n
}
