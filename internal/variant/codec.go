package variant

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"golang.org/x/image/tiff"

	// decoders
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when the source is not an image in a supported
// format.
var ErrUndecodable = errors.New("undecodable image")

const (
	jpegQuality = 80
	webpQuality = 80
	avifQuality = 50
)

var contentTypes = map[Format]string{
	FormatPNG:  "image/png",
	FormatJPEG: "image/jpeg",
	FormatWebP: "image/webp",
	FormatAVIF: "image/avif",
	FormatGIF:  "image/gif",
	FormatTIFF: "image/tiff",
}

// ContentType maps a format to its MIME type, or "" when unknown.
func ContentType(f Format) string { return contentTypes[f] }

// DetectFormat reads just enough of src to name its format and size.
func DetectFormat(src []byte) (Format, image.Config, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return "", image.Config{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	f := Format(name)
	if _, ok := contentTypes[f]; !ok {
		return "", image.Config{}, fmt.Errorf("%w: format %q", ErrUndecodable, name)
	}
	return f, cfg, nil
}

func decode(src []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, nil
}

func encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case FormatGIF:
		return gif.Encode(w, img, nil)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Quality: webpQuality, Method: 4})
	case FormatAVIF:
		return avif.Encode(w, img, avif.Options{
			Quality:           avifQuality,
			QualityAlpha:      avifQuality,
			Speed:             8,
			ChromaSubsampling: image.YCbCrSubsampleRatio420,
		})
	default:
		return fmt.Errorf("no encoder for %q", f)
	}
}
