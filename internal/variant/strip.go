package variant

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
	pngstructure "github.com/dsoprea/go-png-image-structure/v2"
)

var errMalformed = errors.New("malformed container")

// stripMetadata removes metadata from src without touching pixel data.
// ok is false when the format has no lossless path and must be re-encoded.
func stripMetadata(src []byte, f Format) (out []byte, ok bool, err error) {
	switch f {
	case FormatJPEG:
		out, err = stripJPEG(src)
	case FormatPNG:
		out, err = stripPNG(src)
	case FormatWebP:
		out, err = stripWebP(src)
	case FormatGIF:
		out, err = stripGIF(src)
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// The structure parsers report some failures by panicking.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", errMalformed, r)
	}
}

// stripJPEG drops APP1-APP13, APP15 and COM segments. APP0 (JFIF) and APP14
// (Adobe color transform) affect decoding and are kept.
func stripJPEG(src []byte) (out []byte, err error) {
	defer recoverMalformed(&err)

	mc, err := jpegstructure.NewJpegMediaParser().ParseBytes(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	sl, ok := mc.(*jpegstructure.SegmentList)
	if !ok {
		return nil, errMalformed
	}

	var (
		kept []*jpegstructure.Segment
		scan bool
	)
	for _, seg := range sl.Segments() {
		if seg.MarkerId == 0xDA {
			scan = true
		}
		if !dropJPEGMarker(seg.MarkerId) {
			kept = append(kept, seg)
		}
	}
	if !scan {
		return nil, errMalformed
	}

	var buf bytes.Buffer
	buf.Grow(len(src))
	if err := jpegstructure.NewSegmentList(kept).Write(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return buf.Bytes(), nil
}

func dropJPEGMarker(m byte) bool {
	switch {
	case m == 0xFE:
		return true
	case m >= 0xE1 && m <= 0xED, m == 0xEF:
		return true
	}
	return false
}

var pngDropChunks = map[string]bool{
	"tEXt": true, "zTXt": true, "iTXt": true,
	"eXIf": true, "iCCP": true, "tIME": true,
}

func stripPNG(src []byte) (out []byte, err error) {
	defer recoverMalformed(&err)

	mc, err := pngstructure.NewPngMediaParser().ParseBytes(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	cs, ok := mc.(*pngstructure.ChunkSlice)
	if !ok {
		return nil, errMalformed
	}

	var kept []*pngstructure.Chunk
	for _, c := range cs.Chunks() {
		if !pngDropChunks[c.Type] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 || kept[len(kept)-1].Type != "IEND" {
		return nil, errMalformed
	}

	var buf bytes.Buffer
	buf.Grow(len(src))
	if err := pngstructure.NewChunkSlice(kept).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return buf.Bytes(), nil
}

const (
	vp8xFlagICC  = 0x20
	vp8xFlagEXIF = 0x08
	vp8xFlagXMP  = 0x04
)

func stripWebP(src []byte) ([]byte, error) {
	if len(src) < 12 || string(src[0:4]) != "RIFF" || string(src[8:12]) != "WEBP" {
		return nil, errMalformed
	}
	riffEnd := 8 + int(binary.LittleEndian.Uint32(src[4:]))
	if riffEnd > len(src) || riffEnd < 12 {
		return nil, errMalformed
	}
	out := make([]byte, 12, len(src))
	copy(out, src[:12])
	vp8x := -1
	i := 12
	for i < riffEnd {
		if i+8 > riffEnd {
			return nil, errMalformed
		}
		fourcc := string(src[i : i+4])
		n := int(binary.LittleEndian.Uint32(src[i+4:]))
		end := i + 8 + n + n&1
		if n < 0 || end > riffEnd || end < i {
			// Tolerate a missing pad byte on the final chunk.
			if n >= 0 && i+8+n == riffEnd {
				end = riffEnd
			} else {
				return nil, errMalformed
			}
		}
		switch fourcc {
		case "EXIF", "XMP ", "ICCP":
		default:
			if fourcc == "VP8X" && n >= 1 {
				vp8x = len(out) + 8
			}
			out = append(out, src[i:end]...)
		}
		i = end
	}
	if vp8x >= 0 {
		out[vp8x] &^= vp8xFlagICC | vp8xFlagEXIF | vp8xFlagXMP
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(len(out)-8))
	return out, nil
}

// GIF application extensions that drive animation and are kept.
var gifKeepApps = map[string]bool{
	"NETSCAPE2.0": true,
	"ANIMEXTS1.0": true,
}

// stripGIF drops comment extensions and application extensions other than
// the animation loop blocks. Frames and their control blocks are copied as is.
func stripGIF(src []byte) ([]byte, error) {
	if len(src) < 13 || (string(src[:6]) != "GIF87a" && string(src[:6]) != "GIF89a") {
		return nil, errMalformed
	}
	i := 13
	if src[10]&0x80 != 0 {
		i += 3 << (src[10]&0x07 + 1)
	}
	if i > len(src) {
		return nil, errMalformed
	}
	out := make([]byte, 0, len(src))
	out = append(out, src[:i]...)

	for i < len(src) {
		switch src[i] {
		case 0x3B: // trailer
			return append(out, 0x3B), nil

		case 0x21: // extension
			if i+2 > len(src) {
				return nil, errMalformed
			}
			end, err := gifSubBlocks(src, i+2)
			if err != nil {
				return nil, err
			}
			if !dropGIFExtension(src[i+1], src[i+2:end]) {
				out = append(out, src[i:end]...)
			}
			i = end

		case 0x2C: // image descriptor
			j := i + 10
			if j > len(src) {
				return nil, errMalformed
			}
			if src[i+9]&0x80 != 0 {
				j += 3 << (src[i+9]&0x07 + 1)
			}
			j++ // LZW minimum code size
			if j > len(src) {
				return nil, errMalformed
			}
			end, err := gifSubBlocks(src, j)
			if err != nil {
				return nil, err
			}
			out = append(out, src[i:end]...)
			i = end

		default:
			return nil, errMalformed
		}
	}
	return nil, errMalformed
}

// gifSubBlocks returns the offset just past the sub-block chain starting at i.
func gifSubBlocks(src []byte, i int) (int, error) {
	for {
		if i >= len(src) {
			return 0, errMalformed
		}
		n := int(src[i])
		i++
		if n == 0 {
			return i, nil
		}
		i += n
	}
}

func dropGIFExtension(label byte, body []byte) bool {
	switch label {
	case 0xFE: // comment
		return true
	case 0xFF: // application
		if len(body) >= 12 && body[0] == 11 && gifKeepApps[string(body[1:12])] {
			return false
		}
		return true
	}
	return false
}
