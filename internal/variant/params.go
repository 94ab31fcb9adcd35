// Package variant turns a source image and a set of request parameters into a
// derived image: parameter parsing, resizing, re-encoding, metadata stripping
// and cache-validation tokens.
package variant

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// MaxDimension is the largest accepted width or height.
const MaxDimension = 4000

// Fit selects how an image is mapped onto a width x height box.
type Fit string

const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"
	FitFill    Fit = "fill"
	FitInside  Fit = "inside"
	FitOutside Fit = "outside"
)

// Fits lists the accepted fit modes in the order they are reported.
var Fits = []Fit{FitCover, FitContain, FitFill, FitInside, FitOutside}

// Format is an output (or detected source) image format.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatGIF  Format = "gif"
	FormatTIFF Format = "tiff"
)

// OutputFormats are the formats a client may request.
var OutputFormats = []Format{FormatPNG, FormatJPEG, FormatWebP, FormatAVIF}

// ValidationError is a client error in the request parameters.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Params are validated transform parameters. Zero values mean absent.
type Params struct {
	Width  int
	Height int
	Fit    Fit
	Format Format
}

// Resizes reports whether a box dimension was requested.
func (p Params) Resizes() bool { return p.Width > 0 || p.Height > 0 }

// EffectiveFit is the fit mode applied when resizing.
func (p Params) EffectiveFit() Fit {
	if p.Fit == "" {
		return FitInside
	}
	return p.Fit
}

// IsZero reports whether no parameter affects the output.
func (p Params) IsZero() bool { return !p.Resizes() && p.Format == "" }

type canonicalParams struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Fit    Fit    `json:"fit,omitempty"`
	Format Format `json:"format,omitempty"`
}

// Canonical returns the request parameters as JSON with a fixed key order, or
// nil when there are none. The fit mode is filled in with its default when a
// dimension is set; an explicit fit without dimensions is kept as given.
func (p Params) Canonical() []byte {
	if p.IsZero() && p.Fit == "" {
		return nil
	}
	c := canonicalParams{Width: p.Width, Height: p.Height, Format: p.Format}
	if p.Resizes() || p.Fit != "" {
		c.Fit = p.EffectiveFit()
	}
	b, err := json.Marshal(c)
	if err != nil {
		// Only ints and plain strings are marshalled.
		panic(err)
	}
	return b
}

// ParseParams validates width, height, fit and format from a query.
// Empty values are treated as absent.
func ParseParams(q url.Values) (Params, error) {
	var p Params

	w, okW := parseDimension(q.Get("width"))
	h, okH := parseDimension(q.Get("height"))
	if !okW || !okH {
		return Params{}, &ValidationError{Message: "Invalid width/height parameters. Valid range is 1-" + strconv.Itoa(MaxDimension)}
	}
	p.Width, p.Height = w, h

	if v := q.Get("fit"); v != "" {
		f, ok := lookup(Fits, v)
		if !ok {
			return Params{}, &ValidationError{Message: "Invalid fit parameter. Valid values are: " + join(Fits)}
		}
		p.Fit = f
	}
	if v := q.Get("format"); v != "" {
		f, ok := lookup(OutputFormats, v)
		if !ok {
			return Params{}, &ValidationError{Message: "Invalid format parameter. Valid values are: " + join(OutputFormats)}
		}
		p.Format = f
	}
	return p, nil
}

// parseDimension returns 0, true for an absent value.
func parseDimension(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxDimension {
		return 0, false
	}
	return n, true
}

func lookup[T ~string](allowed []T, v string) (T, bool) {
	for _, a := range allowed {
		if string(a) == v {
			return a, true
		}
	}
	return "", false
}

func join[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
