// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

// Package drinkup implements the drinkup-image transformation service:
// it resolves source images, applies a requested transformation chain,
// and serves encoded variants from a single-flight result cache.  For
// typical use of creating and running a Server, see
// cmd/drinkup-image/main.go.
package drinkup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URLError reports a malformed request URL.
type URLError struct {
	Message string
	URL     *url.URL
}

func (e URLError) Error() string {
	return fmt.Sprintf("malformed URL %q: %s", e.URL, e.Message)
}

// Options specifies the transformations to perform on a requested
// image.  Regardless of the order options appear in a request, they are
// applied in a fixed canonical order: crop, resize, rotate, then
// encoding.
type Options struct {
	// Width and Height are the requested dimensions in pixels.  Values
	// between 0 and 1 are interpreted as a percentage of the source
	// dimensions.
	Width  float64
	Height float64

	// Fit resizes to fit within the target box, preserving aspect
	// ratio without cropping.  When false and both dimensions are set,
	// the image is cropped and scaled to exactly match the box.
	Fit bool

	// Rotate image the specified degrees counter-clockwise.
	// Multiples of 90 are lossless.
	Rotate int

	FlipVertical   bool
	FlipHorizontal bool

	// Quality of the re-encoded image, 1-100.  Out-of-range values are
	// clamped.  Ignored by formats without a quality axis.
	Quality int

	// Format of the output image.  Empty means keep the source format.
	Format string

	// Crop rectangle.  Values between 0 and 1 are percentages of the
	// source dimensions.  The rectangle is clamped to the source
	// extent; a rectangle fully outside the source is an error.
	CropX      float64
	CropY      float64
	CropWidth  float64
	CropHeight float64

	// SmartCrop locates the crop rectangle by content analysis using
	// the target dimensions.  Overrides the explicit crop rectangle.
	SmartCrop bool

	// RemoveBackground clears edge-connected background pixels to
	// transparent and feathers the edges.
	RemoveBackground bool
}

var emptyOptions = Options{}

func (o Options) String() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%v%s%v", o.Width, optSizeDelimiter, o.Height)
	if o.CropHeight > 0 {
		fmt.Fprintf(buf, ",%s%v", optCropHeight, o.CropHeight)
	}
	if o.CropWidth > 0 {
		fmt.Fprintf(buf, ",%s%v", optCropWidth, o.CropWidth)
	}
	if o.CropX > 0 {
		fmt.Fprintf(buf, ",%s%v", optCropX, o.CropX)
	}
	if o.CropY > 0 {
		fmt.Fprintf(buf, ",%s%v", optCropY, o.CropY)
	}
	if o.FlipHorizontal {
		fmt.Fprintf(buf, ",%s", optFlipHorizontal)
	}
	if o.Fit {
		fmt.Fprintf(buf, ",%s", optFit)
	}
	if o.Format != "" {
		fmt.Fprintf(buf, ",%s", o.Format)
	}
	if o.FlipVertical {
		fmt.Fprintf(buf, ",%s", optFlipVertical)
	}
	if o.RemoveBackground {
		fmt.Fprintf(buf, ",%s", optRemoveBackground)
	}
	if o.Quality != 0 {
		fmt.Fprintf(buf, ",%s%d", optQualityPrefix, o.Quality)
	}
	if o.Rotate != 0 {
		fmt.Fprintf(buf, ",%s%d", optRotatePrefix, o.Rotate)
	}
	if o.SmartCrop {
		fmt.Fprintf(buf, ",%s", optSmartCrop)
	}
	return buf.String()
}

// transform returns whether any transformation would be performed.
func (o Options) transform() bool {
	return o.Width != 0 || o.Height != 0 || o.Rotate%360 != 0 ||
		o.FlipHorizontal || o.FlipVertical || o.Quality != 0 ||
		o.Format != "" || o.CropX != 0 || o.CropY != 0 ||
		o.CropWidth != 0 || o.CropHeight != 0 || o.RemoveBackground
}

// normalize returns the canonical form of o: semantically equivalent
// requests normalize to the same value.  Rotation is reduced to
// [0,360), quality is clamped to [1,100], and format aliases are
// folded.  This underpins variant key determinism.
func (o Options) normalize() Options {
	o.Rotate = ((o.Rotate % 360) + 360) % 360
	if o.Quality < 0 {
		o.Quality = 1
	} else if o.Quality > 100 {
		o.Quality = 100
	}
	o.Format = normalizeFormat(o.Format)
	if o.CropX < 0 {
		o.CropX = 0
	}
	if o.CropY < 0 {
		o.CropY = 0
	}
	if o.CropWidth < 0 {
		o.CropWidth = 0
	}
	if o.CropHeight < 0 {
		o.CropHeight = 0
	}
	return o
}

// normalizeFormat folds format aliases and unsupported targets: jpg is
// jpeg, and webp output falls back to png since webp is decode-only.
func normalizeFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "webp":
		return "png"
	}
	return format
}

const (
	optSizeDelimiter    = "x"
	optFit              = "fit"
	optFill             = "fill"
	optFlipVertical     = "fv"
	optFlipHorizontal   = "fh"
	optSmartCrop        = "sc"
	optRemoveBackground = "nobg"
	optRotatePrefix     = "r"
	optQualityPrefix    = "q"
	optCropX            = "cx"
	optCropY            = "cy"
	optCropWidth        = "cw"
	optCropHeight       = "ch"
)

// formats that may appear as a bare option token.
var optFormats = map[string]bool{
	"jpeg": true, "jpg": true, "png": true, "gif": true,
	"tiff": true, "bmp": true, "webp": true,
}

// ParseOptions parses str as a list of comma separated options.  Any
// unrecognized part is silently ignored so the option space is total
// over all inputs.
func ParseOptions(str string) Options {
	var options Options

	for _, opt := range strings.Split(str, ",") {
		switch {
		case len(opt) == 0:
			break
		case opt == optFit:
			options.Fit = true
		case opt == optFill:
			options.Fit = false
		case opt == optFlipVertical:
			options.FlipVertical = true
		case opt == optFlipHorizontal:
			options.FlipHorizontal = true
		case opt == optSmartCrop:
			options.SmartCrop = true
		case opt == optRemoveBackground:
			options.RemoveBackground = true
		case optFormats[opt]:
			options.Format = opt
		case strings.HasPrefix(opt, optCropX):
			value := strings.TrimPrefix(opt, optCropX)
			options.CropX, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropY):
			value := strings.TrimPrefix(opt, optCropY)
			options.CropY, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropWidth):
			value := strings.TrimPrefix(opt, optCropWidth)
			options.CropWidth, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropHeight):
			value := strings.TrimPrefix(opt, optCropHeight)
			options.CropHeight, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optRotatePrefix):
			value := strings.TrimPrefix(opt, optRotatePrefix)
			options.Rotate, _ = strconv.Atoi(value)
		case strings.HasPrefix(opt, optQualityPrefix):
			value := strings.TrimPrefix(opt, optQualityPrefix)
			options.Quality, _ = strconv.Atoi(value)
		case strings.Contains(opt, optSizeDelimiter):
			size := strings.SplitN(opt, optSizeDelimiter, 2)
			if w := size[0]; w != "" {
				options.Width, _ = strconv.ParseFloat(w, 64)
			}
			if h := size[1]; h != "" {
				options.Height, _ = strconv.ParseFloat(h, 64)
			}
		default:
			if size, err := strconv.ParseFloat(opt, 64); err == nil {
				options.Width = size
				options.Height = size
			}
		}
	}

	return options
}

// SourceKind identifies how a source image is located.
type SourceKind int

const (
	// SourceLocal identifies an image in the configured origin store.
	SourceLocal SourceKind = iota

	// SourceRemote identifies an image fetched over HTTP.
	SourceRemote

	// SourceInline identifies image bytes supplied directly in the
	// request, addressed by their content digest.
	SourceInline
)

// SourceRef identifies an origin image.  Immutable once constructed.
type SourceRef struct {
	Kind SourceKind

	// Path is the id within the origin store for local refs, or the
	// content digest for inline refs.
	Path string

	// URL of the image for remote refs.
	URL *url.URL
}

// Identity returns the stable identity string for the ref.  Two refs
// naming the same source always produce the same identity.
func (r SourceRef) Identity() string {
	switch r.Kind {
	case SourceRemote:
		return r.URL.String()
	case SourceInline:
		return "data:" + r.Path
	}
	return "local:" + r.Path
}

// ParseSourceRef parses s into a SourceRef.  Absolute http and https
// URLs are remote refs; anything else is an id in the local origin
// store.
func ParseSourceRef(s string) (SourceRef, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil {
			return SourceRef{}, fmt.Errorf("unable to parse remote URL: %w", err)
		}
		return SourceRef{Kind: SourceRemote, URL: u}, nil
	}
	if s == "" {
		return SourceRef{}, fmt.Errorf("empty source")
	}
	return SourceRef{Kind: SourceLocal, Path: s}, nil
}

// InlineSourceRef constructs a content-addressed ref for bytes supplied
// directly in a request.
func InlineSourceRef(b []byte) SourceRef {
	sum := sha256.Sum256(b)
	return SourceRef{Kind: SourceInline, Path: "sha256:" + hex.EncodeToString(sum[:])}
}

// Key builds the variant key for ref transformed with o.  It is pure
// and total: options are canonicalized first, so semantically equal
// requests always map to the same key.
func Key(ref SourceRef, o Options) string {
	sum := sha256.Sum256([]byte(ref.Identity() + "#" + o.normalize().String()))
	return hex.EncodeToString(sum[:])
}
