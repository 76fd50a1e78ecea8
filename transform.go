// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register webp decoder (decode only)
	"willnorris.com/go/gifresize"
)

const (
	// default quality of re-encoded jpegs
	defaultQuality = 95

	// DefaultMaxUpscale bounds how far an image may be scaled beyond
	// its source dimensions, per axis.
	DefaultMaxUpscale = 4.0
)

// resampling filter used when resizing images
var resampleFilter = imaging.Lanczos

// contentTypes maps encoded formats to their MIME type.
var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// Transformer applies transformation chains to encoded images within
// configured limits.  The zero value uses the package defaults.
type Transformer struct {
	// MaxUpscale is the maximum multiplier by which either dimension
	// may exceed the source.  Zero means DefaultMaxUpscale.
	MaxUpscale float64

	// Timeout is the wall-clock budget for a single transformation.
	// Zero means no budget.
	Timeout time.Duration
}

// Transform the provided image.  img should contain the raw bytes of an
// encoded image in a supported format; the format is detected from the
// byte signature, never from a filename.  Returns the encoded result
// and its content type.  Identical (img, canonical opt) pairs always
// produce byte-identical output.
func (t *Transformer) Transform(img []byte, opt Options) ([]byte, string, error) {
	opt = opt.normalize()

	// detect the source format before anything else so that even
	// no-op requests report a content type and reject junk input
	_, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, "", wrapKind(KindDecode, err)
	}

	outFormat := format
	if opt.Format != "" {
		outFormat = opt.Format
	}
	if _, ok := contentTypes[outFormat]; !ok || outFormat == "webp" {
		// webp has no encoder; normalize() already folded explicit
		// requests, this covers webp sources with no format option
		outFormat = "png"
	}
	// transparency from background removal would be lost in a
	// flattened format
	if opt.RemoveBackground && outFormat != "png" && outFormat != "gif" && opt.Format == "" {
		outFormat = "png"
	}

	if !opt.transform() {
		// bail before decoding the full payload; the source bytes are
		// served as-is under their own content type
		return img, contentTypes[format], nil
	}

	if t.Timeout <= 0 {
		out, err := t.transform(img, format, outFormat, opt)
		return out, contentTypes[outFormat], err
	}

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := t.transform(img, format, outFormat, opt)
		ch <- result{out, err}
	}()

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.out, contentTypes[outFormat], res.err
	case <-timer.C:
		return nil, "", errKind(KindTransformTimeout, "transformation exceeded %v budget", t.Timeout)
	}
}

func (t *Transformer) transform(img []byte, format, outFormat string, opt Options) ([]byte, error) {
	// animated gifs are transformed frame-wise as long as the output
	// stays gif
	if format == "gif" && outFormat == "gif" {
		if count, _ := gifFrameCount(img); count > 1 {
			// a frame failure fails the whole animation; passing the
			// frame through untouched would cache a bogus variant
			var frameErr error
			fn := func(m image.Image) image.Image {
				out, err := t.transformImage(m, opt)
				if err != nil {
					if frameErr == nil {
						frameErr = err
					}
					return m
				}
				return out
			}
			buf := new(bytes.Buffer)
			if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
				return nil, wrapKind(KindEncode, err)
			}
			if frameErr != nil {
				return nil, frameErr
			}
			return buf.Bytes(), nil
		}
	}

	m, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, wrapKind(KindDecode, err)
	}

	// EXIF orientation only applies when the stored orientation
	// survives into the transform, which is the case for jpeg and tiff
	if format == "jpeg" || format == "tiff" {
		exifOpt := exifOrientation(bytes.NewReader(img))
		if exifOpt.transform() {
			m, err = t.transformImage(m, exifOpt)
			if err != nil {
				return nil, err
			}
		}
	}

	m, err = t.transformImage(m, opt)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	switch outFormat {
	case "jpeg":
		quality := opt.Quality
		if quality == 0 {
			quality = defaultQuality
		}
		err = jpeg.Encode(buf, m, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(buf, m)
	case "gif":
		err = gif.Encode(buf, m, nil)
	case "bmp":
		err = bmp.Encode(buf, m)
	case "tiff":
		err = tiff.Encode(buf, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return nil, errKind(KindUnsupported, "unsupported output format %q", outFormat)
	}
	if err != nil {
		return nil, wrapKind(KindEncode, err)
	}
	return buf.Bytes(), nil
}

// evalFloat interpolates percentage values (0 < f < 1) against max and
// truncates everything else to an int.
func evalFloat(f float64, max int) int {
	if 0 < f && f < 1 {
		return int(float64(max) * f)
	}
	if f < 0 {
		return 0
	}
	return int(f)
}

// resizeParams determines the resize dimensions for m, and whether a
// resize is needed at all.
func resizeParams(m image.Image, opt Options) (w, h int) {
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()

	w = evalFloat(opt.Width, imgW)
	h = evalFloat(opt.Height, imgH)

	// keep aspect ratio when only one dimension is requested
	if w == 0 && h != 0 {
		w = int(math.Round(float64(imgW) * float64(h) / float64(imgH)))
	}
	if h == 0 && w != 0 {
		h = int(math.Round(float64(imgH) * float64(w) / float64(imgW)))
	}
	return w, h
}

// cropParams calculates the crop rectangle for the specified options,
// clamped to the extent of m.  Returns an error if the requested
// rectangle lies fully outside the image.
func cropParams(m image.Image, opt Options) (image.Rectangle, error) {
	if opt.CropX == 0 && opt.CropY == 0 && opt.CropWidth == 0 && opt.CropHeight == 0 {
		return m.Bounds(), nil
	}

	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()

	x0 := evalFloat(opt.CropX, imgW)
	y0 := evalFloat(opt.CropY, imgH)
	w := evalFloat(opt.CropWidth, imgW)
	h := evalFloat(opt.CropHeight, imgH)
	if w == 0 {
		w = imgW - x0
	}
	if h == 0 {
		h = imgH - y0
	}

	if x0 >= imgW || y0 >= imgH {
		return image.Rectangle{}, errKind(KindInvalidGeometry,
			"crop origin (%d,%d) outside %dx%d source", x0, y0, imgW, imgH)
	}

	x1 := x0 + w
	y1 := y0 + h
	if x1 > imgW {
		x1 = imgW
	}
	if y1 > imgH {
		y1 = imgH
	}

	return image.Rect(x0, y0, x1, y1), nil
}

// transformImage modifies the image m based on the transformations
// specified in opt, in canonical order: crop, resize, rotate, then
// background removal.
func (t *Transformer) transformImage(m image.Image, opt Options) (image.Image, error) {
	// crop
	if opt.SmartCrop {
		w, h := resizeParams(m, opt)
		if w > 0 && h > 0 {
			analyzer := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())
			if best, err := analyzer.FindBestCrop(m, w, h); err == nil {
				m = imaging.Crop(m, best)
			}
		}
	} else {
		rect, err := cropParams(m, opt)
		if err != nil {
			return nil, err
		}
		if !rect.Eq(m.Bounds()) {
			m = imaging.Crop(m, rect)
		}
	}

	// resize
	if w, h := resizeParams(m, opt); w != 0 || h != 0 {
		if err := t.checkUpscale(m, w, h); err != nil {
			return nil, err
		}
		if opt.Fit {
			m = imaging.Fit(m, w, h, resampleFilter)
		} else {
			m = imaging.Thumbnail(m, w, h, resampleFilter)
		}
	}

	// flip
	if opt.FlipVertical {
		m = imaging.FlipV(m)
	}
	if opt.FlipHorizontal {
		m = imaging.FlipH(m)
	}

	// rotate
	switch rotate := opt.normalize().Rotate; rotate {
	case 0:
	case 90:
		m = imaging.Rotate90(m)
	case 180:
		m = imaging.Rotate180(m)
	case 270:
		m = imaging.Rotate270(m)
	default:
		// arbitrary angles resample and expose corners; fill with
		// white when the target cannot carry alpha
		fill := color.Color(color.Transparent)
		if f := normalizeFormat(opt.Format); f == "jpeg" || f == "bmp" {
			fill = color.White
		}
		m = imaging.Rotate(m, float64(rotate), fill)
	}

	// background removal
	if opt.RemoveBackground {
		m = removeBackground(m)
	}

	return m, nil
}

// checkUpscale rejects resize targets beyond the configured upscale
// multiplier on either axis.
func (t *Transformer) checkUpscale(m image.Image, w, h int) error {
	max := t.MaxUpscale
	if max <= 0 {
		max = DefaultMaxUpscale
	}
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()
	if float64(w) > float64(imgW)*max || float64(h) > float64(imgH)*max {
		return errKind(KindUnsupported,
			"resize %dx%d exceeds %gx upscale limit of %dx%d source", w, h, max, imgW, imgH)
	}
	return nil
}

// gifFrameCount reports the number of frames in a gif payload.
func gifFrameCount(b []byte) (int, error) {
	g, err := gif.DecodeAll(bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	return len(g.Image), nil
}

// exifOrientation returns the transforms needed to undo the EXIF
// orientation stored in r, if any.
func exifOrientation(r io.Reader) Options {
	// the eight orientation values and the operations that undo them
	const (
		topLeftSide     = 1
		topRightSide    = 2
		bottomRightSide = 3
		bottomLeftSide  = 4
		leftSideTop     = 5
		rightSideTop    = 6
		rightSideBottom = 7
		leftSideBottom  = 8
	)

	ex, err := exif.Decode(r)
	if err != nil {
		return Options{}
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return Options{}
	}
	orient, err := tag.Int(0)
	if err != nil {
		return Options{}
	}

	var opt Options
	switch orient {
	case topLeftSide:
		// no transform needed
	case topRightSide:
		opt.FlipHorizontal = true
	case bottomRightSide:
		opt.Rotate = 180
	case bottomLeftSide:
		opt.FlipVertical = true
	case leftSideTop:
		opt.Rotate = 270
		opt.FlipVertical = true
	case rightSideTop:
		opt.Rotate = 270
	case rightSideBottom:
		opt.Rotate = 90
		opt.FlipVertical = true
	case leftSideBottom:
		opt.Rotate = 90
	}
	return opt
}

// cloneToNRGBA returns m as an NRGBA image, copying when necessary.
func cloneToNRGBA(m image.Image) *image.NRGBA {
	if n, ok := m.(*image.NRGBA); ok {
		return n
	}
	b := m.Bounds()
	n := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(n, n.Bounds(), m, b.Min, draw.Src)
	return n
}
