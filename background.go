// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"image"
	"image/color"
	"math"
)

const (
	// background pixels are those within this Euclidean RGB distance
	// of the detected background color
	backgroundTolerance = 30.0

	// radius of the alpha feather applied along mask edges
	backgroundEdgeBlur = 2

	// side length of the corner regions sampled when detecting the
	// background color
	backgroundSampleSize = 5
)

// removeBackground clears edge-connected background pixels of m to
// transparent.  The background color is estimated from the four image
// corners, a foreground mask is built by color distance and flood fill
// from the edges, and mask edges are feathered so cutouts don't alias.
func removeBackground(m image.Image) image.Image {
	src := cloneToNRGBA(m)
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	if w == 0 || h == 0 {
		return src
	}

	bg := detectBackgroundColor(src)
	mask := backgroundMask(src, bg)

	out := image.NewNRGBA(src.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(x, y)
			if !mask.at(x, y) {
				c.A = 0
			} else {
				c.A = uint8(float64(c.A) * edgeAlpha(mask, x, y))
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// detectBackgroundColor averages the pixels of the four corner regions.
func detectBackgroundColor(m *image.NRGBA) color.NRGBA {
	w := m.Bounds().Dx()
	h := m.Bounds().Dy()

	sample := backgroundSampleSize
	if s := w / 4; s < sample {
		sample = s
	}
	if s := h / 4; s < sample {
		sample = s
	}
	if sample < 1 {
		sample = 1
	}

	var r, g, b, n float64
	add := func(x0, y0 int) {
		for y := y0; y < y0+sample; y++ {
			for x := x0; x < x0+sample; x++ {
				c := m.NRGBAAt(x, y)
				r += float64(c.R)
				g += float64(c.G)
				b += float64(c.B)
				n++
			}
		}
	}
	add(0, 0)
	add(w-sample, 0)
	add(0, h-sample)
	add(w-sample, h-sample)

	return color.NRGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(b / n), A: 255}
}

// bitmask is a per-pixel foreground mask.
type bitmask struct {
	w, h int
	fg   []bool
}

func newBitmask(w, h int) *bitmask {
	return &bitmask{w: w, h: h, fg: make([]bool, w*h)}
}

func (b *bitmask) at(x, y int) bool { return b.fg[y*b.w+x] }
func (b *bitmask) set(x, y int, v bool) { b.fg[y*b.w+x] = v }

// backgroundMask marks pixels as foreground unless they match the
// background color and connect to an image edge.  Matching pixels in
// the interior (say, a white logo on a bottle) stay foreground.
func backgroundMask(m *image.NRGBA, bg color.NRGBA) *bitmask {
	w := m.Bounds().Dx()
	h := m.Bounds().Dy()

	mask := newBitmask(w, h)
	similar := newBitmask(w, h) // pixels within tolerance of bg
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mask.set(x, y, true)
			if colorDistance(m.NRGBAAt(x, y), bg) <= backgroundTolerance {
				similar.set(x, y, true)
			}
		}
	}

	// flood fill inward from every edge pixel that matches the
	// background; iterative with an explicit stack to bound recursion
	var stack [][2]int
	visited := newBitmask(w, h)
	push := func(x, y int) {
		if !visited.at(x, y) && similar.at(x, y) {
			stack = append(stack, [2]int{x, y})
		}
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]
		if visited.at(x, y) || !similar.at(x, y) {
			continue
		}
		visited.set(x, y, true)
		mask.set(x, y, false)

		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return mask
}

// edgeAlpha feathers mask edges: a foreground pixel's alpha is scaled
// by the share of foreground in its neighborhood.
func edgeAlpha(mask *bitmask, x, y int) float64 {
	background := 0
	total := 0
	for dy := -backgroundEdgeBlur; dy <= backgroundEdgeBlur; dy++ {
		for dx := -backgroundEdgeBlur; dx <= backgroundEdgeBlur; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || nx >= mask.w || ny < 0 || ny >= mask.h {
				continue
			}
			total++
			if !mask.at(nx, ny) {
				background++
			}
		}
	}
	if total == 0 {
		return 1
	}
	alpha := 1 - float64(background)/float64(total)
	if alpha < 0 {
		return 0
	}
	return alpha
}

func colorDistance(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}
