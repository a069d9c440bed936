package compare

import "image"

// maxYIQDelta is the largest possible pixel delta in YIQ space.
const maxYIQDelta = 35215.0

// perPixelThreshold matches pixelmatch's default sensitivity (0.1).
const perPixelThreshold = 0.1

// diffAlpha dims the unchanged background in the diff image.
const diffAlpha = 0.1

// pixelmatch compares two same-sized RGBA images in YIQ color space,
// painting differing pixels red and everything else as dimmed
// grayscale into out. Pixels that differ only because of anti-aliasing
// are classified by probing for local luminance extrema near edges and
// are not counted. Returns the count of genuinely differing pixels.
func pixelmatch(a, b *image.RGBA, out *image.RGBA) uint64 {
	w := a.Rect.Dx()
	h := a.Rect.Dy()
	maxDelta := maxYIQDelta * perPixelThreshold * perPixelThreshold

	var diff uint64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			delta := colorDelta(a, b, x, y, x, y, false)
			if abs(delta) > maxDelta {
				if antialiased(a, x, y, b) || antialiased(b, x, y, a) {
					drawGray(a, out, x, y)
					continue
				}
				setRGBA(out, x, y, 255, 0, 0, 255)
				diff++
			} else {
				drawGray(a, out, x, y)
			}
		}
	}
	return diff
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func rgbaAt(img *image.RGBA, x, y int) (float64, float64, float64, float64) {
	i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	p := img.Pix[i : i+4 : i+4]
	return float64(p[0]), float64(p[1]), float64(p[2]), float64(p[3])
}

func setRGBA(img *image.RGBA, x, y int, r, g, b, a uint8) {
	i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	p := img.Pix[i : i+4 : i+4]
	p[0], p[1], p[2], p[3] = r, g, b, a
}

// blendWhite composites a semi-transparent channel value onto white.
func blendWhite(c, a float64) float64 {
	return 255 + (c-255)*a
}

func rgb2y(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgb2i(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgb2q(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }

// colorDelta measures the perceptual distance between two pixels,
// weighting luma above chroma. With yOnly it returns the brightness
// delta alone (used by the anti-aliasing probes).
func colorDelta(imgA, imgB *image.RGBA, xa, ya, xb, yb int, yOnly bool) float64 {
	r1, g1, b1, a1 := rgbaAt(imgA, xa, ya)
	r2, g2, b2, a2 := rgbaAt(imgB, xb, yb)

	if a1 == a2 && r1 == r2 && g1 == g2 && b1 == b2 {
		return 0
	}

	if a1 < 255 {
		a1 /= 255
		r1, g1, b1 = blendWhite(r1, a1), blendWhite(g1, a1), blendWhite(b1, a1)
	}
	if a2 < 255 {
		a2 /= 255
		r2, g2, b2 = blendWhite(r2, a2), blendWhite(g2, a2), blendWhite(b2, a2)
	}

	yd := rgb2y(r1, g1, b1) - rgb2y(r2, g2, b2)
	if yOnly {
		return yd
	}

	id := rgb2i(r1, g1, b1) - rgb2i(r2, g2, b2)
	qd := rgb2q(r1, g1, b1) - rgb2q(r2, g2, b2)
	delta := 0.5053*yd*yd + 0.299*id*id + 0.1957*qd*qd

	if yd > 0 {
		return -delta // darker pixels report negative, matching pixelmatch
	}
	return delta
}

// antialiased reports whether the pixel at (x1, y1) in img is likely an
// anti-aliasing artifact: it must sit between a local darkest and
// brightest neighbor, and that extremum must have many identical
// siblings in both images (i.e. lie on a real edge rather than noise).
func antialiased(img *image.RGBA, x1, y1 int, other *image.RGBA) bool {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, w-1)
	y2 := min(y1+1, h-1)

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}
	var minDelta, maxDelta float64
	var minX, minY, maxX, maxY int

	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			delta := colorDelta(img, img, x1, y1, x, y, true)
			switch {
			case delta == 0:
				zeroes++
				if zeroes > 2 {
					return false
				}
			case delta < minDelta:
				minDelta, minX, minY = delta, x, y
			case delta > maxDelta:
				maxDelta, maxX, maxY = delta, x, y
			}
		}
	}

	// No both-darker-and-brighter neighbors: not an edge.
	if minDelta == 0 || maxDelta == 0 {
		return false
	}

	return (hasManySiblings(img, minX, minY) && hasManySiblings(other, minX, minY)) ||
		(hasManySiblings(img, maxX, maxY) && hasManySiblings(other, maxX, maxY))
}

// hasManySiblings reports whether a pixel has more than two adjacent
// pixels of exactly its own color. On the image border two are enough.
func hasManySiblings(img *image.RGBA, x1, y1 int) bool {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	x0 := max(x1-1, 0)
	y0 := max(y1-1, 0)
	x2 := min(x1+1, w-1)
	y2 := min(y1+1, h-1)

	zeroes := 0
	if x1 == x0 || x1 == x2 || y1 == y0 || y1 == y2 {
		zeroes = 1
	}
	r1, g1, b1, a1 := rgbaAt(img, x1, y1)
	for x := x0; x <= x2; x++ {
		for y := y0; y <= y2; y++ {
			if x == x1 && y == y1 {
				continue
			}
			r2, g2, b2, a2 := rgbaAt(img, x, y)
			if r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2 {
				zeroes++
			}
			if zeroes > 2 {
				return true
			}
		}
	}
	return false
}

// drawGray writes the source pixel as dimmed grayscale into out.
func drawGray(src, out *image.RGBA, x, y int) {
	r, g, b, a := rgbaAt(src, x, y)
	v := blendWhite(rgb2y(r, g, b), diffAlpha*a/255)
	c := uint8(v)
	setRGBA(out, x, y, c, c, c, 255)
}
