// Package compare is the snapshot diff engine: a byte-identical fast
// path, then a perceptual YIQ pixel diff with anti-aliasing detection.
package compare

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/snapvrt/snapvrt/internal/errext"
)

// padColor fills the canvas where a smaller image was padded out to
// the common size. Magenta is never produced by real content, so the
// size delta is unmissable in the diff overlay.
var padColor = color.RGBA{R: 255, G: 0, B: 255, A: 255}

// Dimensions records a reference/current size mismatch.
type Dimensions struct {
	RefW, RefH uint32
	CurW, CurH uint32
}

// Result of a two-phase comparison.
type Result struct {
	IsMatch    bool
	DiffPixels uint64
	// TotalPixels is zero on the byte-identical fast path (nothing was
	// decoded).
	TotalPixels uint64
	Score       float64
	// DiffImage is nil when the images matched byte-for-byte.
	DiffImage *image.RGBA
	// DimensionMismatch is set when the images had different sizes.
	DimensionMismatch *Dimensions
}

// Compare runs the two-phase diff. Phase 1 is a raw byte compare —
// identical files never pay for decoding. Phase 2 decodes both PNGs,
// pads to a common canvas on dimension mismatch (never resamples:
// resampling would defeat pixel-exactness), and runs the perceptual
// diff.
//
// CPU-bound; callers must keep it off the capture workers.
func Compare(referencePNG, currentPNG []byte) (*Result, error) {
	if bytes.Equal(referencePNG, currentPNG) {
		return &Result{IsMatch: true}, nil
	}

	ref, err := decodeRGBA(referencePNG)
	if err != nil {
		return nil, errext.Wrap(errext.Decode, err, "decode reference PNG")
	}
	cur, err := decodeRGBA(currentPNG)
	if err != nil {
		return nil, errext.Wrap(errext.Decode, err, "decode current PNG")
	}

	var mismatch *Dimensions
	if ref.Rect.Dx() != cur.Rect.Dx() || ref.Rect.Dy() != cur.Rect.Dy() {
		mismatch = &Dimensions{
			RefW: uint32(ref.Rect.Dx()), RefH: uint32(ref.Rect.Dy()),
			CurW: uint32(cur.Rect.Dx()), CurH: uint32(cur.Rect.Dy()),
		}
		w := max(ref.Rect.Dx(), cur.Rect.Dx())
		h := max(ref.Rect.Dy(), cur.Rect.Dy())
		ref = padTo(ref, w, h)
		cur = padTo(cur, w, h)
	}

	total := uint64(ref.Rect.Dx()) * uint64(ref.Rect.Dy())
	out := image.NewRGBA(image.Rect(0, 0, ref.Rect.Dx(), ref.Rect.Dy()))
	diff := pixelmatch(ref, cur, out)

	// Repaint the padded area in the pad color so the size delta reads
	// as "content missing here" rather than ordinary pixel churn.
	if m := mismatch; m != nil {
		w := out.Rect.Dx()
		h := out.Rect.Dy()
		innerW := int(min(m.RefW, m.CurW))
		innerH := int(min(m.RefH, m.CurH))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if x >= innerW || y >= innerH {
					setRGBA(out, x, y, padColor.R, padColor.G, padColor.B, padColor.A)
				}
			}
		}
	}

	score := 0.0
	if total > 0 {
		score = float64(diff) / float64(total)
	}
	return &Result{
		IsMatch:           diff == 0,
		DiffPixels:        diff,
		TotalPixels:       total,
		Score:             score,
		DiffImage:         out,
		DimensionMismatch: mismatch,
	}, nil
}

func decodeRGBA(data []byte) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// padTo pastes src top-left onto a magenta canvas of w x h.
func padTo(src *image.RGBA, w, h int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)
	draw.Draw(canvas, src.Bounds().Sub(src.Bounds().Min), src, src.Bounds().Min, draw.Src)
	return canvas
}

// EncodePNG serializes a diff image for the store.
func EncodePNG(img *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errext.Wrap(errext.Io, err, "encode diff PNG")
	}
	return buf.Bytes(), nil
}

// StatusKind is the outcome class for one snapshot.
type StatusKind int

const (
	Pass StatusKind = iota
	Fail
	New
	Error
)

// Status is one snapshot's published outcome.
type Status struct {
	Kind       StatusKind
	DiffPixels uint64
	// Score in [0, 1]; set on Fail, where it is strictly greater than
	// the run threshold.
	Score             float64
	DimensionMismatch *Dimensions
	// ErrKind and Message are set on Error.
	ErrKind errext.Kind
	Message string
}
