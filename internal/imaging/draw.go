package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// DrawBox outlines r on img with the given line width.
//
// Both corners are inclusive and the line grows inward from the rectangle's edge.
// Pixels outside img are skipped.
func DrawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, width int) {
	r = r.Canon()
	for t := 0; t < width; t++ {
		top, bottom := r.Min.Y+t, r.Max.Y-t
		left, right := r.Min.X+t, r.Max.X-t
		if top > bottom || left > right {
			return
		}
		for x := left; x <= right; x++ {
			img.SetNRGBA(x, top, c)
			img.SetNRGBA(x, bottom, c)
		}
		for y := top; y <= bottom; y++ {
			img.SetNRGBA(left, y, c)
			img.SetNRGBA(right, y, c)
		}
	}
}

// LabeledBox is a rectangle drawn on the detection overview with its cell number.
type LabeledBox struct {
	Rect   image.Rectangle
	Number int
}

// DrawOverview returns a copy of img with every box outlined and numbered.
//
// The source image is not modified.
func DrawOverview(img image.Image, boxes []LabeledBox) *image.NRGBA {
	out := imaging.Clone(img)
	labelFG := color.NRGBA{255, 255, 255, 255}
	labelBG := color.NRGBA{0, 0, 0, 180}

	for _, b := range boxes {
		DrawBox(out, b.Rect, BoxColor, BoxLineWidth)
		if b.Number > 0 {
			drawLabel(out, b.Rect.Min.X+BoxLineWidth+1, b.Rect.Min.Y+BoxLineWidth+1,
				fmt.Sprintf("%d", b.Number), labelFG, labelBG)
		}
	}
	return out
}

// drawLabel draws text at (x, y) with a tiny 3x5 pixel font. Only digits and
// commas have glyphs; other runes leave a gap.
func drawLabel(img *image.NRGBA, x, y int, text string, fg, bg color.NRGBA) {
	glyphs := map[rune][]string{
		'0': {"111", "101", "101", "101", "111"},
		'1': {"010", "110", "010", "010", "111"},
		'2': {"111", "001", "111", "100", "111"},
		'3': {"111", "001", "111", "001", "111"},
		'4': {"101", "101", "111", "001", "001"},
		'5': {"111", "100", "111", "001", "111"},
		'6': {"111", "100", "111", "101", "111"},
		'7': {"111", "001", "001", "001", "001"},
		'8': {"111", "101", "111", "101", "111"},
		'9': {"111", "101", "111", "001", "111"},
		',': {"000", "000", "000", "010", "010"},
	}

	charWidth := 4
	labelWidth := len(text) * charWidth
	labelHeight := 7

	for dy := -1; dy < labelHeight; dy++ {
		for dx := -1; dx < labelWidth; dx++ {
			blendPixel(img, x+dx, y+dy, bg)
		}
	}

	cx := x
	for _, ch := range text {
		glyph, ok := glyphs[ch]
		if !ok {
			cx += charWidth
			continue
		}
		for row, line := range glyph {
			for col, pixel := range line {
				if pixel == '1' {
					img.SetNRGBA(cx+col, y+row, fg)
				}
			}
		}
		cx += charWidth
	}
}

// blendPixel composites c over the pixel at (x, y), keeping the destination opaque.
func blendPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if !(image.Point{X: x, Y: y}.In(img.Bounds())) {
		return
	}
	dst := img.NRGBAAt(x, y)
	a := uint32(c.A)
	mix := func(s, d uint8) uint8 {
		return uint8((uint32(s)*a + uint32(d)*(255-a)) / 255)
	}
	img.SetNRGBA(x, y, color.NRGBA{
		R: mix(c.R, dst.R),
		G: mix(c.G, dst.G),
		B: mix(c.B, dst.B),
		A: 255,
	})
}
