package explain

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/blend"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

// OverlayOpacity is the heatmap's weight when blended over the crop.
const OverlayOpacity = 0.5

// Explanation is the saliency output for one cell.
type Explanation struct {
	// Heatmap is the normalized map at the crop's resolution.
	Heatmap *Heatmap `json:"-"`

	// Overlay is the crop with the colored heatmap blended on top.
	Overlay *image.NRGBA `json:"-"`
}

// Explain computes Grad-CAM for a capture and renders it over crop.
//
// activations and gradients must come from the same forward and backward pass
// of the predicted class; they are not cached between calls.
//
// Algorithm:
//  1. Weight each channel by the spatial mean of its gradients.
//  2. Sum the weighted activation channels and clamp negatives to zero.
//  3. Normalize to [0, 1] by min and max. A constant map becomes all zeros.
//  4. Upsample bilinearly to the crop size and apply a 5x5 Gaussian blur.
//  5. Color with the JET scale and blend over crop at OverlayOpacity.
//
// # Errors
//
// Returns an error when either map is missing or invalid, when their shapes
// differ, or when crop is empty.
func Explain(crop image.Image, activations, gradients *tensor.FeatureMap) (*Explanation, error) {
	cam, err := GradCAM(activations, gradients)
	if err != nil {
		return nil, err
	}
	return Overlay(crop, cam)
}

// Overlay upsamples cam to the crop size, blurs and colors it, and blends it over
// crop.
func Overlay(crop image.Image, cam *Heatmap) (*Explanation, error) {
	bounds := crop.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("cannot overlay an empty crop")
	}
	if cam.Width <= 0 || cam.Height <= 0 || len(cam.Values) != cam.Width*cam.Height {
		return nil, fmt.Errorf("invalid heatmap %dx%d with %d values", cam.Width, cam.Height, len(cam.Values))
	}

	heat := GaussianBlur(Resize(cam, bounds.Dx(), bounds.Dy()))
	colored := Colorize(heat)

	base := imaging.Clone(crop)
	blended := blend.Opacity(base, colored, OverlayOpacity)

	return &Explanation{
		Heatmap: heat,
		Overlay: imaging.Clone(blended),
	}, nil
}

// Resize scales h to width x height with bilinear interpolation. Sample
// positions use pixel centers, so a constant map stays constant.
func Resize(h *Heatmap, width, height int) *Heatmap {
	out := &Heatmap{Width: width, Height: height, Values: make([]float64, width*height)}
	sx := float64(h.Width) / float64(width)
	sy := float64(h.Height) / float64(height)

	for y := 0; y < height; y++ {
		fy := clampFloat((float64(y)+0.5)*sy-0.5, 0, float64(h.Height-1))
		y0 := int(fy)
		y1 := min(y0+1, h.Height-1)
		ty := fy - float64(y0)
		for x := 0; x < width; x++ {
			fx := clampFloat((float64(x)+0.5)*sx-0.5, 0, float64(h.Width-1))
			x0 := int(fx)
			x1 := min(x0+1, h.Width-1)
			tx := fx - float64(x0)

			top := h.At(x0, y0)*(1-tx) + h.At(x1, y0)*tx
			bottom := h.At(x0, y1)*(1-tx) + h.At(x1, y1)*tx
			out.Values[y*width+x] = top*(1-ty) + bottom*ty
		}
	}
	return out
}

// GaussianBlur smooths h with a 5x5 Gaussian kernel. Borders replicate the edge
// values.
//
// Kernel (sum 273):
//
//	1  4  7  4  1
//	4 16 26 16  4
//	7 26 41 26  7
//	4 16 26 16  4
//	1  4  7  4  1
func GaussianBlur(h *Heatmap) *Heatmap {
	kernel := [5][5]float64{
		{1, 4, 7, 4, 1},
		{4, 16, 26, 16, 4},
		{7, 26, 41, 26, 7},
		{4, 16, 26, 16, 4},
		{1, 4, 7, 4, 1},
	}
	const kernelSum = 273.0

	out := &Heatmap{Width: h.Width, Height: h.Height, Values: make([]float64, len(h.Values))}
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			var sum float64
			for ky := -2; ky <= 2; ky++ {
				py := clampInt(y+ky, 0, h.Height-1)
				for kx := -2; kx <= 2; kx++ {
					px := clampInt(x+kx, 0, h.Width-1)
					sum += h.At(px, py) * kernel[ky+2][kx+2]
				}
			}
			out.Values[y*h.Width+x] = sum / kernelSum
		}
	}
	return out
}

// jet holds the JET colormap keypoints from cold to hot.
var jet = []struct {
	color colorful.Color
	pos   float64
}{
	{mustParseHex("#00007f"), 0.0},
	{mustParseHex("#0000ff"), 0.125},
	{mustParseHex("#00ffff"), 0.375},
	{mustParseHex("#ffff00"), 0.625},
	{mustParseHex("#ff0000"), 0.875},
	{mustParseHex("#7f0000"), 1.0},
}

// JET maps t in [0, 1] to the JET colormap. Values outside are clamped.
func JET(t float64) color.NRGBA {
	t = clampFloat(t, 0, 1)
	for i := 0; i < len(jet)-1; i++ {
		c1, c2 := jet[i], jet[i+1]
		if c1.pos <= t && t <= c2.pos {
			f := (t - c1.pos) / (c2.pos - c1.pos)
			r, g, b := c1.color.BlendRgb(c2.color, f).Clamped().RGB255()
			return color.NRGBA{R: r, G: g, B: b, A: 255}
		}
	}
	r, g, b := jet[len(jet)-1].color.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// Colorize renders h with the JET colormap.
func Colorize(h *Heatmap) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, h.Width, h.Height))
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			img.SetNRGBA(x, y, JET(h.At(x, y)))
		}
	}
	return img
}

func mustParseHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic("mustParseHex: " + err.Error())
	}
	return c
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
