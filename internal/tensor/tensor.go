package tensor

import (
	"fmt"
	"image"
)

// Tensor is a dense float32 array in channel, height, width order.
type Tensor struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Data     []float32 `json:"data"`
}

// New allocates a zeroed tensor.
func New(channels, height, width int) *Tensor {
	return &Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

// Set stores v at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.Height+y)*t.Width+x] = v
}

// Shape returns the dimensions as [channels, height, width].
func (t *Tensor) Shape() [3]int {
	return [3]int{t.Channels, t.Height, t.Width}
}

// Validate checks that Data matches the declared shape.
func (t *Tensor) Validate() error {
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("invalid tensor shape %v", t.Shape())
	}
	if len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape())
	}
	return nil
}

// Normalization is a per-channel (v - Mean) / Std transform applied after scaling
// 8-bit samples to [0, 1].
type Normalization struct {
	Mean [3]float32 `json:"mean"`
	Std  [3]float32 `json:"std"`
}

// Identity leaves [0, 1] samples unchanged.
var Identity = Normalization{Std: [3]float32{1, 1, 1}}

// FromImage converts the RGB channels of img into a 3 x H x W tensor. img must
// have its bounds anchored at (0,0).
func FromImage(img *image.NRGBA, norm Normalization) (*Tensor, error) {
	for i, s := range norm.Std {
		if s == 0 {
			return nil, fmt.Errorf("normalization std for channel %d is zero", i)
		}
	}

	b := img.Bounds()
	t := New(3, b.Dy(), b.Dx())
	for y := 0; y < t.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < t.Width; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				t.Set(c, y, x, (v-norm.Mean[c])/norm.Std[c])
			}
		}
	}
	return t, nil
}
