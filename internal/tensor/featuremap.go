package tensor

import "fmt"

// FeatureMap is a K x H x W float64 array of convolutional activations or their
// gradients.
type FeatureMap struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Data     []float64 `json:"data"`
}

// NewFeatureMap allocates a zeroed feature map.
func NewFeatureMap(channels, height, width int) *FeatureMap {
	return &FeatureMap{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float64, channels*height*width),
	}
}

// Channel returns the H*W plane of channel k. The slice aliases Data.
func (f *FeatureMap) Channel(k int) []float64 {
	n := f.Height * f.Width
	return f.Data[k*n : (k+1)*n]
}

// Shape returns the dimensions as [channels, height, width].
func (f *FeatureMap) Shape() [3]int {
	return [3]int{f.Channels, f.Height, f.Width}
}

// Validate checks that Data matches the declared shape.
func (f *FeatureMap) Validate() error {
	if f == nil {
		return fmt.Errorf("feature map is nil")
	}
	if f.Channels <= 0 || f.Height <= 0 || f.Width <= 0 {
		return fmt.Errorf("invalid feature map shape %v", f.Shape())
	}
	if len(f.Data) != f.Channels*f.Height*f.Width {
		return fmt.Errorf("feature map data length %d does not match shape %v", len(f.Data), f.Shape())
	}
	return nil
}

// SameShape reports whether f and other have identical dimensions.
func (f *FeatureMap) SameShape(other *FeatureMap) bool {
	return f.Shape() == other.Shape()
}
