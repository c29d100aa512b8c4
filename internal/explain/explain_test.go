package explain

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/ironsheep/rbc-morphology-mcp/internal/tensor"
)

func featureMap(channels, height, width int, values ...float64) *tensor.FeatureMap {
	fm := tensor.NewFeatureMap(channels, height, width)
	copy(fm.Data, values)
	return fm
}

func assertValues(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGradCAM(t *testing.T) {
	act := featureMap(2, 2, 2,
		1, 2, 3, 4,
		4, 3, 2, 1)
	grad := featureMap(2, 2, 2,
		1, 1, 1, 1,
		0.5, 0.5, 0.5, 0.5)

	cam, err := GradCAM(act, grad)
	if err != nil {
		t.Fatalf("GradCAM failed: %v", err)
	}
	if cam.Width != 2 || cam.Height != 2 {
		t.Errorf("size: got %dx%d, want 2x2", cam.Width, cam.Height)
	}
	// weighted sum 3, 3.5, 4, 4.5
	assertValues(t, cam.Values, []float64{0, 1.0 / 3, 2.0 / 3, 1})
}

func TestGradCAM_ChannelWeightsAreSpatialMeans(t *testing.T) {
	act := featureMap(2, 1, 2,
		1, 0,
		0, 1)
	// channel 0 mean gradient 1, channel 1 mean gradient -1
	grad := featureMap(2, 1, 2,
		3, -1,
		-1, -1)

	cam, err := GradCAM(act, grad)
	if err != nil {
		t.Fatalf("GradCAM failed: %v", err)
	}
	// raw 1, -1; relu 1, 0
	assertValues(t, cam.Values, []float64{1, 0})
}

func TestGradCAM_ConstantMapIsZero(t *testing.T) {
	tests := []struct {
		name string
		act  *tensor.FeatureMap
		grad *tensor.FeatureMap
	}{
		{"uniform activations", featureMap(1, 2, 2, 5, 5, 5, 5), featureMap(1, 2, 2, 1, 1, 1, 1)},
		{"all negative before relu", featureMap(1, 2, 2, 1, 2, 3, 4), featureMap(1, 2, 2, -1, -1, -1, -1)},
		{"zero gradients", featureMap(1, 2, 2, 1, 2, 3, 4), featureMap(1, 2, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, err := GradCAM(tt.act, tt.grad)
			if err != nil {
				t.Fatalf("GradCAM failed: %v", err)
			}
			for i, v := range cam.Values {
				if v != 0 || math.IsNaN(v) {
					t.Errorf("value %d: got %v, want 0", i, v)
				}
			}
		})
	}
}

func TestGradCAM_Errors(t *testing.T) {
	tests := []struct {
		name string
		act  *tensor.FeatureMap
		grad *tensor.FeatureMap
	}{
		{"shape mismatch", tensor.NewFeatureMap(2, 7, 7), tensor.NewFeatureMap(2, 7, 6)},
		{"channel mismatch", tensor.NewFeatureMap(2, 7, 7), tensor.NewFeatureMap(3, 7, 7)},
		{"nil gradients", tensor.NewFeatureMap(1, 2, 2), nil},
		{"nil activations", nil, tensor.NewFeatureMap(1, 2, 2)},
		{"truncated data", &tensor.FeatureMap{Channels: 1, Height: 2, Width: 2, Data: []float64{1}}, tensor.NewFeatureMap(1, 2, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GradCAM(tt.act, tt.grad); err == nil {
				t.Error("GradCAM should fail")
			}
		})
	}
}

func TestResize(t *testing.T) {
	h := &Heatmap{Width: 2, Height: 1, Values: []float64{0, 1}}
	out := Resize(h, 4, 1)
	assertValues(t, out.Values, []float64{0, 0.25, 0.75, 1})

	constant := &Heatmap{Width: 3, Height: 3, Values: []float64{0.4, 0.4, 0.4, 0.4, 0.4, 0.4, 0.4, 0.4, 0.4}}
	up := Resize(constant, 80, 80)
	for i, v := range up.Values {
		if math.Abs(v-0.4) > 1e-12 {
			t.Fatalf("value %d: got %v, want 0.4", i, v)
		}
	}
}

func TestGaussianBlur(t *testing.T) {
	impulse := &Heatmap{Width: 9, Height: 9, Values: make([]float64, 81)}
	impulse.Values[4*9+4] = 1

	out := GaussianBlur(impulse)
	if got := out.At(4, 4); math.Abs(got-41.0/273) > 1e-12 {
		t.Errorf("center: got %v, want 41/273", got)
	}
	if got := out.At(2, 2); math.Abs(got-1.0/273) > 1e-12 {
		t.Errorf("corner of kernel: got %v, want 1/273", got)
	}
	if got := out.At(1, 1); got != 0 {
		t.Errorf("outside kernel: got %v, want 0", got)
	}

	var sum float64
	for _, v := range out.Values {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("blur should preserve mass away from borders: got %v", sum)
	}
}

func TestJET(t *testing.T) {
	tests := []struct {
		t    float64
		want color.NRGBA
	}{
		{0, color.NRGBA{0, 0, 127, 255}},
		{-3, color.NRGBA{0, 0, 127, 255}},
		{0.125, color.NRGBA{0, 0, 255, 255}},
		{0.5, color.NRGBA{128, 255, 128, 255}},
		{0.875, color.NRGBA{255, 0, 0, 255}},
		{1, color.NRGBA{127, 0, 0, 255}},
		{7, color.NRGBA{127, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := JET(tt.t); got != tt.want {
			t.Errorf("JET(%v): got %v, want %v", tt.t, got, tt.want)
		}
	}
}

func createInMemoryImage(width, height int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d <= tol && d >= -tol
}

func TestOverlay(t *testing.T) {
	crop := createInMemoryImage(80, 80, color.NRGBA{100, 100, 100, 255})

	exp, err := Explain(crop, featureMap(1, 7, 7), featureMap(1, 7, 7))
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if exp.Overlay.Bounds() != image.Rect(0, 0, 80, 80) {
		t.Fatalf("overlay bounds: got %v", exp.Overlay.Bounds())
	}
	if exp.Heatmap.Width != 80 || exp.Heatmap.Height != 80 {
		t.Errorf("heatmap size: got %dx%d", exp.Heatmap.Width, exp.Heatmap.Height)
	}

	// zero saliency renders as JET(0) blended half and half
	got := exp.Overlay.NRGBAAt(40, 40)
	if !near(got.R, 50, 2) || !near(got.G, 50, 2) || !near(got.B, 113, 2) || got.A != 255 {
		t.Errorf("overlay pixel: got %v, want about (50,50,113)", got)
	}
}

func TestOverlay_HotSpotFollowsActivation(t *testing.T) {
	crop := createInMemoryImage(70, 70, color.NRGBA{200, 200, 200, 255})
	act := tensor.NewFeatureMap(1, 7, 7)
	act.Data[3*7+3] = 1
	grad := featureMap(1, 7, 7)
	for i := range grad.Data {
		grad.Data[i] = 1
	}

	exp, err := Explain(crop, act, grad)
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if exp.Heatmap.At(35, 35) <= exp.Heatmap.At(5, 5) {
		t.Errorf("center heat %v should exceed corner heat %v", exp.Heatmap.At(35, 35), exp.Heatmap.At(5, 5))
	}
	center := exp.Overlay.NRGBAAt(35, 35)
	corner := exp.Overlay.NRGBAAt(5, 5)
	if center.R <= corner.R {
		t.Errorf("center should be redder than corner: %v vs %v", center, corner)
	}
}

func TestOverlay_Errors(t *testing.T) {
	crop := createInMemoryImage(10, 10, color.White)
	if _, err := Overlay(crop, &Heatmap{Width: 2, Height: 2, Values: []float64{1}}); err == nil {
		t.Error("Overlay should reject a malformed heatmap")
	}
	if _, err := Overlay(image.NewNRGBA(image.Rectangle{}), &Heatmap{Width: 1, Height: 1, Values: []float64{1}}); err == nil {
		t.Error("Overlay should reject an empty crop")
	}
}
