package imaging

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/ironsheep/rbc-morphology-mcp/internal/geometry"
)

// newSolidImage creates an in-memory image filled with one color.
func newSolidImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// newGradientImage creates an image where every pixel encodes its coordinates,
// so crops can be checked for exact placement.
func newGradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

func originalBox(x1, y1, x2, y2 float64) geometry.Box {
	return geometry.Box{X1: x1, Y1: y1, X2: x2, Y2: y2, Space: geometry.OriginalSpace}
}

func TestCropCell_Centered(t *testing.T) {
	img := newGradientImage(200, 200)

	crop, err := CropCell(img, originalBox(50, 50, 70, 70), DefaultCellSize)
	if err != nil {
		t.Fatalf("CropCell failed: %v", err)
	}

	if crop.OriginX != 20 || crop.OriginY != 20 {
		t.Errorf("origin: got (%d,%d), want (20,20)", crop.OriginX, crop.OriginY)
	}
	if crop.Clean.Bounds().Dx() != 80 || crop.Clean.Bounds().Dy() != 80 {
		t.Errorf("clean size: got %v, want 80x80", crop.Clean.Bounds())
	}

	// local (0,0) is source (20,20)
	c := crop.Clean.NRGBAAt(0, 0)
	if c.R != 20 || c.G != 20 {
		t.Errorf("clean(0,0): got (%d,%d), want (20,20)", c.R, c.G)
	}
}

func TestCropCell_Clamping(t *testing.T) {
	img := newGradientImage(200, 150)

	tests := []struct {
		name         string
		box          geometry.Box
		wantX, wantY int
	}{
		{"top-left corner", originalBox(0, 0, 10, 10), 0, 0},
		{"bottom-right corner", originalBox(180, 130, 198, 148), 120, 70},
		{"right edge only", originalBox(190, 60, 199, 80), 120, 30},
		{"fractional corners", originalBox(100.9, 50.2, 121.7, 75.9), 70, 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, err := CropCell(img, tt.box, DefaultCellSize)
			if err != nil {
				t.Fatalf("CropCell failed: %v", err)
			}
			if crop.OriginX != tt.wantX || crop.OriginY != tt.wantY {
				t.Errorf("origin: got (%d,%d), want (%d,%d)", crop.OriginX, crop.OriginY, tt.wantX, tt.wantY)
			}
			b := crop.Clean.Bounds()
			if b.Dx() != DefaultCellSize || b.Dy() != DefaultCellSize {
				t.Errorf("size: got %dx%d, want 80x80", b.Dx(), b.Dy())
			}
		})
	}
}

func TestCropCell_SmallImagePadded(t *testing.T) {
	img := newSolidImage(50, 40, color.RGBA{200, 100, 50, 255})

	crop, err := CropCell(img, originalBox(10, 10, 30, 30), DefaultCellSize)
	if err != nil {
		t.Fatalf("CropCell failed: %v", err)
	}

	if crop.Clean.Bounds().Dx() != 80 || crop.Clean.Bounds().Dy() != 80 {
		t.Fatalf("size: got %v, want 80x80", crop.Clean.Bounds())
	}
	if got := crop.Clean.NRGBAAt(10, 10); got.R != 200 || got.G != 100 || got.B != 50 {
		t.Errorf("inside source: got %v, want (200,100,50)", got)
	}
	if got := crop.Clean.NRGBAAt(70, 70); got.R != 0 || got.G != 0 || got.B != 0 || got.A != 255 {
		t.Errorf("padding: got %v, want opaque black", got)
	}
}

func TestCropCell_Annotated(t *testing.T) {
	bg := color.RGBA{0, 0, 255, 255}
	img := newSolidImage(200, 200, bg)

	crop, err := CropCell(img, originalBox(50, 50, 70, 70), DefaultCellSize)
	if err != nil {
		t.Fatalf("CropCell failed: %v", err)
	}

	// box corner (50,50) lands at local (30,30); line is 2 pixels wide
	for _, p := range []image.Point{{30, 30}, {31, 31}, {50, 30}, {30, 50}, {40, 31}} {
		got := crop.Annotated.NRGBAAt(p.X, p.Y)
		if got != BoxColor {
			t.Errorf("annotated%v: got %v, want box color", p, got)
		}
	}

	// interior and clean crop are untouched
	if got := crop.Annotated.NRGBAAt(40, 40); got.B != 255 || got.R != 0 {
		t.Errorf("annotated interior: got %v, want background", got)
	}
	if got := crop.Clean.NRGBAAt(30, 30); got.B != 255 || got.R != 0 {
		t.Errorf("clean at outline: got %v, want background", got)
	}
}

func TestCropCell_Deterministic(t *testing.T) {
	img := newGradientImage(300, 240)
	box := originalBox(120.4, 88.8, 151.2, 119.9)

	first, err := CropCell(img, box, DefaultCellSize)
	if err != nil {
		t.Fatalf("CropCell failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		again, err := CropCell(img, box, DefaultCellSize)
		if err != nil {
			t.Fatalf("CropCell failed: %v", err)
		}
		if !bytes.Equal(first.Clean.Pix, again.Clean.Pix) {
			t.Fatal("clean crops differ between calls")
		}
		if !bytes.Equal(first.Annotated.Pix, again.Annotated.Pix) {
			t.Fatal("annotated crops differ between calls")
		}
		if first.OriginX != again.OriginX || first.OriginY != again.OriginY {
			t.Fatal("origins differ between calls")
		}
	}
}

func TestCropCell_DoesNotModifySource(t *testing.T) {
	img := newSolidImage(120, 120, color.RGBA{10, 20, 30, 255})
	before := append([]byte(nil), img.Pix...)

	if _, err := CropCell(img, originalBox(40, 40, 80, 80), DefaultCellSize); err != nil {
		t.Fatalf("CropCell failed: %v", err)
	}
	if !bytes.Equal(before, img.Pix) {
		t.Error("CropCell modified the source image")
	}
}

func TestCropCell_InvalidInput(t *testing.T) {
	img := newSolidImage(100, 100, color.White)

	tests := []struct {
		name string
		box  geometry.Box
		size int
	}{
		{"zero size", originalBox(10, 10, 20, 20), 0},
		{"inverted box", originalBox(20, 20, 10, 10), 80},
		{"empty box", originalBox(10, 10, 10, 20), 80},
		{"inference space", geometry.Box{X1: 1, Y1: 1, X2: 5, Y2: 5, Space: geometry.InferenceSpace}, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CropCell(img, tt.box, tt.size); err == nil {
				t.Error("CropCell should fail")
			}
		})
	}
}

func TestCropOrigin(t *testing.T) {
	tests := []struct {
		mid, size, extent, want int
	}{
		{100, 80, 1000, 60},
		{10, 80, 1000, 0},
		{990, 80, 1000, 920},
		{30, 80, 50, 0},
	}
	for _, tt := range tests {
		if got := cropOrigin(tt.mid, tt.size, tt.extent); got != tt.want {
			t.Errorf("cropOrigin(%d,%d,%d): got %d, want %d", tt.mid, tt.size, tt.extent, got, tt.want)
		}
	}
}
