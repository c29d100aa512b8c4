package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/image/tiff"
)

// writeTestImage encodes img into dir/name and returns the path.
func writeTestImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer f.Close()

	switch filepath.Ext(name) {
	case ".tif", ".tiff":
		err = tiff.Encode(f, img, nil)
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return path
}

func TestImageCache_Load(t *testing.T) {
	cache := NewImageCache()
	imgPath := writeTestImage(t, t.TempDir(), "smear.png", newSolidImage(100, 80, color.RGBA{255, 0, 0, 255}))

	img1, err := cache.Load(imgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img1.Bounds().Dx() != 100 || img1.Bounds().Dy() != 80 {
		t.Errorf("unexpected dimensions: got %v, want 100x80", img1.Bounds())
	}
	if got := img1.NRGBAAt(5, 5); got.R != 255 || got.G != 0 || got.A != 255 {
		t.Errorf("pixel: got %v, want opaque red", got)
	}

	// Second load should return cached image
	img2, err := cache.Load(imgPath)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if img1 != img2 {
		t.Error("second Load did not return cached image")
	}
	if cache.Len() != 1 {
		t.Errorf("Len: got %d, want 1", cache.Len())
	}
}

func TestImageCache_Load_TIFF(t *testing.T) {
	cache := NewImageCache()
	src := image.NewRGBA64(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.SetRGBA64(x, y, color.RGBA64{R: 0xffff, G: 0x8080, B: 0, A: 0xffff})
		}
	}
	imgPath := writeTestImage(t, t.TempDir(), "smear.tiff", src)

	img, err := cache.Load(imgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Errorf("unexpected dimensions: got %v, want 40x30", img.Bounds())
	}
	if got := img.NRGBAAt(0, 0); got.R != 255 || got.G != 128 {
		t.Errorf("pixel: got %v, want (255,128,0)", got)
	}
}

func TestImageCache_Load_NonExistent(t *testing.T) {
	cache := NewImageCache()
	if _, err := cache.Load("/nonexistent/path/to/image.png"); err == nil {
		t.Error("Load should fail for non-existent file")
	}
}

func TestImageCache_Load_InvalidImage(t *testing.T) {
	cache := NewImageCache()
	path := filepath.Join(t.TempDir(), "invalid.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := cache.Load(path); err == nil {
		t.Error("Load should fail for invalid image data")
	}
	if cache.Len() != 0 {
		t.Error("failed load should not be cached")
	}
}

func TestImageCache_ClearAndEvict(t *testing.T) {
	dir := t.TempDir()
	cache := NewImageCache()
	a := writeTestImage(t, dir, "a.png", newSolidImage(10, 10, color.White))
	b := writeTestImage(t, dir, "b.png", newSolidImage(10, 10, color.Black))

	for _, p := range []string{a, b} {
		if _, err := cache.Load(p); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}

	cache.Evict(a)
	if cache.Len() != 1 {
		t.Errorf("after Evict: got %d images, want 1", cache.Len())
	}
	cache.Evict("/nonexistent/path")

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("after Clear: got %d images, want 0", cache.Len())
	}
}

func TestImageCache_ConcurrentAccess(t *testing.T) {
	cache := NewImageCache()
	imgPath := writeTestImage(t, t.TempDir(), "smear.png", newSolidImage(50, 50, color.RGBA{128, 128, 128, 255}))

	var wg sync.WaitGroup
	errors := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Load(imgPath); err != nil {
				errors <- err
			}
		}()
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Errorf("concurrent Load error: %v", err)
	}
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, newSolidImage(12, 7, color.RGBA{1, 2, 3, 255})); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	img, format, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != "png" {
		t.Errorf("format: got %q, want png", format)
	}
	if img.Bounds() != image.Rect(0, 0, 12, 7) {
		t.Errorf("bounds: got %v", img.Bounds())
	}

	if _, _, err := Decode(nil); err == nil {
		t.Error("Decode should fail on empty input")
	}
	if _, _, err := Decode([]byte("garbage")); err == nil {
		t.Error("Decode should fail on garbage")
	}
}

func TestToNRGBA_RebasesBounds(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 30, 20))
	src.SetNRGBA(10, 10, color.NRGBA{9, 9, 9, 255})

	got := ToNRGBA(src)
	if got.Bounds().Min != (image.Point{}) {
		t.Errorf("bounds min: got %v, want (0,0)", got.Bounds().Min)
	}
	if c := got.NRGBAAt(0, 0); c.R != 9 {
		t.Errorf("pixel: got %v, want R=9", c)
	}

	anchored := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	if ToNRGBA(anchored) != anchored {
		t.Error("anchored NRGBA should be returned unchanged")
	}
}

func TestLoadImageInfo(t *testing.T) {
	cache := NewImageCache()
	imgPath := writeTestImage(t, t.TempDir(), "smear.png", newSolidImage(4000, 3000, color.RGBA{255, 128, 64, 255}))

	info, err := LoadImageInfo(cache, imgPath, 2000)
	if err != nil {
		t.Fatalf("LoadImageInfo failed: %v", err)
	}

	if info.Width != 4000 || info.Height != 3000 {
		t.Errorf("dimensions: got %dx%d, want 4000x3000", info.Width, info.Height)
	}
	if info.Format != "png" {
		t.Errorf("Format: got %s, want png", info.Format)
	}
	if info.FileSizeBytes <= 0 {
		t.Error("FileSizeBytes should be positive")
	}
	if info.InferenceScaleX != 2.0 || info.InferenceScaleY != 1.5 {
		t.Errorf("scale: got (%g,%g), want (2,1.5)", info.InferenceScaleX, info.InferenceScaleY)
	}
}

func TestLoadImageInfo_FormatDetection(t *testing.T) {
	tests := []struct {
		ext    string
		format string
	}{
		{".png", "png"},
		{".jpg", "jpeg"},
		{".jpeg", "jpeg"},
		{".tif", "tiff"},
		{".bmp", "bmp"},
		{".xyz", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			if got := formatFromExt("smear" + tt.ext); got != tt.format {
				t.Errorf("Format for %s: got %s, want %s", tt.ext, got, tt.format)
			}
		})
	}
}

func TestLoadImageInfo_NonExistent(t *testing.T) {
	cache := NewImageCache()
	if _, err := LoadImageInfo(cache, "/nonexistent/image.png", 2000); err == nil {
		t.Error("LoadImageInfo should fail for non-existent file")
	}
}
