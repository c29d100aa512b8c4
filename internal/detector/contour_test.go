package detector

import (
	"context"
	"image"
	"image/color"
	"testing"
)

// createCellImage draws filled dark ellipses on a light background.
func createCellImage(width, height int, cells []image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	bg := color.NRGBA{240, 230, 230, 255}
	fg := color.NRGBA{180, 40, 60, 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, bg)
		}
	}
	for _, r := range cells {
		cx := float64(r.Min.X+r.Max.X) / 2
		cy := float64(r.Min.Y+r.Max.Y) / 2
		a := float64(r.Dx()) / 2
		b := float64(r.Dy()) / 2
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			for x := r.Min.X; x <= r.Max.X; x++ {
				dx := (float64(x) - cx) / a
				dy := (float64(y) - cy) / b
				if dx*dx+dy*dy <= 1 {
					img.SetNRGBA(x, y, fg)
				}
			}
		}
	}
	return img
}

func TestContourModel_Predict(t *testing.T) {
	img := createCellImage(300, 300, []image.Rectangle{
		image.Rect(30, 30, 70, 70),    // round cell
		image.Rect(140, 200, 240, 224), // sickle-like elongated cell
	})

	model := NewContourModel(DefaultContourOptions())
	pred, err := model.Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if err := pred.Validate(); err != nil {
		t.Fatalf("invalid prediction: %v", err)
	}
	if len(pred.Boxes) != 2 {
		t.Fatalf("boxes: got %d, want 2 (%v)", len(pred.Boxes), pred.Boxes)
	}

	// raster order: the round cell is found first
	round, long := pred.Boxes[0], pred.Boxes[1]
	if round[0] < 25 || round[0] > 35 || round[2] < 65 || round[2] > 75 {
		t.Errorf("round cell box: got %v", round)
	}
	if long[0] < 135 || long[2] > 245 {
		t.Errorf("elongated cell box: got %v", long)
	}
	if pred.Labels[0] != 1 || pred.Labels[1] != 2 {
		t.Errorf("labels: got %v, want [1 2]", pred.Labels)
	}
	for i, s := range pred.Scores {
		if s <= 0 || s > 1 {
			t.Errorf("score %d: got %v, want (0,1]", i, s)
		}
	}
}

func TestContourModel_NestedContourDropped(t *testing.T) {
	img := createCellImage(200, 200, []image.Rectangle{image.Rect(40, 40, 120, 120)})
	// pale center inside the cell
	for y := 70; y < 90; y++ {
		for x := 70; x < 90; x++ {
			img.SetNRGBA(x, y, color.NRGBA{240, 230, 230, 255})
		}
	}

	pred, err := NewContourModel(DefaultContourOptions()).Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(pred.Boxes) != 1 {
		t.Errorf("boxes: got %d, want 1 (%v)", len(pred.Boxes), pred.Boxes)
	}
}

func TestContourModel_BlankImage(t *testing.T) {
	img := createCellImage(64, 64, nil)
	pred, err := NewContourModel(DefaultContourOptions()).Predict(context.Background(), img)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(pred.Boxes) != 0 {
		t.Errorf("boxes: got %d, want 0", len(pred.Boxes))
	}
}

func TestContourModel_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	img := createCellImage(64, 64, nil)
	if _, err := NewContourModel(DefaultContourOptions()).Predict(ctx, img); err == nil {
		t.Error("Predict should fail on a cancelled context")
	}
}

func TestEllipseScore(t *testing.T) {
	r := image.Rect(0, 0, 40, 40)
	// perimeter of a radius-20 circle is about 125.7; a two pixel outline has ~251 pixels
	if s := ellipseScore(r, 251); s < 0.95 {
		t.Errorf("matching outline: got %v, want >= 0.95", s)
	}
	if s := ellipseScore(r, 2000); s != 0 {
		t.Errorf("oversized outline: got %v, want 0", s)
	}
	if s := ellipseScore(image.Rect(0, 0, 0, 0), 10); s != 0 {
		t.Errorf("empty box: got %v, want 0", s)
	}
}
