package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/rbc-morphology-mcp/internal/geometry"
)

// DefaultCellSize is the side of the square window cut around each detected cell.
const DefaultCellSize = 80

// BoxColor is the outline color used for detection boxes.
var BoxColor = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// BoxLineWidth is the outline width, in pixels, used for detection boxes.
const BoxLineWidth = 2

// CellCrop is the square window extracted around one detection.
type CellCrop struct {
	// DetectionIndex is the position of the source detection in the run.
	DetectionIndex int `json:"detection_index"`

	// Clean holds the unmodified source pixels.
	Clean *image.NRGBA `json:"-"`

	// Annotated holds the same window with the detection box outlined.
	Annotated *image.NRGBA `json:"-"`

	// OriginX and OriginY locate the window's top-left corner in the source image.
	OriginX int `json:"origin_x"`
	OriginY int `json:"origin_y"`

	// Size is the side of the window in pixels.
	Size int `json:"size"`
}

// CropCell cuts a size x size window centered on the midpoint of box.
//
// Parameters:
//   - img: the full smear in original coordinates. It is not modified.
//   - box: the detection box; it must be in geometry.OriginalSpace.
//   - size: the side of the output window in pixels (DefaultCellSize for the
//     classifier).
//
// # Window Placement
//
// The midpoint uses the truncated integer corners of the box:
//
//	mid = (int(x1) + int(x2)) / 2
//	origin = mid - size/2
//
// The origin is then clamped to [0, extent-size] on each axis, so a cell near
// the right or bottom edge gets a window shifted inward rather than one that runs
// off the image. Images smaller than size on an axis are padded with black so
// the result is always size x size.
//
// Both crops share the same origin. The Annotated crop has the box outlined in
// BoxColor; it is a diagnostic artifact and is never fed to the classifier.
// Calling CropCell twice with the same arguments yields identical pixels.
//
// # Errors
//
// Returns an error for a non-positive size, a box in inference space, or a box
// without positive width and height (wrapping geometry.ErrInvalidBox).
func CropCell(img image.Image, box geometry.Box, size int) (*CellCrop, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid crop size %d", size)
	}
	if box.Space != geometry.OriginalSpace {
		return nil, fmt.Errorf("crop box must be in %s space, got %s", geometry.OriginalSpace, box.Space)
	}
	if err := box.Validate(); err != nil {
		return nil, err
	}

	src := ToNRGBA(img)
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("cannot crop an empty image")
	}

	mid := box.Midpoint()
	originX := cropOrigin(mid.X, size, bounds.Dx())
	originY := cropOrigin(mid.Y, size, bounds.Dy())
	window := image.Rect(originX, originY, originX+size, originY+size).Intersect(bounds)

	clean := imaging.Crop(src, window)
	if window.Dx() != size || window.Dy() != size {
		canvas := imaging.New(size, size, color.NRGBA{A: 255})
		clean = imaging.Paste(canvas, clean, image.Pt(0, 0))
	}

	annotated := imaging.Clone(clean)
	outline := box.Rect().Sub(image.Pt(originX, originY))
	DrawBox(annotated, outline, BoxColor, BoxLineWidth)

	return &CellCrop{
		Clean:     clean,
		Annotated: annotated,
		OriginX:   originX,
		OriginY:   originY,
		Size:      size,
	}, nil
}

// cropOrigin centers a window of length size on mid and keeps it inside [0, extent).
func cropOrigin(mid, size, extent int) int {
	origin := mid - size/2
	if origin+size > extent {
		origin = extent - size
	}
	if origin < 0 {
		origin = 0
	}
	return origin
}
