package detector

import (
	"context"
	"image"
	"math"
)

// ContourOptions tunes the contour backend.
type ContourOptions struct {
	// EdgeThreshold is the grayscale step between neighbors that marks an edge.
	EdgeThreshold float64

	// MinContourPixels discards contours with fewer edge pixels as noise.
	MinContourPixels int

	// MinArea discards bounding boxes smaller than this many square pixels.
	MinArea int

	// ElongationRatio is the long/short side ratio at or above which a cell is
	// labeled Elongated.
	ElongationRatio float64
}

// DefaultContourOptions returns settings suited to smears resized to the
// inference square.
func DefaultContourOptions() ContourOptions {
	return ContourOptions{
		EdgeThreshold:    30,
		MinContourPixels: 10,
		MinArea:          100,
		ElongationRatio:  1.8,
	}
}

// ContourModel is a heuristic detector that needs no trained weights.
//
// It marks edge pixels by a simple gradient threshold, groups them into
// 8-connected contours, and reports each contour's bounding box. Boxes nested
// inside a larger box (the pale center of a cell, for example) are dropped. The
// score measures how closely the contour length matches the perimeter of the
// ellipse inscribed in the box.
type ContourModel struct {
	opts ContourOptions
}

// NewContourModel creates a contour backend.
func NewContourModel(opts ContourOptions) *ContourModel {
	return &ContourModel{opts: opts}
}

// Name identifies the backend.
func (m *ContourModel) Name() string {
	return "contour"
}

// Close is a no-op.
func (m *ContourModel) Close() error {
	return nil
}

// contourBox is one contour's bounding box and pixel count.
type contourBox struct {
	rect   image.Rectangle
	pixels int
}

// Predict detects cell outlines in img.
func (m *ContourModel) Predict(ctx context.Context, img *image.NRGBA) (*Prediction, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	edges := detectEdges(img, width, height, m.opts.EdgeThreshold)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contours := findContours(edges, width, height, m.opts.MinContourPixels)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]contourBox, 0, len(contours))
	for _, contour := range contours {
		r := contourBounds(contour)
		if r.Dx()*r.Dy() < m.opts.MinArea {
			continue
		}
		candidates = append(candidates, contourBox{rect: r, pixels: len(contour)})
	}

	pred := &Prediction{
		Boxes:  [][4]float64{},
		Labels: []int{},
		Scores: []float64{},
	}
	for i, c := range candidates {
		if nestedInAnother(i, candidates) {
			continue
		}
		r := c.rect
		pred.Boxes = append(pred.Boxes, [4]float64{
			float64(r.Min.X + bounds.Min.X), float64(r.Min.Y + bounds.Min.Y),
			float64(r.Max.X + bounds.Min.X), float64(r.Max.Y + bounds.Min.Y),
		})
		pred.Labels = append(pred.Labels, m.classify(r))
		pred.Scores = append(pred.Scores, ellipseScore(r, c.pixels))
	}
	return pred, nil
}

// classify returns the 1-based class id for a bounding box by its aspect ratio.
func (m *ContourModel) classify(r image.Rectangle) int {
	long, short := float64(r.Dx()), float64(r.Dy())
	if short > long {
		long, short = short, long
	}
	if short <= 0 || long/short >= m.opts.ElongationRatio {
		return 2
	}
	return 1
}

// ellipseScore compares a contour's length to the perimeter of the ellipse
// inscribed in r. Outlines are two pixels wide, so half the pixel count is used.
// 1.0 means an exact match.
func ellipseScore(r image.Rectangle, pixels int) float64 {
	a := float64(r.Dx()) / 2
	b := float64(r.Dy()) / 2
	// Ramanujan's approximation
	perimeter := math.Pi * (3*(a+b) - math.Sqrt((3*a+b)*(a+3*b)))
	if perimeter <= 0 {
		return 0
	}
	score := 1 - math.Abs(float64(pixels)/2-perimeter)/perimeter
	return math.Max(0, math.Min(1, score))
}

// nestedInAnother reports whether candidate i lies inside a different, larger box.
func nestedInAnother(i int, candidates []contourBox) bool {
	r := candidates[i].rect
	for j, other := range candidates {
		if j == i {
			continue
		}
		if r.In(other.rect) && other.rect != r {
			return true
		}
	}
	return false
}

// contourBounds returns the bounding rectangle of a contour. Max is inclusive of
// the last edge pixel, matching the detector's corner convention.
func contourBounds(contour []image.Point) image.Rectangle {
	r := image.Rectangle{Min: contour[0], Max: contour[0]}
	for _, p := range contour[1:] {
		r.Min.X = min(r.Min.X, p.X)
		r.Min.Y = min(r.Min.Y, p.Y)
		r.Max.X = max(r.Max.X, p.X)
		r.Max.Y = max(r.Max.Y, p.Y)
	}
	return r
}

// detectEdges marks pixels whose grayscale value differs from any 4-connected
// neighbor by more than threshold. Both sides of a step are marked, so a clean
// outline comes out two pixels wide and always forms one connected ring. Border
// pixels are never edges.
func detectEdges(img *image.NRGBA, width, height int, threshold float64) [][]bool {
	gray := make([][]float64, height)
	for y := 0; y < height; y++ {
		gray[y] = make([]float64, width)
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			gray[y][x] = 0.299*float64(row[4*x]) + 0.587*float64(row[4*x+1]) + 0.114*float64(row[4*x+2])
		}
	}

	edges := make([][]bool, height)
	for y := 0; y < height; y++ {
		edges[y] = make([]bool, width)
		if y == 0 || y == height-1 {
			continue
		}
		for x := 1; x < width-1; x++ {
			g := gray[y][x]
			if math.Abs(g-gray[y][x+1]) > threshold || math.Abs(g-gray[y][x-1]) > threshold ||
				math.Abs(g-gray[y+1][x]) > threshold || math.Abs(g-gray[y-1][x]) > threshold {
				edges[y][x] = true
			}
		}
	}
	return edges
}

// findContours groups edge pixels into 8-connected components, discarding those
// with fewer than minPixels pixels.
func findContours(edges [][]bool, width, height, minPixels int) [][]image.Point {
	visited := make([][]bool, height)
	for y := 0; y < height; y++ {
		visited[y] = make([]bool, width)
	}

	contours := make([][]image.Point, 0)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if edges[y][x] && !visited[y][x] {
				contour := floodFill(edges, visited, x, y, width, height)
				if len(contour) >= minPixels {
					contours = append(contours, contour)
				}
			}
		}
	}
	return contours
}

// floodFill collects the 8-connected edge pixels reachable from (startX, startY).
// It uses an explicit stack so large contours cannot overflow the goroutine stack.
func floodFill(edges, visited [][]bool, startX, startY, width, height int) []image.Point {
	var contour []image.Point
	stack := []image.Point{{X: startX, Y: startY}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= width || p.Y < 0 || p.Y >= height {
			continue
		}
		if visited[p.Y][p.X] || !edges[p.Y][p.X] {
			continue
		}

		visited[p.Y][p.X] = true
		contour = append(contour, p)

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				stack = append(stack, image.Point{X: p.X + dx, Y: p.Y + dy})
			}
		}
	}
	return contour
}
