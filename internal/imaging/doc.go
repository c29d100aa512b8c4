// Package imaging loads smear images and cuts, draws and encodes the image
// artifacts produced during a detection run.
//
// Every image that enters the package is normalized to *image.NRGBA with bounds
// anchored at (0,0). Coordinates follow the usual raster convention: (0,0) is the
// top-left pixel, X grows rightward and Y grows downward.
//
// # Cell Crops
//
// CropCell extracts a fixed-size square centered on a detection's midpoint. The
// window is shifted inward at image borders so it never leaves the image, and is
// padded with black only when the image itself is smaller than the window. Each
// crop comes in two variants: Clean, which is what the classifier sees, and
// Annotated, which has the detection box outlined for human review.
//
// # Thread Safety
//
// ImageCache is safe for concurrent use. Images returned from the cache are shared
// and must be treated as read-only; DrawOverview and CropCell always work on copies.
package imaging
