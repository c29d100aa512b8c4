// Package geometry maps bounding boxes between the detector's inference space and the
// original image space, and computes the box-area statistics used to drop oversized
// detections.
//
// # Coordinate Spaces
//
// Every Box carries the Space it is expressed in. The detector runs on a fixed-size
// square copy of the image (InferenceSize x InferenceSize), so boxes it returns are in
// InferenceSpace. Scale.ToOriginal maps them back using independent X and Y factors,
// because the resize does not preserve aspect ratio.
//
// Coordinates follow the image convention used across this module: (0,0) is the
// top-left corner, X grows rightward, Y grows downward.
package geometry
