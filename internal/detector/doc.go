// Package detector finds red blood cells in a smear image.
//
// A Detector wraps an object-detection Model. Every image is resized to a fixed
// square (geometry.InferenceSize on each side, ignoring aspect ratio) before the
// model sees it, and the returned boxes are mapped back onto the original pixel
// grid. Boxes whose area is far above the mean for the image are then dropped:
// these are usually clumps of overlapping cells or debris rather than one cell.
//
// # Model Backends
//
// Load picks a backend from the model path:
//
//   - http:// and https:// paths post the resized image to a remote inference
//     service and read back {boxes, labels, scores}.
//   - contour:// runs a pure Go edge and contour heuristic. It needs no trained
//     weights and is meant for smoke runs and tests.
//   - *.onnx paths load the network with OpenCV's DNN module. This backend is
//     only compiled with -tags gocv.
//
// Models emit 1-based class ids with 0 reserved for background, in the order
// Circular, Elongated, Other. ClassLabel maps them to morphology labels.
//
// # Thread Safety
//
// Detect may be called concurrently. The ONNX backend serializes inference
// internally because an OpenCV Net is not safe for concurrent use.
package detector
