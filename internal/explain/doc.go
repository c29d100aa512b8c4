// Package explain renders Grad-CAM saliency overlays for classified cells.
//
// Given the activations of a convolutional layer and the gradients of the
// predicted class score with respect to those activations, GradCAM weights each
// channel by its mean gradient, sums the weighted channels, clips negatives and
// rescales the map to [0, 1]. Overlay upsamples that map to the crop size,
// smooths it with a 5x5 Gaussian, colors it with a JET scale and blends it
// half and half with the crop.
//
// A map with no variation (all zeros after clipping, for example) becomes an
// all-zero heatmap rather than NaN.
package explain
