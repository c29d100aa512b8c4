// Package tensor holds the dense arrays exchanged with model backends: the
// channel-first input tensor built from a cell crop and the feature maps a
// classifier returns for saliency.
package tensor
