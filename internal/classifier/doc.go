// Package classifier assigns a morphology label to a single cell crop.
//
// A Classifier resizes the crop to the model's square input, converts it to a
// channel-first float tensor and runs one forward and backward pass. The model
// returns the class logits together with the activations of a target
// convolutional layer and the gradients of the predicted class score with
// respect to them. All of this comes back in a Capture that belongs to the one
// request, so concurrent classifications never share saliency state.
//
// The predicted label is the argmax of the logits over the classes Circular,
// Elongated and Other. Ties go to the lowest index.
//
// # Model Backends
//
//   - http:// and https:// paths send the tensor to a remote service as JSON.
//   - moments:// computes shape moments of the dark cell mask. It needs no
//     trained weights and is meant for smoke runs and tests.
//
// Models that report Reentrant() == false are called one at a time. Waiting
// for the model respects the request context, so a timed out request gives up
// its turn.
package classifier
