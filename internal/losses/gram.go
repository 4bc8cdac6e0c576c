package losses

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/styletransfer/internal/features"
	"github.com/pkg/errors"
)

// Gram returns the Gram matrices of features shaped [batch, height, width, channels]:
// for each example, with X reshaped to [height*width, channels], it returns Xᵗ·X / (height*width*channels),
// shaped [batch, channels, channels].
//
// Normalizing by the total number of elements keeps magnitudes comparable across layers of
// different depths.
func Gram(features *Node) *Node {
	features.AssertRank(4)
	dims := features.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	flat := Reshape(features, batchSize, height*width, channels)
	gram := Einsum("bsc,bsd->bcd", flat, flat)
	return DivScalar(gram, float64(height*width*channels))
}

// StyleTargets holds the Gram matrices of the style image, one per layer.
// They are computed once and used as constants by Calculator.StyleLoss.
type StyleTargets struct {
	// Layers in the order they were requested.
	Layers []string

	// Grams maps each layer to its Gram matrix, shaped [channels, channels].
	Grams map[string]*tensors.Tensor
}

// NewStyleTargets evaluates the style image, shaped [height, width, 3] with values in [0, 255], with
// the extractor and returns its Gram matrices for the given layers.
//
// The style image is evaluated on its own, outside any training graph, so its spatial dimensions
// don't need to match the content images.
func NewStyleTargets(backend backends.Backend, ctx *context.Context, extractor features.Extractor,
	styleImage *tensors.Tensor, layers []string) (targets *StyleTargets, err error) {
	if styleImage.Shape().Rank() != 3 || styleImage.Shape().Dim(2) != 3 {
		return nil, errors.Errorf("style image must be shaped [height, width, 3], got %s", styleImage.Shape())
	}
	if len(layers) == 0 {
		return nil, errors.New("no style layers given")
	}
	var grams []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		grams = context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			image := ExpandAxes(inputs[0], 0)
			acts := extractor.Extract(ctx, extractor.Preprocess(image))
			outputs := make([]*Node, len(layers))
			for ii, layer := range layers {
				gram := Gram(acts.Layer(layer))
				channels := gram.Shape().Dim(1)
				outputs[ii] = Reshape(gram, channels, channels)
			}
			return outputs
		}, styleImage)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute the style image Gram matrices")
	}
	targets = &StyleTargets{
		Layers: append([]string(nil), layers...),
		Grams:  make(map[string]*tensors.Tensor, len(layers)),
	}
	for ii, layer := range layers {
		targets.Grams[layer] = grams[ii]
	}
	return targets, nil
}
