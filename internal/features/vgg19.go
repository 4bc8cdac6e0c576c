package features

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"math"
)

const (
	// Scope under which VGG19 variables are stored, e.g. "/vgg19/conv1_1/weights".
	Scope = "vgg19"

	// ParamPooling is the context hyperparameter selecting the Pooling type ("max" or "average").
	ParamPooling = "vgg_pooling"
)

// vgg19Blocks lists the number of output channels of each convolution, per block.
var vgg19Blocks = [][]int{
	{64, 64},
	{128, 128},
	{256, 256, 256, 256},
	{512, 512, 512, 512},
	{512, 512, 512, 512},
}

// VGG19 implements Extractor with the convolutional part of the VGG19 network.
//
// It exposes the layers "conv<block>_<index>", "relu<block>_<index>" and "pool<block>" (the last
// block is not pooled). All its variables are non-trainable.
type VGG19 struct {
	Pooling Pooling
}

var _ Extractor = (*VGG19)(nil)

// NewVGG19 creates a VGG19 extractor configured by the context hyperparameters.
func NewVGG19(ctx *context.Context) (*VGG19, error) {
	poolingName := context.GetParamOr(ctx, ParamPooling, PoolingMax.String())
	pooling, err := PoolingString(poolingName)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s=%q, valid values are %q", ParamPooling, poolingName, PoolingStrings())
	}
	return &VGG19{Pooling: pooling}, nil
}

// Preprocess implements Extractor, by centering on the ImageNet mean pixel.
func (v *VGG19) Preprocess(images *Node) *Node {
	return SubtractMeanPixel(images)
}

// Extract implements Extractor.
func (v *VGG19) Extract(ctx *context.Context, images *Node) Activations {
	images.AssertRank(4)
	ctx = ctx.In(Scope)
	acts := make(Activations)
	x := images
	for blockIdx, block := range vgg19Blocks {
		for convIdx, numChannels := range block {
			suffix := fmt.Sprintf("%d_%d", blockIdx+1, convIdx+1)
			x = frozenConvolution(ctx.In("conv"+suffix), x, numChannels)
			acts["conv"+suffix] = x
			x = activations.Relu(x)
			acts["relu"+suffix] = x
		}
		if blockIdx < len(vgg19Blocks)-1 {
			x = v.Pooling.Apply(x)
			acts[fmt.Sprintf("pool%d", blockIdx+1)] = x
		}
	}
	return acts
}

// frozenConvolution is a 3x3 convolution with bias, "same" padding and non-trainable weights.
// Default initialization (used when no pretrained weights are loaded) is He-normal.
func frozenConvolution(ctx *context.Context, x *Node, outChannels int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[x.Rank()-1]
	stddev := math.Sqrt(2.0 / float64(9*inChannels))
	weights := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
		VariableWithShape("weights", shapes.Make(dtype, 3, 3, inChannels, outChannels)).
		SetTrainable(false)
	biases := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outChannels)).
		SetTrainable(false)
	x = Convolve(x, weights.ValueGraph(g)).PadSame().Done()
	return Add(x, Reshape(biases.ValueGraph(g), 1, 1, 1, outChannels))
}
