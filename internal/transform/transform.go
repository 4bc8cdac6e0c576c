// Package transform implements the trainable image transformation network: it maps a batch of
// content images to stylized images of the same shape, in one forward pass.
package transform

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"
)

// Network is a trainable, differentiable function from content images normalized to [0, 1],
// shaped [batch, height, width, 3], to stylized images of the same shape, with pixel values
// roughly in [0, 255].
type Network interface {
	ForwardGraph(ctx *context.Context, images *Node) *Node
}

const (
	// Scope under which the transform network variables are created.
	Scope = "transform"

	// ParamChannels is the number of channels of the first convolution; deeper layers use 2x and 4x that.
	ParamChannels = "transform_channels"

	// ParamResidualBlocks is the number of residual blocks at the lowest resolution.
	ParamResidualBlocks = "transform_residual_blocks"

	// SizeMultiple is the value content height and width must be a multiple of: the network
	// downsamples twice by 2 and then upsamples back.
	SizeMultiple = 4
)

// ResidualNet is the default Network: downsampling convolutions, residual blocks and upsampling
// convolutions, all with instance normalization.
type ResidualNet struct{}

var (
	_ Network       = ResidualNet{}
	_ SizeValidator = ResidualNet{}
)

// SizeValidator is implemented by networks that only accept some image sizes.
type SizeValidator interface {
	ValidateSize(height, width int) error
}

// ValidateSize implements SizeValidator: height and width must be multiples of SizeMultiple.
func (ResidualNet) ValidateSize(height, width int) error {
	if height%SizeMultiple != 0 || width%SizeMultiple != 0 {
		return errors.Errorf("image size %dx%d is not supported by the transform network, height and width must be multiples of %d",
			height, width, SizeMultiple)
	}
	return nil
}

// ForwardGraph implements Network. It is configured by the context hyperparameters ParamChannels and
// ParamResidualBlocks.
func (ResidualNet) ForwardGraph(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	ctx = ctx.In(Scope)
	batchSize, height, width := images.Shape().Dim(0), images.Shape().Dim(1), images.Shape().Dim(2)
	channels := context.GetParamOr(ctx, ParamChannels, 32)
	numResidual := context.GetParamOr(ctx, ParamResidualBlocks, 5)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := convBlock(nextCtx("conv"), images, channels, 9, 1, true)
	x = convBlock(nextCtx("conv"), x, 2*channels, 3, 2, true)
	x = convBlock(nextCtx("conv"), x, 4*channels, 3, 2, true)
	x.AssertDims(batchSize, height/4, width/4, 4*channels)
	for range numResidual {
		x = residualBlock(nextCtx("residual"), x)
	}
	x = convBlock(nextCtx("upsample"), upsample2x(x), 2*channels, 3, 1, true)
	x = convBlock(nextCtx("upsample"), upsample2x(x), channels, 3, 1, true)
	x = convBlock(nextCtx("conv"), x, 3, 9, 1, false)
	x.AssertDims(batchSize, height, width, 3)
	return AddScalar(MulScalar(Tanh(x), 150), 255.0/2)
}

// convBlock applies a convolution followed by instance normalization, and optionally a ReLU.
func convBlock(ctx *context.Context, x *Node, channels, kernelSize, strides int, relu bool) *Node {
	x = layers.Convolution(ctx, x).Filters(channels).KernelSize(kernelSize).Strides(strides).PadSame().Done()
	x = InstanceNormalization(ctx.In("norm"), x)
	if relu {
		x = activations.Relu(x)
	}
	return x
}

func residualBlock(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	residual := x
	x = convBlock(ctx.In("a"), x, channels, 3, 1, true)
	x = convBlock(ctx.In("b"), x, channels, 3, 1, false)
	return Add(x, residual)
}

// upsample2x resizes x, shaped [batch, height, width, channels], to twice its height and width by
// repeating each pixel (nearest neighbour).
func upsample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Interpolate(x, dims[0], 2*dims[1], 2*dims[2], dims[3]).Nearest().Done()
}
