package transform

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// instanceNormEpsilon is added to the variance for numerical stability.
const instanceNormEpsilon = 1e-3

// InstanceNormalization normalizes each image and channel of x (shaped [batch, height, width, channels])
// over its spatial axes, and then applies a learned per-channel scale and offset.
func InstanceNormalization(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[3]
	mean := Reshape(ReduceMean(x, 1, 2), batchSize, 1, 1, channels)
	centered := Sub(x, mean)
	variance := Reshape(ReduceMean(Square(centered), 1, 2), batchSize, 1, 1, channels)
	normalized := Div(centered, Sqrt(AddScalar(variance, instanceNormEpsilon)))

	scale := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", shapes.Make(x.DType(), channels)).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(x.DType(), channels)).ValueGraph(g)
	normalized = Mul(normalized, Reshape(scale, 1, 1, 1, channels))
	return Add(normalized, Reshape(offset, 1, 1, 1, channels))
}
