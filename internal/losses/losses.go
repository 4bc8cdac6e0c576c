// Package losses implements the perceptual losses of fast style transfer: content loss,
// style loss (on Gram matrices) and total variation loss.
//
// The Calculator is built on the stylized images produced by the transform network, and every loss
// it returns is differentiable with respect to the transform network variables.
package losses

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/styletransfer/internal/features"
)

// Calculator computes the losses of a batch of stylized images.
type Calculator struct {
	ctx       *context.Context
	extractor features.Extractor

	// stylized images and its activations, extracted once at construction.
	stylized            *Node
	stylizedActivations features.Activations
}

// NewCalculator extracts the features of the stylized images, shaped [batch, height, width, 3] with
// pixel values in [0, 255], and returns a Calculator for losses on them.
//
// The stylized images must already exist: a nil node is a usage error and panics.
func NewCalculator(ctx *context.Context, extractor features.Extractor, stylized *Node) *Calculator {
	if stylized == nil {
		exceptions.Panicf("losses.NewCalculator requires the transform network output, got nil")
	}
	stylized.AssertRank(4)
	return &Calculator{
		ctx:                 ctx,
		extractor:           extractor,
		stylized:            stylized,
		stylizedActivations: extractor.Extract(ctx, extractor.Preprocess(stylized)),
	}
}

// Stylized returns the stylized images the Calculator was built on.
func (c *Calculator) Stylized() *Node { return c.stylized }

// ContentLoss compares the activations of contentBatch (raw pixels in [0, 255], same shape as the
// stylized images) with those of the stylized images at contentLayer:
//
//	contentWeight * 2 * L2(content - stylized) / (height * width * channels)
//
// where height, width and channels are the dimensions of the layer's activation map.
// It panics if the activation shapes don't match.
func (c *Calculator) ContentLoss(contentBatch *Node, contentLayer string, contentWeight float64) *Node {
	contentActivations := c.extractor.Extract(c.ctx, c.extractor.Preprocess(contentBatch))
	target := contentActivations.Layer(contentLayer)
	current := c.stylizedActivations.Layer(contentLayer)
	if !target.Shape().Equal(current.Shape()) {
		exceptions.Panicf("content loss: layer %q activations for the content images %s and the stylized images %s don't match",
			contentLayer, target.Shape(), current.Shape())
	}
	elementCount := perExampleSize(target)
	loss := DivScalar(MulScalar(L2(Sub(target, current)), 2), float64(elementCount))
	return MulScalar(loss, contentWeight)
}

// StyleLoss compares the Gram matrices of the stylized images with the targets, for each of the
// target layers:
//
//	styleWeight * sum_{layers} 2 * L2(gram(stylized) - gram(style)) / channels²
//
// Differences are summed over the batch.
func (c *Calculator) StyleLoss(targets *StyleTargets, styleWeight float64) *Node {
	g := c.stylized.Graph()
	var loss *Node
	for _, layer := range targets.Layers {
		gram := Gram(c.stylizedActivations.Layer(layer))
		styleGram := ConstTensor(g, targets.Grams[layer])
		styleGram = ConvertDType(styleGram, gram.DType())
		if gram.Shape().Dim(1) != styleGram.Shape().Dim(0) {
			exceptions.Panicf("style loss: layer %q Gram matrix of the stylized images %s doesn't match the style image's %s",
				layer, gram.Shape(), styleGram.Shape())
		}
		styleGram = ExpandAxes(styleGram, 0) // Broadcast over the batch.
		term := DivScalar(MulScalar(L2(Sub(gram, styleGram)), 2), float64(styleGram.Shape().Size()))
		if loss == nil {
			loss = term
		} else {
			loss = Add(loss, term)
		}
	}
	if loss == nil {
		return ScalarZero(g, c.stylized.DType())
	}
	return MulScalar(loss, styleWeight)
}

// TotalVariationLoss is a smoothness penalty on images shaped [batch, height, width, channels]:
//
//	tvWeight * 2 * (L2(dy) / size(dy) + L2(dx) / size(dx))
//
// where dy and dx are the differences between vertically and horizontally adjacent pixels, and size
// counts all their elements.
func TotalVariationLoss(images *Node, tvWeight float64) *Node {
	images.AssertRank(4)
	dims := images.Shape().Dimensions
	height, width := dims[1], dims[2]
	dy := Sub(
		Slice(images, AxisRange(), AxisRange(1, height), AxisRange(), AxisRange()),
		Slice(images, AxisRange(), AxisRange(0, height-1), AxisRange(), AxisRange()))
	dx := Sub(
		Slice(images, AxisRange(), AxisRange(), AxisRange(1, width), AxisRange()),
		Slice(images, AxisRange(), AxisRange(), AxisRange(0, width-1), AxisRange()))
	loss := Add(
		DivScalar(L2(dy), float64(dy.Shape().Size())),
		DivScalar(L2(dx), float64(dx.Shape().Size())))
	return MulScalar(loss, 2*tvWeight)
}

// TotalVariationLoss of the stylized images.
func (c *Calculator) TotalVariationLoss(tvWeight float64) *Node {
	return TotalVariationLoss(c.stylized, tvWeight)
}

// L2 returns half of the sum of the squares of x, a scalar.
func L2(x *Node) *Node {
	return DivScalar(ReduceAllSum(Square(x)), 2)
}

// perExampleSize returns the number of elements of x excluding the leading batch axis.
func perExampleSize(x *Node) int {
	size := 1
	for _, dim := range x.Shape().Dimensions[1:] {
		size *= dim
	}
	return size
}
