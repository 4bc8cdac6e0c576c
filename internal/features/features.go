// Package features defines the frozen feature network used as a perceptual reference by the losses,
// and implements the default one, a VGG19 convolutional network.
//
// The feature network is never trained: its variables are created as non-trainable, so the
// optimizer leaves them untouched.
package features

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/styletransfer/internal/generics"
	"slices"
)

// Layers conventionally used by fast style transfer.
const (
	ContentLayer = "relu4_2"
)

// StyleLayers are the layers whose Gram matrices define the style, from fine to coarse.
var StyleLayers = []string{"relu1_1", "relu2_1", "relu3_1", "relu4_1", "relu5_1"}

// MeanPixel of the ImageNet dataset (RGB), subtracted from images by Preprocess.
var MeanPixel = [3]float64{123.68, 116.779, 103.939}

// Activations maps layer names to the activation maps of a batch of images,
// each shaped [batch, height, width, channels].
type Activations map[string]*Node

// Layer returns the activation map for the given layer name.
//
// It panics (with exceptions.Panicf) if the layer is unknown: it is a configuration error.
func (a Activations) Layer(name string) *Node {
	node, found := a[name]
	if !found {
		exceptions.Panicf("feature layer %q not available, known layers are %q",
			name, slices.Collect(generics.SortedKeys(a)))
	}
	return node
}

// Extractor is a frozen feature network: a pure function from a batch of images to named
// activation maps.
type Extractor interface {
	// Preprocess converts raw images, shaped [batch, height, width, 3] with values from 0 to 255,
	// to what Extract expects.
	Preprocess(images *Node) *Node

	// Extract returns the activation maps of the preprocessed images.
	// It must not create trainable variables.
	Extract(ctx *context.Context, images *Node) Activations
}

// SubtractMeanPixel centers images (values 0 to 255, channels last) on the ImageNet mean pixel.
func SubtractMeanPixel(images *Node) *Node {
	images.AssertRank(4)
	g := images.Graph()
	mean := Const(g, [][][][]float32{{{{
		float32(MeanPixel[0]), float32(MeanPixel[1]), float32(MeanPixel[2]),
	}}}})
	mean = ConvertDType(mean, images.DType())
	return Sub(images, mean)
}
