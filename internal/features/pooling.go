package features

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Pooling selects how VGG19 downsamples between convolution blocks.
type Pooling int

const (
	PoolingMax Pooling = iota
	PoolingAverage
)

//go:generate go tool enumer -type=Pooling -trimprefix=Pooling -transform=snake -values -text -json pooling.go

// Apply the 2x2 pooling to images shaped [batch, height, width, channels].
func (p Pooling) Apply(images *Node) *Node {
	switch p {
	case PoolingMax:
		return MaxPool(images).Window(2).Done()
	case PoolingAverage:
		return MeanPool(images).Window(2).Done()
	}
	exceptions.Panicf("unknown pooling type %d", int(p))
	return nil
}
