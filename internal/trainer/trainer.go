// Package trainer implements the training of a fast style transfer network: it optimizes the transform
// network so that its output minimizes the perceptual losses (see package losses) against a fixed style
// image, using a frozen feature network as reference.
//
// Hyperparameters are kept in the GoMLX context: see NewContext for the list and their defaults.
package trainer

import (
	"bytes"
	"fmt"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/styletransfer/internal/features"
	"github.com/janpfeifer/styletransfer/internal/generics"
	"github.com/janpfeifer/styletransfer/internal/losses"
	"github.com/janpfeifer/styletransfer/internal/transform"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"strings"
)

// Hyperparameters keys.
const (
	ParamContentWeight        = "content_weight"
	ParamStyleWeight          = "style_weight"
	ParamTVWeight             = "tv_weight"
	ParamBatchSize            = "batch_size"
	ParamEpochs               = "epochs"
	ParamCheckpointIterations = "checkpoint_iterations"
	ParamContentHeight        = "content_height"
	ParamContentWidth         = "content_width"
	ParamLoadWorkers          = "load_workers"

	// ParamContentLayer is the feature layer compared by the content loss.
	ParamContentLayer = "content_layer"

	// ParamStyleLayers is a comma-separated list of the feature layers compared by the style loss.
	ParamStyleLayers = "style_layers"
)

// NewContext returns a context with all the training hyperparameters set to their default values.
func NewContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamContentWeight:        7.5,
		ParamStyleWeight:          100.0,
		ParamTVWeight:             200.0,
		ParamBatchSize:            4,
		ParamEpochs:               2,
		ParamCheckpointIterations: 2000,
		ParamContentHeight:        256,
		ParamContentWidth:         256,
		ParamLoadWorkers:          4,
		ParamContentLayer:         features.ContentLayer,
		ParamStyleLayers:          strings.Join(features.StyleLayers, ","),

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-8,
		optimizers.ParamAdamDType:    "",

		features.ParamPooling:         features.PoolingMax.String(),
		transform.ParamChannels:       32,
		transform.ParamResidualBlocks: 5,
	})
	return ctx.Checked(false)
}

// WriteHyperparametersHelp lists the hyperparameters set in the context and their current values.
func WriteHyperparametersHelp(w io.Writer, ctx *context.Context) {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Hyperparameters, set with -config=\"key1=value1,key2=value2,...\":\n")
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	_, _ = w.Write(buf.Bytes())
}

// Hyperparameters used by the training loop, read from the context.
type Hyperparameters struct {
	ContentWeight, StyleWeight, TVWeight, LearningRate float64
	BatchSize, Epochs, CheckpointIterations            int
	ContentHeight, ContentWidth, LoadWorkers           int
	ContentLayer                                       string
	StyleLayers                                        []string
}

// HyperparametersFromContext reads the training hyperparameters from ctx.
func HyperparametersFromContext(ctx *context.Context) Hyperparameters {
	var styleLayers []string
	layers := generics.SliceMap(strings.Split(context.GetParamOr(ctx, ParamStyleLayers, ""), ","), strings.TrimSpace)
	for _, layer := range layers {
		if layer != "" {
			styleLayers = append(styleLayers, layer)
		}
	}
	return Hyperparameters{
		ContentWeight:        context.GetParamOr(ctx, ParamContentWeight, 7.5),
		StyleWeight:          context.GetParamOr(ctx, ParamStyleWeight, 100.0),
		TVWeight:             context.GetParamOr(ctx, ParamTVWeight, 200.0),
		LearningRate:         context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3),
		BatchSize:            context.GetParamOr(ctx, ParamBatchSize, 4),
		Epochs:               context.GetParamOr(ctx, ParamEpochs, 2),
		CheckpointIterations: context.GetParamOr(ctx, ParamCheckpointIterations, 2000),
		ContentHeight:        context.GetParamOr(ctx, ParamContentHeight, 256),
		ContentWidth:         context.GetParamOr(ctx, ParamContentWidth, 256),
		LoadWorkers:          context.GetParamOr(ctx, ParamLoadWorkers, 4),
		ContentLayer:         context.GetParamOr(ctx, ParamContentLayer, features.ContentLayer),
		StyleLayers:          styleLayers,
	}
}

// Validate returns an error describing the first invalid hyperparameter found.
func (hp Hyperparameters) Validate() error {
	for _, weight := range []struct {
		key   string
		value float64
	}{
		{ParamContentWeight, hp.ContentWeight},
		{ParamStyleWeight, hp.StyleWeight},
		{ParamTVWeight, hp.TVWeight},
		{optimizers.ParamLearningRate, hp.LearningRate},
	} {
		if weight.value < 0 {
			return errors.Errorf("hyperparameter %q must be >= 0, got %g", weight.key, weight.value)
		}
	}
	switch {
	case hp.BatchSize < 1:
		return errors.Errorf("hyperparameter %q must be >= 1, got %d", ParamBatchSize, hp.BatchSize)
	case hp.Epochs < 0:
		return errors.Errorf("hyperparameter %q must be >= 0, got %d", ParamEpochs, hp.Epochs)
	case hp.CheckpointIterations < 0:
		return errors.Errorf("hyperparameter %q must be >= 0, got %d", ParamCheckpointIterations, hp.CheckpointIterations)
	case hp.ContentHeight < 1 || hp.ContentWidth < 1:
		return errors.Errorf("content shape must be positive, got %dx%d", hp.ContentHeight, hp.ContentWidth)
	case hp.LoadWorkers < 1:
		return errors.Errorf("hyperparameter %q must be >= 1, got %d", ParamLoadWorkers, hp.LoadWorkers)
	case hp.ContentLayer == "":
		return errors.Errorf("hyperparameter %q must be set", ParamContentLayer)
	case len(hp.StyleLayers) == 0:
		return errors.Errorf("hyperparameter %q must list at least one layer", ParamStyleLayers)
	}
	seen := generics.MakeSet[string](len(hp.StyleLayers))
	for _, layer := range hp.StyleLayers {
		if seen.Has(layer) {
			return errors.Errorf("hyperparameter %q lists layer %q more than once", ParamStyleLayers, layer)
		}
		seen.Insert(layer)
	}
	return nil
}

// ProgressFn is called after every training step with the total loss of the step.
type ProgressFn func(epoch, iteration int, loss float32)

// Trainer of a transform network for one style image.
//
// A Trainer is not safe for concurrent use: the training loop owns the variables of the context.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	extractor features.Extractor
	network   transform.Network
	hp        Hyperparameters

	// styleTargets are the Gram matrices of the style image, computed once.
	styleTargets *losses.StyleTargets

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// checkpoint handler, if the model is being saved to disk.
	checkpoint *checkpoints.Handler

	progress ProgressFn
}

// New creates a Trainer for the given style image, shaped [height, width, 3] with values from 0 to 255.
//
// The hyperparameters are read from ctx (see NewContext) and validated. The Gram matrices of the style
// image are computed here, once, with the frozen extractor.
func New(backend backends.Backend, ctx *context.Context, extractor features.Extractor, network transform.Network,
	styleImage *tensors.Tensor) (*Trainer, error) {
	hp := HyperparametersFromContext(ctx)
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if sized, ok := network.(transform.SizeValidator); ok {
		if err := sized.ValidateSize(hp.ContentHeight, hp.ContentWidth); err != nil {
			return nil, err
		}
	}
	t := &Trainer{
		backend:   backend,
		ctx:       ctx.Checked(false),
		extractor: extractor,
		network:   network,
		hp:        hp,
	}
	var err error
	t.styleTargets, err = losses.NewStyleTargets(backend, t.ctx, extractor, styleImage, hp.StyleLayers)
	if err != nil {
		return nil, err
	}
	t.optimizer = optimizers.FromContext(t.ctx)
	klog.V(1).Infof("Trainer: batch_size=%d, epochs=%d, content shape %dx%d, style image %s",
		hp.BatchSize, hp.Epochs, hp.ContentHeight, hp.ContentWidth, styleImage.Shape())
	return t, nil
}

// WithCheckpoint associates a checkpoint handler (see CreateCheckpoint) with the trainer, used by
// Session.Save.
//
// The frozen feature network variables are excluded from saving: they are loaded from the
// pretrained weights on every run.
func (t *Trainer) WithCheckpoint(checkpoint *checkpoints.Handler) *Trainer {
	t.checkpoint = checkpoint
	if checkpoint != nil {
		frozenVars := features.ScopeVariables(t.ctx)
		checkpoint.ExcludeVarsFromSaving(frozenVars...)
		klog.V(1).Infof("Excluding %d frozen feature network variables from checkpoints", len(frozenVars))
	}
	return t
}

// Save persists the trainable variables and hyperparameters through the checkpoint handler.
// If the trainer has no checkpoint handler it only logs a warning.
func (t *Trainer) Save() error {
	if t.checkpoint == nil {
		klog.Warningf("Trainer is not associated to a checkpoint directory, not saving")
		return nil
	}
	return t.checkpoint.Save()
}

// WithProgress sets a function to be called after every training step.
func (t *Trainer) WithProgress(fn ProgressFn) *Trainer {
	t.progress = fn
	return t
}

// Hyperparameters the trainer was created with.
func (t *Trainer) Hyperparameters() Hyperparameters { return t.hp }

// Context holding the variables and hyperparameters of the trainer.
func (t *Trainer) Context() *context.Context { return t.ctx }

// CreateCheckpoint attaches a checkpoint handler in dir to ctx, keeping the last keep checkpoints.
//
// If dir already has a checkpoint, its hyperparameters and variables (transform network and
// optimizer state) are loaded immediately into ctx. So it should be called before user overrides of
// the hyperparameters are applied.
func CreateCheckpoint(ctx *context.Context, dir string, keep int) (*checkpoints.Handler, error) {
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build checkpoint in %q", dir)
	}
	return checkpoint, nil
}

// objectiveGraph builds the transform network on a batch of raw content images, shaped
// [batch, height, width, 3] with values from 0 to 255, and returns the stylized images and the
// loss terms, each already divided by the batch size.
func (t *Trainer) objectiveGraph(ctx *context.Context, batch *Node) (stylized *Node, terms Terms) {
	stylized = t.network.ForwardGraph(ctx, DivScalar(batch, 255))
	calc := losses.NewCalculator(ctx, t.extractor, stylized)
	batchSize := float64(t.hp.BatchSize)
	terms.Content = DivScalar(calc.ContentLoss(batch, t.hp.ContentLayer, t.hp.ContentWeight), batchSize)
	terms.Style = DivScalar(calc.StyleLoss(t.styleTargets, t.hp.StyleWeight), batchSize)
	terms.TotalVariation = DivScalar(calc.TotalVariationLoss(t.hp.TVWeight), batchSize)
	terms.Total = Add(Add(terms.Content, terms.Style), terms.TotalVariation)
	return
}

// Terms of the training objective, as graph nodes.
type Terms struct {
	Content, Style, TotalVariation, Total *Node
}
