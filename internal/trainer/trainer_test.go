package trainer

import (
	"context"
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/styletransfer/internal/features"
	"github.com/janpfeifer/styletransfer/internal/imageio"
	"github.com/janpfeifer/styletransfer/internal/parameters"
	"github.com/janpfeifer/styletransfer/internal/transform"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
)

// stubExtractor is a cheap deterministic feature network with one frozen variable.
type stubExtractor struct{}

func (stubExtractor) Preprocess(images *Node) *Node { return DivScalar(images, 255) }

func (stubExtractor) Extract(ctx *mlctx.Context, images *Node) features.Activations {
	scaleVar := ctx.In(features.Scope).VariableWithValue("scale", float32(1)).SetTrainable(false)
	pixels := Mul(images, scaleVar.ValueGraph(images.Graph()))
	return features.Activations{
		"pixels": pixels,
		"pooled": MeanPool(pixels).Window(2).Done(),
	}
}

// patternImage returns an image tensor with a deterministic pattern, varying with seed.
func patternImage(height, width, seed int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, height, width, 3))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32((ii*(7+seed) + 13*seed) % 256)
		}
	})
	return t
}

// writeContentImages writes n PNG content images of the given size and returns their paths.
func writeContentImages(t *testing.T, n, size int) []string {
	dir := t.TempDir()
	paths := make([]string, n)
	for ii := range n {
		paths[ii] = filepath.Join(dir, fmt.Sprintf("content_%02d.png", ii))
		require.NoError(t, imageio.SavePNG(paths[ii], patternImage(size, size, ii)))
	}
	return paths
}

// newTestContext returns a context configured for a tiny network and the stub extractor,
// with the config string applied on top.
func newTestContext(t *testing.T, config string) *mlctx.Context {
	ctx := NewContext()
	ctx.SetParams(map[string]any{
		ParamContentLayer:             "pixels",
		ParamStyleLayers:              "pixels,pooled",
		ParamBatchSize:                1,
		ParamEpochs:                   1,
		ParamCheckpointIterations:     1,
		ParamContentHeight:            16,
		ParamContentWidth:             16,
		ParamLoadWorkers:              2,
		transform.ParamChannels:       4,
		transform.ParamResidualBlocks: 1,
	})
	require.NoError(t, parameters.ApplyToContext(parameters.NewFromConfigString(config), ctx))
	return ctx
}

func newTestTrainer(t *testing.T, config string) *Trainer {
	backend := graphtest.BuildTestBackend()
	trainer, err := New(backend, newTestContext(t, config), stubExtractor{}, transform.ResidualNet{}, patternImage(12, 20, 99))
	require.NoError(t, err)
	return trainer
}

func TestNewContext(t *testing.T) {
	hp := HyperparametersFromContext(NewContext())
	require.NoError(t, hp.Validate())
	require.Equal(t, Hyperparameters{
		ContentWeight:        7.5,
		StyleWeight:          100,
		TVWeight:             200,
		LearningRate:         1e-3,
		BatchSize:            4,
		Epochs:               2,
		CheckpointIterations: 2000,
		ContentHeight:        256,
		ContentWidth:         256,
		LoadWorkers:          4,
		ContentLayer:         features.ContentLayer,
		StyleLayers:          features.StyleLayers,
	}, hp)

	var buf strings.Builder
	WriteHyperparametersHelp(&buf, NewContext())
	require.Contains(t, buf.String(), ParamCheckpointIterations)
}

func TestNewValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	styleImage := patternImage(12, 20, 99)
	for _, config := range []string{
		"batch_size=0",
		"epochs=-1",
		"checkpoint_iterations=-2",
		"style_weight=-1",
		"learning_rate=-0.1",
		"content_height=30",
		"style_layers=",
		"style_layers=relu1_1",
		"style_layers=pixels,pooled,pixels",
	} {
		_, err := New(backend, newTestContext(t, config), stubExtractor{}, transform.ResidualNet{}, styleImage)
		require.Errorf(t, err, "config %q should fail", config)
		fmt.Printf("Expected error for %q: %v\n", config, err)
	}

	_, err := New(backend, newTestContext(t, ""), stubExtractor{}, transform.ResidualNet{},
		tensors.FromShape(shapes.Make(dtypes.Float32, 1, 12, 20, 3)))
	require.Error(t, err)
}

func TestTrainEndToEnd(t *testing.T) {
	trainer := newTestTrainer(t, "content_height=64,content_width=64")
	paths := writeContentImages(t, 1, 64)

	var checkpoints []*Checkpoint
	err := trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		checkpoints = append(checkpoints, checkpoint)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	checkpoint := checkpoints[0]
	require.Equal(t, 0, checkpoint.Iteration)
	require.NotNil(t, checkpoint.Session)
	require.Equal(t, []int{64, 64, 3}, checkpoint.Sample.Shape().Dimensions)
	// One compilation for the training step and one for the evaluation.
	require.Equal(t, 2, checkpoint.Session.NumCompilations)

	var keys []string
	for key := range checkpoint.Losses {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	require.Equal(t, []string{LossContent, LossStyle, LossTotal, LossTotalVariation}, keys)
	l := checkpoint.Losses
	require.InDelta(t, l[LossContent]+l[LossStyle]+l[LossTotalVariation], l[LossTotal], 1e-4*float64(l[LossTotal])+1e-5)
	for name, value := range l {
		require.Falsef(t, math.IsNaN(float64(value)) || math.IsInf(float64(value), 0), "loss %s=%g", name, value)
		require.GreaterOrEqualf(t, value, float32(0), "loss %s", name)
	}

	// The feature network is frozen, and the transform network variables are trainable.
	ctx := trainer.Context()
	scaleVar := ctx.InspectVariable("/"+features.Scope, "scale")
	require.NotNil(t, scaleVar)
	require.Equal(t, float32(1), tensors.ToScalar[float32](scaleVar.Value()))
	var numTransformVars int
	ctx.EnumerateVariables(func(v *mlctx.Variable) {
		if strings.HasPrefix(v.Scope(), "/"+transform.Scope) {
			numTransformVars++
			require.Truef(t, v.Trainable, "variable %s should be trainable", v.ScopeAndName())
		}
	})
	require.Greater(t, numTransformVars, 0)
}

func TestTrainWithoutCheckpoints(t *testing.T) {
	var iterations []int
	trainer := newTestTrainer(t, "checkpoint_iterations=0,batch_size=2,epochs=2")
	trainer.WithProgress(func(epoch, iteration int, loss float32) {
		require.Equal(t, iteration/2, epoch)
		iterations = append(iterations, iteration)
	})
	paths := writeContentImages(t, 3, 16)
	var numCheckpoints int
	err := trainer.Train(context.Background(), paths, func(*Checkpoint) error {
		numCheckpoints++
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, numCheckpoints)
	require.Equal(t, []int{0, 1, 2, 3}, iterations)
}

func TestTrainPartialBatch(t *testing.T) {
	trainer := newTestTrainer(t, "batch_size=2")
	paths := writeContentImages(t, 3, 16)
	var iterations []int
	err := trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		iterations = append(iterations, checkpoint.Iteration)
		require.Equal(t, []int{16, 16, 3}, checkpoint.Sample.Shape().Dimensions)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, iterations)

	// Iterations are counted per run, and checkpoints only happen on multiples of checkpoint_iterations.
	trainer = newTestTrainer(t, "checkpoint_iterations=2,epochs=2")
	iterations = nil
	err = trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		iterations = append(iterations, checkpoint.Iteration)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 4}, iterations)
}

func TestTrainStop(t *testing.T) {
	paths := writeContentImages(t, 3, 16)

	trainer := newTestTrainer(t, "")
	var numCheckpoints int
	err := trainer.Train(context.Background(), paths, func(*Checkpoint) error {
		numCheckpoints++
		return ErrStop
	})
	require.NoError(t, err)
	require.Equal(t, 1, numCheckpoints)

	errDiskFull := errors.New("disk full")
	numCheckpoints = 0
	err = trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		numCheckpoints++
		if checkpoint.Iteration == 1 {
			return errDiskFull
		}
		return nil
	})
	require.ErrorIs(t, err, errDiskFull)
	require.Equal(t, 2, numCheckpoints)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	numCheckpoints = 0
	err = trainer.Train(cancelled, paths, func(*Checkpoint) error {
		numCheckpoints++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, numCheckpoints)

	err = trainer.Train(context.Background(), append(paths, filepath.Join(t.TempDir(), "missing.png")), nil)
	require.Error(t, err)
}

func TestCheckpointsSequence(t *testing.T) {
	trainer := newTestTrainer(t, "")
	paths := writeContentImages(t, 2, 16)

	var iterations []int
	for checkpoint, err := range trainer.Checkpoints(context.Background(), paths) {
		require.NoError(t, err)
		iterations = append(iterations, checkpoint.Iteration)
	}
	require.Equal(t, []int{0, 1}, iterations)

	// Breaking out stops training.
	var progress int
	trainer.WithProgress(func(_, _ int, _ float32) { progress++ })
	iterations = nil
	for checkpoint, err := range trainer.Checkpoints(context.Background(), paths) {
		require.NoError(t, err)
		iterations = append(iterations, checkpoint.Iteration)
		break
	}
	require.Equal(t, []int{0}, iterations)
	require.Equal(t, 1, progress)

	// Errors are yielded.
	var gotErr error
	for _, err := range trainer.Checkpoints(context.Background(), []string{filepath.Join(t.TempDir(), "missing.png")}) {
		gotErr = err
	}
	require.Error(t, gotErr)
}

func TestSessionSave(t *testing.T) {
	paths := writeContentImages(t, 1, 16)

	// Without a checkpoint handler saving is a no-op.
	trainer := newTestTrainer(t, "")
	require.NoError(t, trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		return checkpoint.Session.Save()
	}))

	dir := filepath.Join(t.TempDir(), "model")
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t, "")
	handler, err := CreateCheckpoint(ctx, dir, 2)
	require.NoError(t, err)
	trainer, err = New(backend, ctx, stubExtractor{}, transform.ResidualNet{}, patternImage(12, 20, 99))
	require.NoError(t, err)
	trainer.WithCheckpoint(handler)
	require.NoError(t, trainer.Train(context.Background(), paths, func(checkpoint *Checkpoint) error {
		require.Same(t, trainer.Context(), checkpoint.Session.Context())
		return checkpoint.Session.Save()
	}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Restarting from the checkpoint restores the transform network.
	restored := NewContext()
	_, err = CreateCheckpoint(restored, dir, 2)
	require.NoError(t, err)
	var numTransformVars int
	restored.EnumerateVariables(func(v *mlctx.Variable) {
		if strings.HasPrefix(v.Scope(), "/"+transform.Scope) {
			numTransformVars++
		}
	})
	require.Greater(t, numTransformVars, 0)
	require.Equal(t, 16, mlctx.GetParamOr(restored, ParamContentHeight, 0))

	// Frozen feature network variables are not saved.
	require.NotNil(t, trainer.Context().InspectVariable("/"+features.Scope, "scale"))
	require.Nil(t, restored.InspectVariable("/"+features.Scope, "scale"))
	require.Empty(t, features.ScopeVariables(restored))
}

func TestSaveAfterInterrupt(t *testing.T) {
	paths := writeContentImages(t, 3, 16)
	dir := filepath.Join(t.TempDir(), "model")
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t, "checkpoint_iterations=0")
	handler, err := CreateCheckpoint(ctx, dir, 1)
	require.NoError(t, err)
	trainer, err := New(backend, ctx, stubExtractor{}, transform.ResidualNet{}, patternImage(12, 20, 99))
	require.NoError(t, err)
	trainer.WithCheckpoint(handler)

	// Interrupt after the first step: the trained variables must still be saveable.
	interrupted, cancel := context.WithCancel(context.Background())
	defer cancel()
	var numSteps int
	trainer.WithProgress(func(_, _ int, _ float32) {
		numSteps++
		cancel()
	})
	err = trainer.Train(interrupted, paths, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, numSteps)
	require.NoError(t, trainer.Save())

	restored := NewContext()
	_, err = CreateCheckpoint(restored, dir, 1)
	require.NoError(t, err)
	var numTransformVars int
	restored.EnumerateVariables(func(v *mlctx.Variable) {
		if strings.HasPrefix(v.Scope(), "/"+transform.Scope) {
			numTransformVars++
		}
	})
	require.Greater(t, numTransformVars, 0)
}

func TestLossesString(t *testing.T) {
	l := Losses{LossContent: 1, LossStyle: 2, LossTotalVariation: 0.5, LossTotal: 3.5}
	require.Equal(t, "content=1, style=2, total=3.5, total_variation=0.5", l.String())
}
