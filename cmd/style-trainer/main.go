// style-trainer trains a fast style transfer network: a transform network that applies the style of
// one image to any content image in a single forward pass.
//
// It optimizes the transform network over a directory of content images, using a frozen VGG19 network
// as the perceptual reference for the content, style and total variation losses. Every
// checkpoint_iterations iterations it saves the model and a stylized sample to -checkpoint_dir, and
// prints the loss breakdown. Training can be interrupted with Ctrl+C, and restarted from the last
// saved checkpoint.
//
// Example:
//
//	style-trainer -style=wave.jpg -train=data/train2014 -vgg=data/vgg19 -checkpoint_dir=models/wave \
//		-config="style_weight=100,batch_size=4,epochs=2"
//
// See -help for flags, and -help_config for hyperparameters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/janpfeifer/styletransfer/internal/features"
	"github.com/janpfeifer/styletransfer/internal/imageio"
	"github.com/janpfeifer/styletransfer/internal/parameters"
	"github.com/janpfeifer/styletransfer/internal/profilers"
	"github.com/janpfeifer/styletransfer/internal/trainer"
	"github.com/janpfeifer/styletransfer/internal/transform"
	"github.com/janpfeifer/styletransfer/internal/ui/cli"
	"github.com/janpfeifer/styletransfer/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagStyle = flag.String("style", "", "Path to the style image.")
	flagTrain = flag.String("train", "", "Directory with the content images to train on, searched recursively.")
	flagCheckpointDir = flag.String("checkpoint_dir", "",
		"Directory where to save the transform network. If it already has a checkpoint, training restarts from it. "+
			"If empty the model is not saved.")
	flagKeep = flag.Int("keep", 10, "Number of checkpoints to keep in -checkpoint_dir.")
	flagVGG  = flag.String("vgg", "",
		"Directory with the pretrained VGG19 weights, saved as a GoMLX checkpoint. "+
			"If empty, random weights are used, which is only useful for testing.")
	flagConfig = flag.String("config", "",
		"Hyperparameters overrides, e.g.: \"content_weight=7.5,style_weight=100,epochs=2\". See -help_config.")
	flagSaveSamples = flag.Bool("save_samples", true,
		"Save the stylized sample of each checkpoint as sample_<iteration>.png in -checkpoint_dir.")
	flagHelpConfig = flag.Bool("help_config", false, "List the hyperparameters and their default values, and exit.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := trainer.NewContext()
	if *flagHelpConfig {
		trainer.WriteHyperparametersHelp(os.Stdout, ctx)
		return
	}
	if *flagStyle == "" || *flagTrain == "" {
		klog.Fatalf("Flags -style and -train are required, see -help.")
	}

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = spinning.WithInterrupt(context.Background(), 30*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	t := must.M1(createTrainer(ctx))
	contentPaths := must.M1(imageio.ListImages(*flagTrain))
	if len(contentPaths) == 0 {
		klog.Fatalf("No content images (%v) found in -train=%q", imageio.Extensions, *flagTrain)
	}
	hp := t.Hyperparameters()
	fmt.Printf("Training on %d content images (%dx%d), batch_size=%d, %d epochs\n",
		len(contentPaths), hp.ContentHeight, hp.ContentWidth, hp.BatchSize, hp.Epochs)

	progress := cli.NewProgress(os.Stdout, cli.IsTerminal())
	t.WithProgress(progress.Update)
	err := t.Train(globalCtx, contentPaths, func(checkpoint *trainer.Checkpoint) error {
		progress.Break()
		cli.PrintCentered(os.Stdout, cli.RenderLosses(checkpoint.Iteration, checkpoint.Losses))
		return persistCheckpoint(checkpoint)
	})
	progress.Break()
	if errors.Is(err, context.Canceled) {
		fmt.Println("Training interrupted.")
		if *flagCheckpointDir != "" {
			// The interrupt grace period is used to save the last state.
			must.M(t.Save())
			fmt.Printf("Checkpoint saved in %q.\n", *flagCheckpointDir)
		}
		return
	}
	must.M(err)
	fmt.Println("Training finished.")
}

// createTrainer loads the checkpoint (if any), the VGG19 weights and the style image, applies the
// hyperparameters overrides and creates the trainer.
func createTrainer(ctx *mlctx.Context) (*trainer.Trainer, error) {
	// The checkpoint is loaded first, so -config can override the hyperparameters it restores.
	var checkpoint *checkpoints.Handler
	if *flagCheckpointDir != "" {
		var err error
		checkpoint, err = trainer.CreateCheckpoint(ctx, *flagCheckpointDir, *flagKeep)
		if err != nil {
			return nil, err
		}
	}
	if err := features.LoadPretrained(ctx, *flagVGG); err != nil {
		return nil, err
	}
	if err := parameters.ApplyToContext(parameters.NewFromConfigString(*flagConfig), ctx); err != nil {
		return nil, errors.WithMessagef(err, "invalid -config=%q, see -help_config", *flagConfig)
	}
	vgg, err := features.NewVGG19(ctx)
	if err != nil {
		return nil, err
	}
	styleImage, err := imageio.LoadTensor(*flagStyle, 0, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading style image -style=%q", *flagStyle)
	}

	backend := backends.New()
	klog.V(1).Infof("Backend: %s", backend.Name())
	spinner := spinning.New(globalCtx, "Computing style image targets")
	t, err := trainer.New(backend, ctx, vgg, transform.ResidualNet{}, styleImage)
	elapsed := spinner.Done()
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Style image targets computed in %s", elapsed)
	return t.WithCheckpoint(checkpoint), nil
}

// persistCheckpoint saves the model and, if -save_samples is set, the stylized sample.
func persistCheckpoint(checkpoint *trainer.Checkpoint) error {
	if err := checkpoint.Session.Save(); err != nil {
		return errors.WithMessagef(err, "saving model at iteration %d", checkpoint.Iteration)
	}
	if !*flagSaveSamples || *flagCheckpointDir == "" {
		return nil
	}
	samplePath := filepath.Join(*flagCheckpointDir, fmt.Sprintf("sample_%06d.png", checkpoint.Iteration))
	if err := imageio.SavePNG(samplePath, checkpoint.Sample); err != nil {
		return err
	}
	klog.V(1).Infof("Saved sample to %s", samplePath)
	return nil
}
