package trainer

import (
	"context"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/styletransfer/internal/generics"
	"github.com/janpfeifer/styletransfer/internal/imageio"
	"github.com/pkg/errors"
	"iter"
	"k8s.io/klog/v2"
	"strings"
)

// Names of the losses reported in a Checkpoint.
const (
	LossContent        = "content"
	LossStyle          = "style"
	LossTotalVariation = "total_variation"
	LossTotal          = "total"
)

// Losses maps loss names (LossContent, LossStyle, LossTotalVariation and LossTotal) to their values.
type Losses map[string]float32

// String implements fmt.Stringer.
func (l Losses) String() string {
	parts := make([]string, 0, len(l))
	for name, value := range generics.SortedKeysAndValues(l) {
		parts = append(parts, fmt.Sprintf("%s=%.4g", name, value))
	}
	return strings.Join(parts, ", ")
}

// Checkpoint is a snapshot of the training, handed to the caller every
// checkpoint_iterations iterations. It is not retained by the trainer.
type Checkpoint struct {
	// Iteration within the training run, starting from 0.
	Iteration int

	// Session can be used to save the variables being trained.
	Session *Session

	// Sample is the first stylized image of the current batch, shaped [height, width, 3].
	Sample *tensors.Tensor

	// Losses evaluated on the current batch.
	Losses Losses
}

// ErrStop can be returned by the checkpoint callback of Trainer.Train to stop training without an error.
var ErrStop = errors.New("stop training")

// Train the transform network on the content images for the configured number of epochs.
//
// Each epoch goes over contentPaths in order, in batches of batch_size: the last batch may be shorter,
// in which case the missing examples are filled with zeros. Every checkpoint_iterations iterations
// (0 disables it) onCheckpoint is called with a Checkpoint, and training only resumes once it returns.
// If onCheckpoint returns an error training stops, and the error is returned unless it is ErrStop.
//
// Cancelling ctx stops training between steps, returning ctx.Err().
func (t *Trainer) Train(ctx context.Context, contentPaths []string, onCheckpoint func(*Checkpoint) error) error {
	session := t.newSession()
	defer session.finalize()
	var err error
	exception := exceptions.TryCatch[error](func() { err = t.trainLoop(ctx, session, contentPaths, onCheckpoint) })
	if exception != nil {
		return errors.WithMessagef(exception, "training failed at iteration %d", session.iteration)
	}
	return err
}

func (t *Trainer) trainLoop(ctx context.Context, session *Session, contentPaths []string,
	onCheckpoint func(*Checkpoint) error) error {
	hp := t.hp
	if len(contentPaths) == 0 {
		klog.Warningf("No content images to train on")
		return nil
	}
	for epoch := range hp.Epochs {
		klog.V(1).Infof("Epoch %d: %d content images", epoch, len(contentPaths))
		for start := 0; start < len(contentPaths); start += hp.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+hp.BatchSize, len(contentPaths))
			batch, err := imageio.LoadBatch(ctx, contentPaths[start:end], hp.BatchSize,
				hp.ContentHeight, hp.ContentWidth, hp.LoadWorkers)
			if err != nil {
				return errors.WithMessagef(err, "loading batch for iteration %d", session.iteration)
			}
			loss := session.trainStep(batch)
			if t.progress != nil {
				t.progress(epoch, session.iteration, loss)
			}
			if hp.CheckpointIterations > 0 && session.iteration%hp.CheckpointIterations == 0 && onCheckpoint != nil {
				sample, l := session.evaluate(batch)
				err = onCheckpoint(&Checkpoint{
					Iteration: session.iteration,
					Session:   session,
					Sample:    sample,
					Losses:    l,
				})
				if errors.Is(err, ErrStop) {
					klog.V(1).Infof("Training stopped at iteration %d", session.iteration)
					return nil
				}
				if err != nil {
					return errors.WithMessagef(err, "checkpoint at iteration %d", session.iteration)
				}
			}
			session.iteration++
		}
	}
	return nil
}

// Checkpoints is like Train, but it yields the checkpoints as a sequence: training advances only
// as the sequence is consumed, and breaking out of the loop stops it. A training error is yielded
// as the last element, with a nil Checkpoint.
func (t *Trainer) Checkpoints(ctx context.Context, contentPaths []string) iter.Seq2[*Checkpoint, error] {
	return func(yield func(*Checkpoint, error) bool) {
		err := t.Train(ctx, contentPaths, func(checkpoint *Checkpoint) error {
			if !yield(checkpoint, nil) {
				return ErrStop
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}
