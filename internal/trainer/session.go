package trainer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// Session holds the compiled computations of one training run. It is valid only during the
// Trainer.Train call that created it.
type Session struct {
	trainer   *Trainer
	iteration int

	// Executors.
	trainStepExec, evalExec *context.Exec

	// NumCompilations of computation graphs.
	NumCompilations int
}

func (t *Trainer) newSession() *Session {
	s := &Session{trainer: t}
	s.trainStepExec = context.NewExec(t.backend, t.ctx,
		func(ctx *context.Context, batch *Node) *Node {
			s.NumCompilations++
			g := batch.Graph()
			ctx.SetTraining(g, true)
			_, terms := t.objectiveGraph(ctx, batch)
			t.optimizer.UpdateGraph(ctx, g, terms.Total)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return terms.Total
		})
	s.evalExec = context.NewExec(t.backend, t.ctx,
		func(ctx *context.Context, batch *Node) []*Node {
			s.NumCompilations++
			stylized, terms := t.objectiveGraph(ctx, batch)
			dims := stylized.Shape().Dimensions
			sample := Reshape(Slice(stylized, AxisRange(0, 1)), dims[1], dims[2], dims[3])
			return []*Node{sample, terms.Content, terms.Style, terms.TotalVariation, terms.Total}
		})
	return s
}

// trainStep runs one optimizer step on the batch and returns the total loss.
func (s *Session) trainStep(batch *tensors.Tensor) float32 {
	lossT := s.trainStepExec.Call(batch)[0]
	return tensors.ToScalar[float32](lossT)
}

// evaluate the batch without changing the variables: it returns the first stylized image of the
// batch and the losses.
func (s *Session) evaluate(batch *tensors.Tensor) (sample *tensors.Tensor, l Losses) {
	outputs := s.evalExec.Call(batch)
	l = Losses{
		LossContent:        tensors.ToScalar[float32](outputs[1]),
		LossStyle:          tensors.ToScalar[float32](outputs[2]),
		LossTotalVariation: tensors.ToScalar[float32](outputs[3]),
		LossTotal:          tensors.ToScalar[float32](outputs[4]),
	}
	return outputs[0], l
}

// Iteration returns the index of the current training step within the run, starting from 0.
func (s *Session) Iteration() int { return s.iteration }

// Context holding the variables being trained.
func (s *Session) Context() *context.Context { return s.trainer.ctx }

// Save is a shortcut to Trainer.Save.
func (s *Session) Save() error { return s.trainer.Save() }

// finalize frees the compiled computations. The variables are kept in the context.
func (s *Session) finalize() {
	s.trainStepExec.Finalize()
	s.evalExec.Finalize()
}
