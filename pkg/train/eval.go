package train

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
)

// EstimateLoss averages EvalIters micro-batch losses over one split with
// dropout disabled. Batches are drawn up front under the cursor lock, then
// scored in parallel; each worker forwards on a shared read-only model, which
// is safe because inference builds no graph state on the weights.
func EstimateLoss(ctx context.Context, cfg config.RunConfig, gpt *model.GPT, cursor *data.Cursor, split data.Split) (float64, error) {
	iters := cfg.Schedule.EvalIters
	batches := make([]data.Batch, iters)
	for i := range batches {
		b, err := cursor.FetchMicroBatch(split)
		if err != nil {
			return 0, err
		}
		batches[i] = b
	}

	losses := make([]float64, iters)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := batches[i]
			sum := 0.0
			for j := range b.Inputs {
				l, err := gpt.SequenceLoss(b.Inputs[j], b.Targets[j], nil)
				if err != nil {
					return err
				}
				sum += l.Data
			}
			losses[i] = cfg.DType.Round(sum / float64(len(b.Inputs)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return stat.Mean(losses, nil), nil
}
