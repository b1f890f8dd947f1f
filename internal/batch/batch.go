// Package batch analyzes many inputs with bounded concurrency.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidWorkers = errors.New("batch: workers must be at least 1")

// Func analyzes a single input.
type Func func(ctx context.Context, input string) (frap.Result, error)

// Outcome is the result of one input. Err is per input and never aborts
// the rest of the batch.
type Outcome struct {
	Input    string
	Result   frap.Result
	Err      error
	Duration time.Duration
}

// Run applies fn to every input with at most workers in flight. Outcomes
// are returned in input order. Inputs not started before ctx is cancelled
// carry ctx.Err().
func Run(ctx context.Context, inputs []string, workers int, fn Func) ([]Outcome, error) {
	if workers < 1 {
		return nil, ErrInvalidWorkers
	}
	out := make([]Outcome, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, input := range inputs {
		out[i].Input = input
		if err := gctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		g.Go(func() error {
			start := time.Now()
			res, err := fn(gctx, input)
			out[i].Result = res
			out[i].Err = err
			out[i].Duration = time.Since(start)
			if err != nil {
				log.Warn().Err(err).Str("input", input).Msg("batch: analysis failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Failed counts outcomes with an error.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
