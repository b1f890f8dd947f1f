// Package pipeline runs an analysis end to end: resolve the input, open
// the ND2 file, analyze and record metrics.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/nd2"
	"github.com/rbnvrw/frapalyzer/internal/observability"
	"github.com/rbnvrw/frapalyzer/internal/source"
	"github.com/rs/zerolog/log"
)

// Caller labels for the analyses_total metric.
const (
	CallerCLI   = "cli"
	CallerBatch = "batch"
	CallerWatch = "watch"
	CallerHTTP  = "http"
	CallerMCP   = "mcp"
)

type Runner struct {
	Analysis frap.Options
	Source   source.Options
	Caller   string
}

func (r Runner) open(ctx context.Context, uri string) (*nd2.File, func(), error) {
	path, cleanup, err := source.Resolve(ctx, uri, r.Source)
	if err != nil {
		return nil, nil, err
	}
	f, err := nd2.Open(path)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return f, func() {
		f.Close()
		cleanup()
	}, nil
}

// Analyze runs the full FRAP analysis of uri.
func (r Runner) Analyze(ctx context.Context, uri string) (res frap.Result, err error) {
	start := time.Now()
	defer func() {
		observability.RecordAnalysis(r.caller(), time.Since(start), err)
	}()

	f, done, err := r.open(ctx, uri)
	if err != nil {
		return frap.Result{}, err
	}
	defer done()

	a, err := frap.NewAnalyzer(f, r.Analysis)
	if err != nil {
		return frap.Result{}, err
	}
	res, err = a.Analyze(ctx)
	if err != nil {
		return frap.Result{}, fmt.Errorf("%s: %w", source.Name(uri), err)
	}
	res.Source = source.Name(uri)

	log.Info().
		Str("source", res.Source).
		Str("caller", r.caller()).
		Int("frames", res.Frames).
		Dur("elapsed", time.Since(start)).
		Msg("analysis complete")
	return res, nil
}

// Describe returns the metadata of uri without reading frames.
func (r Runner) Describe(ctx context.Context, uri string) (nd2.Metadata, error) {
	f, done, err := r.open(ctx, uri)
	if err != nil {
		return nd2.Metadata{}, err
	}
	defer done()
	return f.Metadata(), nil
}

func (r Runner) caller() string {
	if r.Caller == "" {
		return CallerCLI
	}
	return r.Caller
}
