// Package watch analyzes ND2 files as they appear in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoDir      = errors.New("watch: directory is required")
	ErrNoAnalyzer = errors.New("watch: analyze function is required")
)

const (
	DefaultPattern  = "*.nd2"
	DefaultDebounce = 500 * time.Millisecond
)

type AnalyzeFunc func(ctx context.Context, path string) (frap.Result, error)

type Watcher struct {
	Dir     string
	Pattern string
	Format  report.Format
	// OutDir receives the reports. Empty means Dir.
	OutDir   string
	Debounce time.Duration
	// Initial processes files already present when Run starts.
	Initial bool
	Analyze AnalyzeFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Stats reports how many files were analyzed successfully and how many
// failed since Run started.
func (w *Watcher) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

// Run blocks until ctx is cancelled. Analysis errors are logged and counted.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Dir == "" {
		return ErrNoDir
	}
	if w.Analyze == nil {
		return ErrNoAnalyzer
	}
	pattern := w.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("watch: pattern %q: %w", pattern, err)
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	format := w.Format
	if format == "" {
		format = report.FormatText
	}
	outDir := w.OutDir
	if outDir == "" {
		outDir = w.Dir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("watch: create output dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", w.Dir, err)
	}

	log.Info().
		Str("dir", w.Dir).
		Str("pattern", pattern).
		Str("out_dir", outDir).
		Str("format", string(format)).
		Msg("watching for nd2 files")

	ready := make(chan string)
	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()
	schedule := func(path string, delay time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(delay, func() {
			mu.Lock()
			delete(timers, path)
			mu.Unlock()
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	if w.Initial {
		entries, err := os.ReadDir(w.Dir)
		if err != nil {
			return fmt.Errorf("watch: list %s: %w", w.Dir, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && matches(pattern, e.Name()) {
				schedule(filepath.Join(w.Dir, e.Name()), 0)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !matches(pattern, filepath.Base(event.Name)) {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("nd2 file changed")
			schedule(event.Name, debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")

		case path := <-ready:
			w.process(ctx, path, outDir, format)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path, outDir string, format report.Format) {
	start := time.Now()
	res, err := w.Analyze(ctx, path)
	if err == nil {
		err = report.WriteFile(report.OutputPath(outDir, path, format), res, format)
	}
	if err != nil {
		w.failed.Add(1)
		log.Error().Err(err).Str("path", path).Msg("watch: analysis failed")
		return
	}
	w.processed.Add(1)
	log.Info().
		Str("path", path).
		Str("report", report.OutputPath(outDir, path, format)).
		Dur("elapsed", time.Since(start)).
		Msg("watch: report written")
}

func matches(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
