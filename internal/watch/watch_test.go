package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rbnvrw/frapalyzer/internal/testutil/fixture"
	"github.com/rbnvrw/frapalyzer/internal/testutil/testlog"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func exists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("watcher returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("watcher did not stop")
		}
	})
}

func TestWatcherAnalyzesInitialAndNewFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "reports")
	o := fixture.Options()
	fixture.WriteND2(t, dir, "first.nd2", o)

	runner := pipeline.Runner{Analysis: frap.DefaultOptions(), Caller: pipeline.CallerWatch}
	w := &Watcher{
		Dir:      dir,
		Format:   report.FormatJSON,
		OutDir:   outDir,
		Debounce: 50 * time.Millisecond,
		Initial:  true,
		Analyze:  runner.Analyze,
	}
	startWatcher(t, w)

	waitFor(t, "initial report", exists(filepath.Join(outDir, "first.frap.json")))

	staged := fixture.WriteND2(t, t.TempDir(), "second.nd2", o)
	if err := os.Rename(staged, filepath.Join(dir, "second.nd2")); err != nil {
		t.Fatalf("move fixture: %v", err)
	}
	waitFor(t, "report for new file", exists(filepath.Join(outDir, "second.frap.json")))

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(outDir, "notes.frap.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected non-matching file to be ignored, stat err %v", err)
	}
	processed, failed := w.Stats()
	if processed != 2 || failed != 0 {
		t.Fatalf("unexpected stats processed=%d failed=%d", processed, failed)
	}
}

func TestWatcherCountsFailures(t *testing.T) {
	dir := t.TempDir()
	w := &Watcher{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		Initial:  true,
		Analyze: func(ctx context.Context, path string) (frap.Result, error) {
			return frap.Result{}, errors.New("corrupt")
		},
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.nd2"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	startWatcher(t, w)

	waitFor(t, "failure count", func() bool {
		_, failed := w.Stats()
		return failed == 1
	})
	if _, err := os.Stat(filepath.Join(dir, "bad.frap.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no report for failed analysis, stat err %v", err)
	}
}

func TestWatcherValidation(t *testing.T) {
	ctx := context.Background()
	if err := (&Watcher{}).Run(ctx); !errors.Is(err, ErrNoDir) {
		t.Fatalf("expected ErrNoDir, got %v", err)
	}
	if err := (&Watcher{Dir: t.TempDir()}).Run(ctx); !errors.Is(err, ErrNoAnalyzer) {
		t.Fatalf("expected ErrNoAnalyzer, got %v", err)
	}
	noop := func(context.Context, string) (frap.Result, error) { return frap.Result{}, nil }
	if err := (&Watcher{Dir: t.TempDir(), Pattern: "[", Analyze: noop}).Run(ctx); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}
