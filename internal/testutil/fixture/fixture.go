// Package fixture writes synthetic ND2 acquisitions for tests.
package fixture

import (
	"path/filepath"
	"testing"

	"github.com/rbnvrw/frapalyzer/internal/frap"
)

// Options returns small, fast synthetic acquisition settings.
func Options() frap.SynthOptions {
	o := frap.DefaultSynthOptions()
	o.Width = 32
	o.Height = 32
	o.PostFrames = 12
	return o
}

// WriteND2 writes a synthetic acquisition named name into dir.
func WriteND2(t testing.TB, dir, name string, o frap.SynthOptions) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := frap.SynthesizeFile(path, o); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

// TempND2 writes a default fixture into a fresh temp dir.
func TempND2(t testing.TB) string {
	t.Helper()
	return WriteND2(t, t.TempDir(), "frap.nd2", Options())
}
