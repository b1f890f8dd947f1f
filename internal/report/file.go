package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rs/zerolog/log"
)

// WriteFile renders res to path atomically. Readers see either the old
// file or the complete new one.
func WriteFile(path string, res frap.Result, f Format) error {
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("cleanup pending report")
		}
	}()

	if err := Render(pendingFile, res, f); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// OutputPath is <dir>/<input base without extension>.frap.<ext>. An empty
// dir places the report next to the input.
func OutputPath(dir, input string, f Format) string {
	if dir == "" {
		dir = filepath.Dir(input)
	}
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+".frap."+Extension(f))
}
