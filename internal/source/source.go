// Package source resolves analysis inputs into local files. Inputs are
// plain paths or file://, http(s):// and ssh:// URIs.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedScheme = errors.New("source: unsupported uri scheme")
	ErrInvalidURI        = errors.New("source: invalid uri")
	ErrDownload          = errors.New("source: download failed")
	ErrSchemeNotAllowed  = errors.New("source: uri scheme not allowed")
)

const tempPattern = "frap-*.nd2"

type Options struct {
	HTTPClient *http.Client
	SSH        SSHOptions
	// TempDir holds downloaded copies. Empty means os.TempDir.
	TempDir string
	// AllowedSchemes limits which inputs resolve. Plain paths count as
	// file. Empty allows every supported scheme.
	AllowedSchemes []string
}

// Resolve returns a local path for uri. cleanup removes any temporary copy
// and is never nil on success.
func Resolve(ctx context.Context, uri string, opts Options) (path string, cleanup func(), err error) {
	cleanup = func() {}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", nil, fmt.Errorf("%w: empty input", ErrInvalidURI)
	}

	if !strings.Contains(uri, "://") {
		if err := checkScheme("file", opts); err != nil {
			return "", nil, err
		}
		abs, err := filepath.Abs(expandHome(uri))
		if err != nil {
			return "", nil, fmt.Errorf("resolve %q: %w", uri, err)
		}
		return abs, cleanup, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if err := checkScheme(u.Scheme, opts); err != nil {
		return "", nil, err
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return "", nil, fmt.Errorf("%w: no path in %q", ErrInvalidURI, uri)
		}
		return u.Path, cleanup, nil
	case "http", "https":
		return download(ctx, u, opts)
	case "ssh":
		return fetchSSH(ctx, u, opts)
	default:
		return "", nil, fmt.Errorf("%w: %q (expected a path, file://, http://, https:// or ssh://)", ErrUnsupportedScheme, u.Scheme)
	}
}

func checkScheme(scheme string, opts Options) error {
	if len(opts.AllowedSchemes) == 0 || slices.Contains(opts.AllowedSchemes, scheme) {
		return nil
	}
	if scheme == "file" {
		return fmt.Errorf("%w: local files (allowed: %s)", ErrSchemeNotAllowed, strings.Join(opts.AllowedSchemes, ", "))
	}
	return fmt.Errorf("%w: %q (allowed: %s)", ErrSchemeNotAllowed, scheme, strings.Join(opts.AllowedSchemes, ", "))
}

// Name is a short display name for uri, the last path element.
func Name(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" && u.Path != "" {
		return filepath.Base(u.Path)
	}
	return filepath.Base(uri)
}

func download(ctx context.Context, u *url.URL, opts Options) (string, func(), error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrDownload, u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("%w: %s: status %d", ErrDownload, u.Redacted(), resp.StatusCode)
	}

	path, cleanup, err := toTempFile(opts.TempDir, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrDownload, u.Redacted(), err)
	}
	log.Debug().Str("url", u.Redacted()).Str("path", path).Msg("source: downloaded input")
	return path, cleanup, nil
}

// toTempFile creates a temp file, fills it with write and returns its path
// and a cleanup removing it. On error the file is already removed.
func toTempFile(dir string, write func(io.Writer) error) (string, func(), error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", nil, err
	}
	path := tmp.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("source: failed to remove temp file")
		}
	}

	werr := write(tmp)
	cerr := tmp.Close()
	if werr != nil {
		cleanup()
		return "", nil, werr
	}
	if cerr != nil {
		cleanup()
		return "", nil, cerr
	}
	return path, cleanup, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
