package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	pelletier "github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Analysis AnalysisConfig `toml:"analysis"`
	Output   OutputConfig   `toml:"output"`
	Server   ServerConfig   `toml:"server"`
	Watch    WatchConfig    `toml:"watch"`
	Batch    BatchConfig    `toml:"batch"`
	SSH      SSHConfig      `toml:"ssh"`
}

type AnalysisConfig struct {
	Channel            int  `toml:"channel"`
	SubtractBackground bool `toml:"subtract_background"`
	OnlyPositive       bool `toml:"only_positive"`
	PlateauWindow      int  `toml:"plateau_window"`
}

type OutputConfig struct {
	Format string `toml:"format"`
	Dir    string `toml:"dir"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	// AllowedSchemes lists the input schemes API clients may submit. "file"
	// admits local paths on the server host.
	AllowedSchemes []string `toml:"allowed_schemes"`
}

type WatchConfig struct {
	Dir      string   `toml:"dir"`
	Pattern  string   `toml:"pattern"`
	OutDir   string   `toml:"out_dir"`
	Debounce Duration `toml:"debounce"`
	Initial  bool     `toml:"initial"`
}

type BatchConfig struct {
	Workers int `toml:"workers"`
}

type SSHConfig struct {
	User                string   `toml:"user"`
	KeyPath             string   `toml:"key_path"`
	KnownHosts          string   `toml:"known_hosts"`
	InsecureSkipHostKey bool     `toml:"insecure_skip_host_key"`
	Timeout             Duration `toml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Analysis: AnalysisConfig{
			Channel:            0,
			SubtractBackground: true,
			OnlyPositive:       true,
			PlateauWindow:      5,
		},
		Output: OutputConfig{Format: "text"},
		Server: ServerConfig{Addr: ":8087", AllowedSchemes: []string{"http", "https", "ssh"}},
		Watch: WatchConfig{
			Pattern:  "*.nd2",
			Debounce: Duration(500 * time.Millisecond),
		},
		Batch: BatchConfig{Workers: 4},
		SSH:   SSHConfig{Timeout: Duration(15 * time.Second)},
	}
}

// Load overlays the keys present in path onto DefaultConfig and validates
// the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("analysis", "channel") {
		cfg.Analysis.Channel = raw.Analysis.Channel
	}
	if meta.IsDefined("analysis", "subtract_background") {
		cfg.Analysis.SubtractBackground = raw.Analysis.SubtractBackground
	}
	if meta.IsDefined("analysis", "only_positive") {
		cfg.Analysis.OnlyPositive = raw.Analysis.OnlyPositive
	}
	if meta.IsDefined("analysis", "plateau_window") {
		cfg.Analysis.PlateauWindow = raw.Analysis.PlateauWindow
	}
	if meta.IsDefined("output", "format") {
		cfg.Output.Format = strings.TrimSpace(raw.Output.Format)
	}
	if meta.IsDefined("output", "dir") {
		cfg.Output.Dir = strings.TrimSpace(raw.Output.Dir)
	}
	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CorsOrigins = raw.Server.CorsOrigins
	}
	if meta.IsDefined("server", "allowed_schemes") {
		cfg.Server.AllowedSchemes = raw.Server.AllowedSchemes
	}
	if meta.IsDefined("watch", "dir") {
		cfg.Watch.Dir = strings.TrimSpace(raw.Watch.Dir)
	}
	if meta.IsDefined("watch", "pattern") {
		cfg.Watch.Pattern = strings.TrimSpace(raw.Watch.Pattern)
	}
	if meta.IsDefined("watch", "out_dir") {
		cfg.Watch.OutDir = strings.TrimSpace(raw.Watch.OutDir)
	}
	if meta.IsDefined("watch", "debounce") {
		cfg.Watch.Debounce = raw.Watch.Debounce
	}
	if meta.IsDefined("watch", "initial") {
		cfg.Watch.Initial = raw.Watch.Initial
	}
	if meta.IsDefined("batch", "workers") {
		cfg.Batch.Workers = raw.Batch.Workers
	}
	if meta.IsDefined("ssh", "user") {
		cfg.SSH.User = strings.TrimSpace(raw.SSH.User)
	}
	if meta.IsDefined("ssh", "key_path") {
		cfg.SSH.KeyPath = strings.TrimSpace(raw.SSH.KeyPath)
	}
	if meta.IsDefined("ssh", "known_hosts") {
		cfg.SSH.KnownHosts = strings.TrimSpace(raw.SSH.KnownHosts)
	}
	if meta.IsDefined("ssh", "insecure_skip_host_key") {
		cfg.SSH.InsecureSkipHostKey = raw.SSH.InsecureSkipHostKey
	}
	if meta.IsDefined("ssh", "timeout") {
		cfg.SSH.Timeout = raw.SSH.Timeout
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

var (
	formats = map[string]bool{"text": true, "markdown": true, "json": true, "csv": true}
	schemes = map[string]bool{"file": true, "http": true, "https": true, "ssh": true}
)

func Validate(cfg Config) error {
	if cfg.Analysis.Channel < 0 {
		return fmt.Errorf("%w: analysis.channel must be >= 0", ErrInvalid)
	}
	if cfg.Analysis.PlateauWindow < 1 {
		return fmt.Errorf("%w: analysis.plateau_window must be >= 1", ErrInvalid)
	}
	if !formats[strings.ToLower(cfg.Output.Format)] {
		return fmt.Errorf("%w: output.format %q (expected text, markdown, json or csv)", ErrInvalid, cfg.Output.Format)
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if len(cfg.Server.AllowedSchemes) == 0 {
		return fmt.Errorf("%w: server.allowed_schemes must name at least one scheme", ErrInvalid)
	}
	for _, scheme := range cfg.Server.AllowedSchemes {
		if !schemes[scheme] {
			return fmt.Errorf("%w: server.allowed_schemes %q (expected file, http, https or ssh)", ErrInvalid, scheme)
		}
	}
	if _, err := filepath.Match(cfg.Watch.Pattern, "sample.nd2"); err != nil || cfg.Watch.Pattern == "" {
		return fmt.Errorf("%w: watch.pattern %q", ErrInvalid, cfg.Watch.Pattern)
	}
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("%w: watch.debounce must not be negative", ErrInvalid)
	}
	if cfg.Batch.Workers < 1 {
		return fmt.Errorf("%w: batch.workers must be >= 1", ErrInvalid)
	}
	if cfg.SSH.Timeout <= 0 {
		return fmt.Errorf("%w: ssh.timeout must be positive", ErrInvalid)
	}
	if cfg.SSH.InsecureSkipHostKey && cfg.SSH.KnownHosts != "" {
		return fmt.Errorf("%w: ssh.known_hosts and ssh.insecure_skip_host_key are exclusive", ErrInvalid)
	}
	return nil
}

// Dump renders the effective configuration as TOML.
func Dump(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := pelletier.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config dump failed: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckStrict parses data and rejects keys that no section declares.
func CheckStrict(data []byte) error {
	dec := pelletier.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		var strict *pelletier.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s", ErrInvalid, strict.String())
		}
		return fmt.Errorf("config parse failed: %w", err)
	}
	return nil
}

// ValidateFile loads path strictly and validates the merged result.
func ValidateFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := CheckStrict(data); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return Load(path)
}
