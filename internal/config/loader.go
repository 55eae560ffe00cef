package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists known engine names per engine kind.
// Used by [Validate] to warn about unrecognised names.
var ValidEngineNames = map[string][]string{
	"fast": {"vosk"},
	"slow": {"whisper"},
	"vad":  {"energy"},
}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMs))
	}

	// Engine name validation — warn for unknown names, they may be typos.
	validateEngineName("fast", cfg.Engines.Fast.Name)
	validateEngineName("slow", cfg.Engines.Slow.Name)
	validateEngineName("vad", cfg.Engines.VAD.Name)

	// Model paths: the recognizers cannot run without one.
	if cfg.Engines.Fast.ModelPath == "" {
		errs = append(errs, errors.New("engines.fast.model_path is required"))
	}
	if cfg.Engines.Slow.ModelPath == "" {
		slog.Warn("engines.slow.model_path is empty; transcripts will not be corrected")
	}

	// Pipeline tuning gets the full semantic check from the pipeline itself.
	if err := cfg.PipelineConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	return errors.Join(errs...)
}

// validateEngineName logs a warning if name is non-empty and not found in
// the [ValidEngineNames] list for the given kind.
func validateEngineName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidEngineNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name — may be a typo or third-party engine",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
