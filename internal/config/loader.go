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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"deepgram", "mock"},
	"enrich": {"openai", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Backing stores
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; conversations will not be persisted")
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("enrich", cfg.Providers.Enrich.Name)
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions will capture audio without transcription")
	}
	if cfg.Providers.Speaker.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("providers.speaker.timeout_seconds %d is negative", cfg.Providers.Speaker.TimeoutSeconds))
	}
	if cfg.Pipeline.RequireEnrolledSpeaker && cfg.Providers.Speaker.BaseURL == "" {
		errs = append(errs, errors.New("pipeline.require_enrolled_speaker needs providers.speaker.base_url"))
	}

	// Pipeline ranges
	if cfg.Pipeline.InactivitySeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.inactivity_seconds %d is negative", cfg.Pipeline.InactivitySeconds))
	}
	if cfg.Pipeline.MinWords < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_words %d is negative", cfg.Pipeline.MinWords))
	}
	if cfg.Pipeline.MinSpeechSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_speech_seconds %.2f is negative", cfg.Pipeline.MinSpeechSeconds))
	}
	if cfg.Pipeline.ChunkSeconds < 0 || cfg.Pipeline.ChunkSeconds > 600 {
		if cfg.Pipeline.ChunkSeconds != 0 {
			errs = append(errs, fmt.Errorf("pipeline.chunk_seconds %d is out of range (0, 600]", cfg.Pipeline.ChunkSeconds))
		}
	}
	if cfg.Pipeline.BatchFlushMinutes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_flush_minutes %d is negative", cfg.Pipeline.BatchFlushMinutes))
	}
	if cfg.Pipeline.AlwaysBatchRetranscribe && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("pipeline.always_batch_retranscribe needs a providers.stt entry"))
	}

	// Plugins
	if cfg.Plugins.Path != "" {
		if _, err := os.Stat(cfg.Plugins.Path); err != nil {
			slog.Warn("plugins.path does not exist; starting without plugins", "path", cfg.Plugins.Path)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
