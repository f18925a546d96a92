package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (skipped when path is empty), then the environment overlay.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. No environment overlay is applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. Hard failures
// are returned as a joined error; soft issues produce slog warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}

	if cfg.Input.Source != "" && !cfg.Input.Source.IsValid() {
		errs = append(errs, fmt.Errorf("input.source %q is invalid; valid values: api, yt-dlp, local", cfg.Input.Source))
	}

	if cfg.Embeddings.Environment != "" && !cfg.Embeddings.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("embeddings.environment %q is invalid; valid values: development, production", cfg.Embeddings.Environment))
	}
	if cfg.Embeddings.StorageStrategy != "" && !cfg.Embeddings.StorageStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("embeddings.storage_strategy %q is invalid; valid values: all, known_only", cfg.Embeddings.StorageStrategy))
	}
	if cfg.Embeddings.Dimensions <= 0 {
		errs = append(errs, errors.New("embeddings.dimensions must be set to the model's vector dimension (e.g., 384, 768, 1536)"))
	}
	if cfg.Embeddings.Environment == EnvProduction && cfg.Embeddings.AutoCreateTables {
		errs = append(errs, errors.New("embeddings.auto_create_tables is not permitted in production"))
	}

	if (cfg.Embeddings.StorageStrategy == EmbedKnownOnly || cfg.Embeddings.StoreKnownOnly) && cfg.SpeakerID.KnownName == "" {
		errs = append(errs, errors.New("speaker_id.known_name is required when a known-speaker-only policy is active"))
	}

	if cfg.Pipeline.IOWorkers <= 0 || cfg.Pipeline.ASRWorkers <= 0 || cfg.Pipeline.DBWorkers <= 0 {
		errs = append(errs, errors.New("pipeline worker pool sizes must be positive"))
	}
	if cfg.Pipeline.AudioQueueBound <= 0 || cfg.Pipeline.ASRQueueBound <= 0 {
		errs = append(errs, errors.New("pipeline queue bounds must be positive"))
	}

	if cfg.ASR.Model == "" {
		errs = append(errs, errors.New("asr.model (WHISPER_MODEL) is required"))
	}
	if cfg.ASR.TwoPass && cfg.ASR.RefineModel == "" {
		slog.Warn("asr.two_pass is enabled but asr.refine_model is empty; refinement will reuse the stage-1 model")
	}

	if cfg.SpeakerID.KnownName == "" {
		slog.Warn("speaker_id.known_name is empty; all attribution will resolve to GUEST or UNKNOWN")
	}
	if cfg.SpeakerID.AutoBootstrap && len(cfg.SpeakerID.BootstrapSeeds) == 0 {
		errs = append(errs, errors.New("speaker_id.auto_bootstrap requires bootstrap_seeds"))
	}

	if cfg.Pipeline.ASRWorkers > 4 {
		slog.Warn("pipeline.asr_workers is large for a single-GPU host; workers serialise on the model lock",
			"asr_workers", cfg.Pipeline.ASRWorkers)
	}

	return errors.Join(errs...)
}
