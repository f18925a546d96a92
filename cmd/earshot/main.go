// Command earshot ingests long-form spoken audio into a searchable Postgres
// corpus: download, transcribe, diarize, attribute speakers, embed, persist.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"earshot/internal/acquire"
	"earshot/internal/asr"
	"earshot/internal/config"
	"earshot/internal/diarize"
	"earshot/internal/embed"
	"earshot/internal/health"
	"earshot/internal/observe"
	"earshot/internal/pipeline"
	"earshot/internal/resilience"
	"earshot/internal/source"
	"earshot/internal/store"
	"earshot/internal/voiceid"
	"earshot/pkg/embeddings"
	ollamaembed "earshot/pkg/embeddings/ollama"
	oaembed "earshot/pkg/embeddings/openai"
	"earshot/pkg/types"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// ingestFlags carries the CLI overrides applied on top of the loaded config.
type ingestFlags struct {
	configPath       string
	logLevel         string
	sourceKind       string
	channelURL       string
	fromURLs         []string
	fromJSON         string
	localDir         string
	limit            int
	limitUnprocessed bool
	sincePublished   string
	force            bool
	noSkipExisting   bool
	dryRun           bool
	metricsAddr      string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "earshot",
		Short:         "Audio ingestion pipeline for speaker-attributed transcript search",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newIngestCmd(), newEnrollCmd())
	return root
}

func newIngestCmd() *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the configured input",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd.Context(), &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fl.StringVar(&f.logLevel, "log-level", "", "log verbosity: debug, info, warn, error")
	fl.StringVar(&f.sourceKind, "source", "", "input source: api, yt-dlp, local")
	fl.StringVar(&f.channelURL, "channel-url", "", "channel or playlist URL to list")
	fl.StringArrayVar(&f.fromURLs, "from-url", nil, "ingest a single video URL or id (repeatable)")
	fl.StringVar(&f.fromJSON, "from-json", "", "ingest the video list from a JSON file")
	fl.StringVar(&f.localDir, "local-dir", "", "ingest media files from a local directory")
	fl.IntVar(&f.limit, "limit", 0, "cap the number of videos taken from the input")
	fl.BoolVar(&f.limitUnprocessed, "limit-unprocessed", false, "make --limit count not-yet-processed videos")
	fl.StringVar(&f.sincePublished, "since-published", "", "drop videos published before this date (YYYY-MM-DD)")
	fl.BoolVar(&f.force, "force", false, "re-ingest videos that already have persisted segments")
	fl.BoolVar(&f.noSkipExisting, "no-skip-existing", false, "disable the already-persisted skip check")
	fl.BoolVar(&f.dryRun, "dry-run", false, "list and filter the input, then exit without processing")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address (e.g. :9091)")
	return cmd
}

func runIngest(ctx context.Context, f *ingestFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		return err
	}

	logger := newLogger(cfg.LogLevel).With("run_id", uuid.NewString()[:8])
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The readiness probe reports failure until the store connects.
	var db *store.Store
	checks := health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if db == nil {
				return errors.New("not connected")
			}
			return db.Ping(ctx)
		},
	})

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		MetricsAddr:    f.metricsAddr,
		RegisterRoutes: checks.Register,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(sctx)
	}()

	videos, err := listInput(ctx, cfg, f, logger)
	if err != nil {
		logger.Error("input listing failed", "error", err)
		return err
	}
	if len(videos) == 0 {
		logger.Info("input is empty; nothing to do")
		return nil
	}

	printStartupSummary(cfg, len(videos))

	if f.dryRun {
		for _, v := range videos {
			fmt.Printf("%-32s  %8.0fs  %s\n", v.ID, v.DurationS, v.Title)
		}
		logger.Info("dry run complete", "videos", len(videos))
		return nil
	}

	profiles, ex, err := loadVoices(ctx, cfg, logger)
	if err != nil {
		logger.Error("voice profile setup failed", "error", err)
		return err
	}
	defer ex.Close()

	provider, err := buildEmbeddings(cfg)
	if err != nil {
		logger.Error("embedding provider setup failed", "error", err)
		return err
	}

	db, err = store.New(ctx, cfg.Database.URL, cfg.Embeddings, logger)
	if err != nil {
		logger.Error("database setup failed", "error", err, "dsn", cfg.Database.Redacted())
		return err
	}
	defer db.Close()

	engine := asr.NewEngine(cfg.ASR, asr.WithLogger(logger))
	defer engine.Close()
	diarizer := diarize.NewSherpaEngine(cfg.Diarize, logger)
	defer diarizer.Close()

	p := pipeline.New(cfg, pipeline.Components{
		Acquirer:    acquire.New(cfg.Acquire, acquire.WithLogger(logger)),
		Transcriber: engine,
		Diarizer:    diarizer,
		Identifier:  voiceid.NewIdentifier(cfg.SpeakerID, ex, profiles, logger),
		Embedder:    embed.New(provider, cfg.Embeddings, cfg.SpeakerID.KnownName, logger),
		Store:       db,
	}, pipeline.WithLogger(logger))

	stats, err := p.Run(ctx, videos)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", "error", err)
		return err
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("run cancelled", "processed", stats.Processed)
		return err
	}
	return nil
}

func newEnrollCmd() *cobra.Command {
	var (
		configPath string
		name       string
		threshold  float64
		seeds      []string
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Build a voice profile from seed WAV recordings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
				return err
			}
			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			if name == "" {
				name = cfg.SpeakerID.KnownName
			}
			if name == "" {
				return errors.New("enroll: --name or speaker_id.known_name is required")
			}
			if len(seeds) == 0 {
				return errors.New("enroll: at least one --seed WAV is required")
			}

			profiles, err := voiceid.LoadProfiles(cfg.SpeakerID.VoicesDir, logger)
			if err != nil {
				return err
			}
			ex := voiceid.NewSherpaExtractor(cfg.Diarize, logger)
			defer ex.Close()

			if err := profiles.Bootstrap(cmd.Context(), ex, name, threshold, seeds); err != nil {
				logger.Error("enrollment failed", "error", err)
				return err
			}
			logger.Info("voice profile enrolled", "name", name, "seeds", len(seeds))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&name, "name", "", "speaker name for the profile")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "per-profile similarity threshold; 0 keeps the global default")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "16 kHz mono WAV with clean speech from the speaker (repeatable)")
	return cmd
}

// loadConfig loads the effective configuration and overlays the CLI flags.
func loadConfig(f *ingestFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.logLevel != "" {
		cfg.LogLevel = config.LogLevel(f.logLevel)
	}
	if f.sourceKind != "" {
		cfg.Input.Source = config.SourceKind(f.sourceKind)
	}
	if f.channelURL != "" {
		cfg.Input.ChannelURL = f.channelURL
	}
	if f.localDir != "" {
		cfg.Input.LocalDir = f.localDir
		cfg.Input.Source = config.SourceLocal
	}
	if f.limit > 0 {
		cfg.Input.Limit = f.limit
	}
	if f.limitUnprocessed {
		cfg.Pipeline.LimitUnprocessed = true
	}
	if f.force {
		cfg.Pipeline.ForceReprocess = true
	}
	if f.noSkipExisting {
		cfg.Pipeline.SkipExisting = false
	}
	if f.sincePublished != "" {
		t, err := time.Parse("2006-01-02", f.sincePublished)
		if err != nil {
			return nil, fmt.Errorf("parse --since-published: %w", err)
		}
		cfg.Input.SincePublished = &t
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listInput builds the lister for the selected source, lists it and applies
// the input filters.
func listInput(ctx context.Context, cfg *config.Config, f *ingestFlags, logger *slog.Logger) ([]types.VideoDescriptor, error) {
	var (
		lister source.Lister
		err    error
	)
	switch {
	case len(f.fromURLs) > 0:
		videos, uerr := source.FromURLs(f.fromURLs)
		if uerr != nil {
			return nil, uerr
		}
		lister = source.StaticLister{Videos: videos}
	case f.fromJSON != "":
		videos, jerr := source.FromJSONFile(f.fromJSON)
		if jerr != nil {
			return nil, jerr
		}
		lister = source.StaticLister{Videos: videos}
	case cfg.Input.Source == config.SourceLocal:
		lister = source.NewLocalLister(cfg.Input.LocalDir, logger)
	case cfg.Input.Source == config.SourceAPI:
		lister = source.NewAPILister(cfg.Input.ChannelURL, logger)
	default:
		lister = source.NewYtDlpLister(cfg.Input.ChannelURL, cfg.Acquire.Proxy, 0, logger)
	}

	videos, err := lister.List(ctx)
	if err != nil {
		return nil, err
	}

	// In unprocessed-limit mode the cap moves into the pipeline's database
	// probe; the listing itself stays uncapped.
	filterCfg := cfg.Input
	if cfg.Pipeline.LimitUnprocessed {
		filterCfg.Limit = 0
	}
	return source.ApplyFilters(videos, filterCfg), nil
}

// loadVoices loads enrolled profiles and ensures the configured known speaker
// exists, auto-bootstrapping it when allowed.
func loadVoices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*voiceid.Store, *voiceid.SherpaExtractor, error) {
	profiles, err := voiceid.LoadProfiles(cfg.SpeakerID.VoicesDir, logger)
	if err != nil {
		return nil, nil, err
	}
	ex := voiceid.NewSherpaExtractor(cfg.Diarize, logger)

	if err := profiles.RequireKnown(cfg.SpeakerID.KnownName); err != nil {
		if !cfg.SpeakerID.AutoBootstrap {
			ex.Close()
			return nil, nil, fmt.Errorf("%w; enroll it with `earshot enroll` or enable speaker_id.auto_bootstrap", err)
		}
		logger.Info("bootstrapping known speaker profile",
			"name", cfg.SpeakerID.KnownName, "seeds", len(cfg.SpeakerID.BootstrapSeeds))
		if err := profiles.Bootstrap(ctx, ex, cfg.SpeakerID.KnownName, 0, cfg.SpeakerID.BootstrapSeeds); err != nil {
			ex.Close()
			return nil, nil, err
		}
	}
	return profiles, ex, nil
}

// buildEmbeddings instantiates the configured embedding provider, wrapped in a
// circuit breaker so a dead endpoint stops being hammered mid-run.
func buildEmbeddings(cfg *config.Config) (embeddings.Provider, error) {
	var (
		primary embeddings.Provider
		err     error
	)
	name := strings.ToLower(cfg.Embeddings.Provider)
	switch name {
	case "ollama":
		primary, err = ollamaembed.New(cfg.Embeddings.BaseURL, cfg.Embeddings.ModelKey,
			ollamaembed.WithDimensions(cfg.Embeddings.Dimensions))
	case "openai", "":
		name = "openai"
		var opts []oaembed.Option
		if cfg.Embeddings.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.Embeddings.BaseURL))
		}
		primary, err = oaembed.New(cfg.Embeddings.APIKey, cfg.Embeddings.ModelKey, opts...)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q; valid values: openai, ollama", cfg.Embeddings.Provider)
	}
	if err != nil {
		return nil, err
	}
	return resilience.NewEmbeddingsFallback(primary, name, resilience.FallbackConfig{}), nil
}

func printStartupSummary(cfg *config.Config, videos int) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║         earshot — ingestion run          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	printRow("Source", string(cfg.Input.Source))
	printRow("Videos queued", fmt.Sprintf("%d", videos))
	printRow("ASR model", cfg.ASR.Model)
	printRow("Known speaker", orUnset(cfg.SpeakerID.KnownName))
	printRow("Embeddings", cfg.Embeddings.Provider+" / "+cfg.Embeddings.ModelKey)
	printRow("Embed table", cfg.Embeddings.TableName())
	printRow("Workers", fmt.Sprintf("io=%d asr=%d db=%d",
		cfg.Pipeline.IOWorkers, cfg.Pipeline.ASRWorkers, cfg.Pipeline.DBWorkers))
	fmt.Println("╚══════════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-15s : %-22s ║\n", key, value)
}

func orUnset(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
