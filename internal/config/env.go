package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv so the overlay is testable without mutating
// the process environment.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays recognised environment variables onto cfg. Unset keys
// leave the existing value untouched; malformed values are collected into one
// error naming every offending key.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var badKeys []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				badKeys = append(badKeys, key)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				badKeys = append(badKeys, key)
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				badKeys = append(badKeys, key)
				return
			}
			*dst = b
		}
	}
	floats := func(key string, dst *[]float64) {
		if v, ok := lookup(key); ok {
			parts := strings.Split(v, ",")
			out := make([]float64, 0, len(parts))
			for _, p := range parts {
				f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
				if err != nil {
					badKeys = append(badKeys, key)
					return
				}
				out = append(out, f)
			}
			*dst = out
		}
	}

	str("DATABASE_URL", &cfg.Database.URL)

	integer("IO_WORKERS", &cfg.Pipeline.IOWorkers)
	integer("ASR_WORKERS", &cfg.Pipeline.ASRWorkers)
	integer("DB_WORKERS", &cfg.Pipeline.DBWorkers)

	integer("BATCH_SIZE", &cfg.Embeddings.BatchSize)

	boolean("SKIP_SHORTS", &cfg.Input.SkipShorts)
	boolean("NEWEST_FIRST", &cfg.Input.NewestFirst)
	float("MAX_AUDIO_DURATION", &cfg.Input.MaxAudioDuration)

	str("WHISPER_MODEL", &cfg.ASR.Model)
	str("WHISPER_REFINE_MODEL", &cfg.ASR.RefineModel)
	str("WHISPER_DEVICE", &cfg.ASR.Device)
	str("WHISPER_COMPUTE", &cfg.ASR.Compute)
	integer("WHISPER_BEAM", &cfg.ASR.Beam)
	integer("WHISPER_CHUNK", &cfg.ASR.ChunkLength)
	floats("WHISPER_TEMPS", &cfg.ASR.Temperatures)
	boolean("WHISPER_VAD", &cfg.ASR.VAD)
	str("WHISPER_LANG", &cfg.ASR.Language)
	str("DOMAIN_PROMPT", &cfg.ASR.DomainPrompt)

	float("QA_LOW_LOGPROB", &cfg.ASR.LowLogProb)
	float("QA_LOW_COMPRESSION", &cfg.ASR.LowCompression)
	boolean("QA_TWO_PASS", &cfg.ASR.TwoPass)
	integer("QA_RETRY_BEAM", &cfg.ASR.RetryBeam)
	floats("QA_RETRY_TEMPS", &cfg.ASR.RetryTemperatures)

	str("DIARIZE_MODEL", &cfg.Diarize.SegmentationModel)
	str("DIARIZE_EMBEDDING_MODEL", &cfg.Diarize.EmbeddingModel)
	integer("MIN_SPEAKERS", &cfg.Diarize.MinSpeakers)
	integer("MAX_SPEAKERS", &cfg.Diarize.MaxSpeakers)
	float("PYANNOTE_CLUSTERING_THRESHOLD", &cfg.Diarize.ClusteringThreshold)

	float("CHAFFEE_MIN_SIM", &cfg.SpeakerID.KnownMinSim)
	float("GUEST_MIN_SIM", &cfg.SpeakerID.GuestMinSim)
	float("ATTR_MARGIN", &cfg.SpeakerID.AttributionMargin)
	float("OVERLAP_BONUS", &cfg.SpeakerID.OverlapBonus)
	boolean("ASSUME_MONOLOGUE", &cfg.SpeakerID.AssumeMonologue)
	str("UNKNOWN_LABEL", &cfg.SpeakerID.UnknownLabel)
	str("VOICES_DIR", &cfg.SpeakerID.VoicesDir)
	float("MIN_SPEAKER_DURATION", &cfg.SpeakerID.MinClusterDuration)
	boolean("AUTO_BOOTSTRAP_CHAFFEE", &cfg.SpeakerID.AutoBootstrap)

	str("EMBEDDING_MODEL_KEY", &cfg.Embeddings.ModelKey)
	str("EMBEDDING_PROVIDER", &cfg.Embeddings.Provider)
	str("EMBEDDING_API_KEY", &cfg.Embeddings.APIKey)
	str("EMBEDDING_BASE_URL", &cfg.Embeddings.BaseURL)
	integer("EMBEDDING_DIMENSIONS", &cfg.Embeddings.Dimensions)
	if v, ok := lookup("EMBEDDING_STORAGE_STRATEGY"); ok {
		cfg.Embeddings.StorageStrategy = EmbeddingStorageStrategy(strings.ToLower(strings.TrimSpace(v)))
	}
	boolean("AUTO_CREATE_EMBEDDING_TABLES", &cfg.Embeddings.AutoCreateTables)
	boolean("STORE_KNOWN_ONLY", &cfg.Embeddings.StoreKnownOnly)

	// ENV takes precedence over the legacy ENVIRONMENT spelling.
	if v, ok := lookup("ENVIRONMENT"); ok {
		cfg.Embeddings.Environment = Environment(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup("ENV"); ok {
		cfg.Embeddings.Environment = Environment(strings.ToLower(strings.TrimSpace(v)))
	}

	str("YTDLP_PROXY", &cfg.Acquire.Proxy)
	integer("YTDLP_DOWNLOAD_SEMAPHORE", &cfg.Acquire.DownloadSemaphore)
	boolean("STORE_AUDIO_LOCALLY", &cfg.Acquire.StoreAudioLocally)
	str("AUDIO_STORAGE_DIR", &cfg.Acquire.AudioStorageDir)
	boolean("PRODUCTION_MODE", &cfg.Acquire.ProductionMode)

	if v, ok := lookup("KNOWN_SPEAKER"); ok {
		cfg.SpeakerID.KnownName = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup("TELEMETRY_INTERVAL"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			badKeys = append(badKeys, "TELEMETRY_INTERVAL")
		} else {
			cfg.Pipeline.TelemetryInterval = d
		}
	}

	if len(badKeys) > 0 {
		return fmt.Errorf("config: malformed environment values for: %s", strings.Join(badKeys, ", "))
	}
	return nil
}
