package diarize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"earshot/internal/config"
	"earshot/pkg/types"
	"earshot/pkg/wav"
)

var _ Diarizer = (*SherpaEngine)(nil)

// SherpaEngine implements Diarizer on sherpa-onnx. The native diarizer is
// created lazily on the first call and reused while the cluster-count hint
// stays the same; a video carrying a different hint rebuilds it, because the
// cluster count is baked into the native clustering config. Process is
// serialised because the underlying object is not safe for concurrent use.
type SherpaEngine struct {
	cfg config.DiarizeConfig
	log *slog.Logger

	mu       sync.Mutex
	diarizer *sherpa.OfflineSpeakerDiarization
	clusters int
}

// NewSherpaEngine constructs the engine without touching the native library.
func NewSherpaEngine(cfg config.DiarizeConfig, log *slog.Logger) *SherpaEngine {
	if log == nil {
		log = slog.Default()
	}
	return &SherpaEngine{cfg: cfg, log: log}
}

// Close releases the native diarizer.
func (e *SherpaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(e.diarizer)
		e.diarizer = nil
	}
}

// Diarize implements Diarizer. Input audio is already the pipeline-standard
// 16 kHz mono WAV; the file is decoded and handed to the native engine as
// float32 samples. On any engine failure a single turn covering the whole
// file is returned with a warning, never an error.
func (e *SherpaEngine) Diarize(ctx context.Context, art *types.AudioArtifact, hints Hints) ([]types.DiarizationTurn, error) {
	samples, _, err := wav.ReadFile(art.Path)
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	durationS := float64(len(samples)) / 16000.0

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initLocked(hints); err != nil {
		e.log.Warn("diarization unavailable; falling back to single turn", "error", err)
		return singleTurnFallback(durationS), nil
	}

	segments := e.diarizer.Process(samples)
	if len(segments) == 0 {
		e.log.Warn("diarization produced no turns; falling back to single turn", "path", art.Path)
		return singleTurnFallback(durationS), nil
	}

	turns := make([]types.DiarizationTurn, 0, len(segments))
	for _, s := range segments {
		turns = append(turns, types.DiarizationTurn{
			StartS:    float64(s.Start),
			EndS:      float64(s.End),
			ClusterID: s.Speaker,
		})
	}
	turns = resolveExclusive(turns)
	e.log.Debug("diarized audio", "path", art.Path, "turns", len(turns), "clusters", countClusters(turns))
	return turns, nil
}

// initLocked creates the native diarizer, or rebuilds it when the cluster
// hint differs from the one the current instance was built with.
func (e *SherpaEngine) initLocked(hints Hints) error {
	numClusters := clusterHint(hints)
	if e.diarizer != nil {
		if e.clusters == numClusters {
			return nil
		}
		sherpa.DeleteOfflineSpeakerDiarization(e.diarizer)
		e.diarizer = nil
	}

	if _, err := os.Stat(e.cfg.SegmentationModel); err != nil {
		return fmt.Errorf("segmentation model: %w", err)
	}
	if _, err := os.Stat(e.cfg.EmbeddingModel); err != nil {
		return fmt.Errorf("embedding model: %w", err)
	}

	provider := e.cfg.Provider
	if provider == "" || provider == "auto" {
		provider = detectProvider()
	}

	sc := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: e.cfg.SegmentationModel,
			},
			NumThreads: e.cfg.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      e.cfg.EmbeddingModel,
			NumThreads: e.cfg.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: numClusters,
			Threshold:   float32(e.cfg.ClusteringThreshold),
		},
		MinDurationOn:  float32(e.cfg.MinDurationOn),
		MinDurationOff: float32(e.cfg.MinDurationOff),
	}

	d := sherpa.NewOfflineSpeakerDiarization(sc)
	if d == nil && provider != "cpu" {
		e.log.Warn("diarization provider failed, retrying on cpu", "provider", provider)
		sc.Segmentation.Provider = "cpu"
		sc.Embedding.Provider = "cpu"
		d = sherpa.NewOfflineSpeakerDiarization(sc)
	}
	if d == nil {
		return fmt.Errorf("create sherpa diarizer (provider %s)", provider)
	}

	e.log.Info("diarization engine ready",
		"provider", provider,
		"segmentation", e.cfg.SegmentationModel,
		"embedding", e.cfg.EmbeddingModel,
		"num_clusters", numClusters)
	e.diarizer = d
	e.clusters = numClusters
	return nil
}

// clusterHint maps speaker-count hints to the native cluster count: fixed
// when min == max, -1 (threshold-driven auto clustering) otherwise.
func clusterHint(hints Hints) int {
	if hints.MinSpeakers > 0 && hints.MinSpeakers == hints.MaxSpeakers {
		return hints.MinSpeakers
	}
	return -1
}

func detectProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

func countClusters(turns []types.DiarizationTurn) int {
	seen := make(map[int]struct{})
	for _, t := range turns {
		seen[t.ClusterID] = struct{}{}
	}
	return len(seen)
}
