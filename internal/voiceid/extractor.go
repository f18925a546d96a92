package voiceid

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"earshot/internal/config"
)

// Extractor computes a voice embedding from 16 kHz mono samples.
type Extractor interface {
	Embed(ctx context.Context, samples []float32) ([]float32, error)
	Dim() int
}

var _ Extractor = (*SherpaExtractor)(nil)

// SherpaExtractor implements Extractor on the sherpa-onnx speaker-embedding
// model (wespeaker/3dspeaker ONNX exports). The native extractor is created
// lazily; calls are serialised because streams are not thread-safe.
type SherpaExtractor struct {
	cfg config.DiarizeConfig
	log *slog.Logger

	mu        sync.Mutex
	extractor *sherpa.SpeakerEmbeddingExtractor
}

// NewSherpaExtractor constructs the extractor without touching the native
// library.
func NewSherpaExtractor(cfg config.DiarizeConfig, log *slog.Logger) *SherpaExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &SherpaExtractor{cfg: cfg, log: log}
}

// Close releases the native extractor.
func (e *SherpaExtractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extractor != nil {
		sherpa.DeleteSpeakerEmbeddingExtractor(e.extractor)
		e.extractor = nil
	}
}

// Embed implements Extractor.
func (e *SherpaExtractor) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("voiceid: embed: empty samples")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initLocked(); err != nil {
		return nil, err
	}

	stream := e.extractor.CreateStream()
	defer sherpa.DeleteOnlineStream(stream)

	stream.AcceptWaveform(16000, samples)
	stream.InputFinished()

	if !e.extractor.IsReady(stream) {
		return nil, fmt.Errorf("voiceid: embed: window too short for the embedding model")
	}
	vec := e.extractor.Compute(stream)
	if len(vec) == 0 {
		return nil, fmt.Errorf("voiceid: embed: extractor returned empty vector")
	}
	return vec, nil
}

// Dim implements Extractor. Returns 0 until the model has been loaded.
func (e *SherpaExtractor) Dim() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extractor == nil {
		return 0
	}
	return e.extractor.Dim()
}

func (e *SherpaExtractor) initLocked() error {
	if e.extractor != nil {
		return nil
	}
	if _, err := os.Stat(e.cfg.EmbeddingModel); err != nil {
		return fmt.Errorf("voiceid: embedding model: %w", err)
	}
	provider := e.cfg.Provider
	if provider == "" || provider == "auto" {
		provider = "cpu"
	}
	ex := sherpa.NewSpeakerEmbeddingExtractor(&sherpa.SpeakerEmbeddingExtractorConfig{
		Model:      e.cfg.EmbeddingModel,
		NumThreads: e.cfg.NumThreads,
		Debug:      0,
		Provider:   provider,
	})
	if ex == nil {
		return fmt.Errorf("voiceid: create speaker embedding extractor (model %s)", e.cfg.EmbeddingModel)
	}
	e.log.Info("speaker embedding extractor ready", "model", e.cfg.EmbeddingModel, "dims", ex.Dim())
	e.extractor = ex
	return nil
}
