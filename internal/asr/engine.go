package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"earshot/internal/config"
	"earshot/pkg/types"
	"earshot/pkg/wav"
)

var _ Transcriber = (*Engine)(nil)

// Engine implements Transcriber on the whisper.cpp CGO bindings. Models are
// loaded lazily and cached for the lifetime of the Engine. On a GPU device
// decode calls are serialised on a single lock, because the pipeline runs on
// one GPU and concurrent contexts thrash VRAM instead of helping; CPU decodes
// run unserialised.
type Engine struct {
	cfg config.ASRConfig
	log *slog.Logger

	mu     sync.Mutex
	models map[string]whisperlib.Model

	gpuMu sync.Mutex
}

// EngineOption is a functional option for Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine constructs an Engine. No model is loaded until the first
// Transcribe call.
func NewEngine(cfg config.ASRConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		log:    slog.Default(),
		models: make(map[string]whisperlib.Model),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.Device == "cpu" {
		e.log.Warn("ASR running on CPU; expect well below real-time throughput")
	}
	return e
}

// Close releases every loaded model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for path, m := range e.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("asr: close model %q: %w", path, err))
		}
		delete(e.models, path)
	}
	return errors.Join(errs...)
}

// model returns the cached model for path, loading it on first use.
func (e *Engine) model(path string) (whisperlib.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[path]; ok {
		return m, nil
	}
	start := time.Now()
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("asr: load model %q: %w", path, err)
	}
	e.log.Info("loaded ASR model", "path", path, "load_seconds", time.Since(start).Seconds())
	e.models[path] = m
	return m, nil
}

// Transcribe implements Transcriber. Stage 1 runs the routed preset over the
// whole file; when two-pass refinement is enabled, low-quality spans are
// re-decoded with the refinement preset and collapsed into their first
// segment. Stage-2 failures keep the stage-1 output and log a warning.
func (e *Engine) Transcribe(ctx context.Context, art *types.AudioArtifact, hints Hints) (*Result, error) {
	samples, info, err := wav.ReadFile(art.Path)
	if err != nil {
		return nil, fmt.Errorf("asr: %w", err)
	}
	if info.SampleRate != 16000 {
		return nil, fmt.Errorf("asr: expected 16 kHz input, got %d Hz", info.SampleRate)
	}
	durationS := float64(len(samples)) / 16000.0

	preset := routePreset(e.cfg, durationS, hints.IsInterview)
	e.log.Debug("routed ASR preset", "preset", preset.Name, "duration_s", durationS, "beam", preset.Beam)

	start := time.Now()
	segs, words, err := e.decode(ctx, preset, samples, 0)
	if err != nil {
		return nil, err
	}

	for i := range segs {
		segs[i].NeedsRefinement = needsRefinement(segs[i].Quality, e.cfg.LowLogProb, e.cfg.LowCompression)
	}

	if e.cfg.VAD {
		segs = dropNonSpeech(segs)
	}

	method := preset.Name
	if e.cfg.TwoPass {
		segs = e.refine(ctx, samples, segs)
		if anyReASR(segs) {
			method += "+refined"
		}
	}

	lang := e.cfg.Language
	if lang == "" {
		lang = "en"
	}
	return &Result{
		Segments:        segs,
		Words:           words,
		Method:          method,
		Language:        lang,
		AudioDurationS:  durationS,
		ProcessingTimeS: time.Since(start).Seconds(),
	}, nil
}

func anyReASR(segs []types.TranscriptSegment) bool {
	for _, s := range segs {
		if s.ReASR {
			return true
		}
	}
	return false
}

// refine runs stage 2 over the flagged spans.
func (e *Engine) refine(ctx context.Context, samples []float32, segs []types.TranscriptSegment) []types.TranscriptSegment {
	spans := refinementSpans(segs, refineMaxGapS)
	if len(spans) == 0 {
		return segs
	}
	preset := refinementPreset(e.cfg)

	for _, sp := range spans {
		sub := wav.Slice(samples, 16000, sp.startS, sp.endS)
		if len(sub) == 0 {
			continue
		}
		refined, _, err := e.decode(ctx, preset, sub, sp.startS)
		if err != nil {
			e.log.Warn("refinement failed; keeping originals",
				"span_start_s", sp.startS, "span_end_s", sp.endS, "error", err)
			continue
		}
		texts := make([]string, 0, len(refined))
		for _, r := range refined {
			if r.Text != "" {
				texts = append(texts, r.Text)
			}
		}
		merged := applyRefinement(segs, sp, strings.Join(texts, " "))
		e.log.Debug("refined span", "start_s", sp.startS, "end_s", sp.endS, "merged_segments", merged)
	}
	return dropBlankSegments(segs)
}

// decode runs one preset over samples, chunked to the preset's window length.
// offsetS shifts all timestamps so sub-audio decodes land on the original
// timeline.
func (e *Engine) decode(ctx context.Context, preset Preset, samples []float32, offsetS float64) ([]types.TranscriptSegment, []types.Word, error) {
	m, err := e.model(preset.ModelPath)
	if err != nil {
		return nil, nil, err
	}

	chunkSamples := preset.MaxChunkS * 16000
	if chunkSamples <= 0 {
		chunkSamples = len(samples)
	}

	var (
		segs  []types.TranscriptSegment
		words []types.Word
	)
	for chunkStart := 0; chunkStart < len(samples); chunkStart += chunkSamples {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := chunkStart + chunkSamples
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[chunkStart:end]
		chunkOffsetS := offsetS + float64(chunkStart)/16000.0

		cs, cw, err := e.decodeChunk(m, preset, chunk, chunkOffsetS)
		if err != nil {
			return nil, nil, err
		}
		segs = append(segs, cs...)
		words = append(words, cw...)
	}
	return segs, words, nil
}

// decodeChunk runs one whisper context over a single window, under the GPU
// lock unless the engine is configured for CPU decoding.
func (e *Engine) decodeChunk(m whisperlib.Model, preset Preset, chunk []float32, offsetS float64) ([]types.TranscriptSegment, []types.Word, error) {
	if e.cfg.Device != "cpu" {
		e.gpuMu.Lock()
		defer e.gpuMu.Unlock()
	}

	wctx, err := m.NewContext()
	if err != nil {
		return nil, nil, fmt.Errorf("asr: create context: %w", err)
	}
	e.applyParams(wctx, preset)

	if err := wctx.Process(chunk, nil, nil, nil); err != nil {
		return nil, nil, fmt.Errorf("asr: process audio: %w", err)
	}

	var (
		segs  []types.TranscriptSegment
		words []types.Word
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("asr: read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		startS := offsetS + segment.Start.Seconds()
		endS := offsetS + segment.End.Seconds()

		probs := make([]float32, 0, len(segment.Tokens))
		for _, tok := range segment.Tokens {
			if isSpecialToken(tok.Text) {
				continue
			}
			probs = append(probs, tok.P)
		}
		segWindow := wav.Slice(chunk, 16000, segment.Start.Seconds(), segment.End.Seconds())

		segs = append(segs, types.TranscriptSegment{
			StartS: startS,
			EndS:   endS,
			Text:   text,
			Quality: types.QualityMetrics{
				AvgLogProb:       avgLogProb(probs),
				CompressionRatio: compressionRatio(text),
				NoSpeechProb:     noSpeechProb(segWindow),
			},
		})
		words = append(words, tokensToWords(segment.Tokens, offsetS)...)
	}
	return segs, words, nil
}

func (e *Engine) applyParams(wctx whisperlib.Context, preset Preset) {
	if err := wctx.SetLanguage(defaultString(e.cfg.Language, "en")); err != nil {
		e.log.Warn("failed to set ASR language", "language", e.cfg.Language, "error", err)
	}
	wctx.SetTranslate(false)
	wctx.SetTokenTimestamps(true)
	if preset.Beam > 0 {
		wctx.SetBeamSize(preset.Beam)
	}
	if len(preset.Temperatures) > 0 {
		wctx.SetTemperature(float32(preset.Temperatures[0]))
		if len(preset.Temperatures) > 1 {
			wctx.SetTemperatureFallback(float32(preset.Temperatures[1] - preset.Temperatures[0]))
		}
	}
	if e.cfg.DomainPrompt != "" {
		wctx.SetInitialPrompt(e.cfg.DomainPrompt)
	}
}

// tokensToWords assembles whisper tokens into words. Tokens open a new word
// when their text begins with a space; special tokens are skipped.
func tokensToWords(tokens []whisperlib.Token, offsetS float64) []types.Word {
	var words []types.Word
	var (
		cur   strings.Builder
		start time.Duration
		end   time.Duration
		probs []float32
	)
	flush := func() {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			words = append(words, types.Word{
				StartS:     offsetS + start.Seconds(),
				EndS:       offsetS + end.Seconds(),
				Text:       text,
				Confidence: meanProb(probs),
			})
		}
		cur.Reset()
		probs = probs[:0]
	}
	for _, tok := range tokens {
		if isSpecialToken(tok.Text) {
			continue
		}
		if strings.HasPrefix(tok.Text, " ") && cur.Len() > 0 {
			flush()
		}
		if cur.Len() == 0 {
			start = tok.Start
		}
		end = tok.End
		cur.WriteString(tok.Text)
		probs = append(probs, tok.P)
	}
	flush()
	return words
}

func isSpecialToken(text string) bool {
	return strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|")
}

func meanProb(probs []float32) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range probs {
		sum += float64(p)
	}
	return sum / float64(len(probs))
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
