// Package pipeline orchestrates an ingestion run: a three-stage
// producer/consumer chain (acquire → transcribe/diarize/identify/segment →
// embed/persist) over bounded queues, with per-run statistics, periodic
// GPU/queue telemetry and graceful close-cascade shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"earshot/internal/acquire"
	"earshot/internal/asr"
	"earshot/internal/config"
	"earshot/internal/diarize"
	"earshot/internal/observe"
	"earshot/internal/segment"
	"earshot/internal/store"
	"earshot/internal/voiceid"
	"earshot/pkg/types"
	"earshot/pkg/wav"
)

// prefilterMinInput is the input size below which the accessibility pre-filter
// is not worth its probe traffic.
const prefilterMinInput = 15

// markerWindowS is the window passed to the conversational-marker heuristic.
const markerWindowS = 60

// Acquirer is the audio acquisition contract.
type Acquirer interface {
	Acquire(ctx context.Context, video types.VideoDescriptor) (*types.AudioArtifact, error)
	Release(art *types.AudioArtifact)
	Probe(ctx context.Context, videoID string) error
}

// Diarizer produces exclusive speaker turns for an artifact.
type Diarizer interface {
	Diarize(ctx context.Context, art *types.AudioArtifact, hints diarize.Hints) ([]types.DiarizationTurn, error)
}

// Identifier labels diarization clusters against enrolled voice profiles.
type Identifier interface {
	Identify(ctx context.Context, samples []float32, turns []types.DiarizationTurn) ([]types.SpeakerSegment, error)
}

// Embedder fills text embeddings on eligible segments in place.
type Embedder interface {
	EmbedSegments(ctx context.Context, segs []types.TranscriptSegment) error
}

// Persister is the database contract the pipeline consumes.
type Persister interface {
	HasSegments(ctx context.Context, externalID string) (bool, error)
	PersistVideo(ctx context.Context, video types.VideoDescriptor, provenance map[string]any, segs []types.TranscriptSegment, modelKey string, policy store.PersistPolicy) (store.PersistResult, error)
}

// Components bundles the stage implementations. Production wiring lives in
// cmd; tests substitute fakes.
type Components struct {
	Acquirer    Acquirer
	Transcriber asr.Transcriber
	Diarizer    Diarizer
	Identifier  Identifier
	Embedder    Embedder
	Store       Persister
}

// Pipeline runs one ingestion over a fixed input list.
type Pipeline struct {
	cfg   *config.Config
	c     Components
	gpu   *observe.GPUSampler
	met   *observe.Metrics
	log   *slog.Logger
	stats *tracker

	// readWAV is swapped out by tests that have no real artifact on disk.
	readWAV func(path string) ([]float32, wav.Info, error)

	// seen maps content fingerprints to the first video id that produced
	// them, for intra-run duplicate detection.
	seenMu sync.Mutex
	seen   map[string]string
}

// Option is a functional option for Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.met = m }
}

// WithGPUSampler sets the GPU sampler used by the telemetry loop. Nil disables
// GPU sampling.
func WithGPUSampler(g *observe.GPUSampler) Option {
	return func(p *Pipeline) { p.gpu = g }
}

// WithWAVReader substitutes the sample loader for tests.
func WithWAVReader(fn func(path string) ([]float32, wav.Info, error)) Option {
	return func(p *Pipeline) { p.readWAV = fn }
}

// New builds a Pipeline over the given components.
func New(cfg *config.Config, c Components, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		c:       c,
		gpu:     observe.NewGPUSampler(),
		log:     slog.Default(),
		stats:   newTracker(),
		readWAV: wav.ReadFile,
		seen:    make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}
	if p.met == nil {
		p.met = observe.DefaultMetrics()
	}
	return p
}

// job carries one video through the stage queues.
type job struct {
	video types.VideoDescriptor
	art   *types.AudioArtifact
	res   *asr.Result
	units []types.TranscriptSegment
}

// Run ingests the given videos and blocks until every queue has drained or the
// context is cancelled. The returned Stats are complete either way; the error
// is non-nil only for cancellation or a pre-flight failure.
func (p *Pipeline) Run(ctx context.Context, videos []types.VideoDescriptor) (Stats, error) {
	start := time.Now()

	videos, err := p.preflight(ctx, videos)
	if err != nil {
		return p.stats.snapshot(), err
	}
	p.stats.update(func(s *Stats) { s.Total = len(videos) })
	p.log.Info("starting ingestion",
		"videos", len(videos),
		"io_workers", p.cfg.Pipeline.IOWorkers,
		"asr_workers", p.cfg.Pipeline.ASRWorkers,
		"db_workers", p.cfg.Pipeline.DBWorkers,
	)

	videoCh := make(chan types.VideoDescriptor)
	audioCh := make(chan *job, p.cfg.Pipeline.AudioQueueBound)
	resultCh := make(chan *job, p.cfg.Pipeline.ASRQueueBound)

	telemetryDone := make(chan struct{})
	go p.telemetryLoop(ctx, telemetryDone, audioCh, resultCh)

	var ioWG, asrWG, dbWG sync.WaitGroup
	for i := 0; i < max(1, p.cfg.Pipeline.IOWorkers); i++ {
		ioWG.Add(1)
		go func() {
			defer ioWG.Done()
			p.ioWorker(ctx, videoCh, audioCh)
		}()
	}
	for i := 0; i < max(1, p.cfg.Pipeline.ASRWorkers); i++ {
		asrWG.Add(1)
		go func() {
			defer asrWG.Done()
			p.asrWorker(ctx, audioCh, resultCh)
		}()
	}
	for i := 0; i < max(1, p.cfg.Pipeline.DBWorkers); i++ {
		dbWG.Add(1)
		go func() {
			defer dbWG.Done()
			p.dbWorker(ctx, resultCh)
		}()
	}

	go func() {
		defer close(videoCh)
		for _, v := range videos {
			select {
			case videoCh <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close cascade: each pool closes the queue it feeds once drained.
	ioWG.Wait()
	close(audioCh)
	asrWG.Wait()
	close(resultCh)
	dbWG.Wait()
	close(telemetryDone)

	// On cancellation the queues may still hold owned artifacts.
	for j := range audioCh {
		p.releaseSkipped(j)
	}
	for j := range resultCh {
		p.releaseSkipped(j)
	}

	p.stats.update(func(s *Stats) { s.WallSeconds = time.Since(start).Seconds() })
	stats := p.stats.snapshot()
	p.summarize(stats)
	return stats, ctx.Err()
}

// preflight applies the accessibility pre-filter and the skip-existing
// selection, including the unprocessed-counting limit mode.
func (p *Pipeline) preflight(ctx context.Context, videos []types.VideoDescriptor) ([]types.VideoDescriptor, error) {
	if p.cfg.Input.Source != config.SourceLocal && len(videos) >= prefilterMinInput {
		videos = p.prefilter(ctx, videos)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p.selectCandidates(ctx, videos)
}

// prefilter probes accessibility concurrently and drops videos that are
// members-only or gone, so they never occupy pipeline slots.
func (p *Pipeline) prefilter(ctx context.Context, videos []types.VideoDescriptor) []types.VideoDescriptor {
	type verdict struct {
		drop  bool
		class types.FailureClass
	}
	verdicts := make([]verdict, len(videos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.cfg.Pipeline.PrefilterConcurrency))
	for i, v := range videos {
		g.Go(func() error {
			err := p.c.Acquirer.Probe(gctx, v.ID)
			if term, ok := acquire.AsTerminal(err); ok {
				switch term.Class {
				case types.FailMembersOnly, types.FailUnavailable:
					verdicts[i] = verdict{drop: true, class: term.Class}
				}
			}
			return nil
		})
	}
	g.Wait()

	out := videos[:0:0]
	for i, v := range videos {
		if verdicts[i].drop {
			p.log.Info("pre-filter dropped video", "video_id", v.ID, "class", verdicts[i].class)
			p.met.RecordFailure(ctx, string(verdicts[i].class))
			p.stats.update(func(s *Stats) {
				s.Skipped++
				s.FailuresByClass[verdicts[i].class]++
			})
			continue
		}
		out = append(out, v)
	}
	return out
}

// selectCandidates filters out already-persisted videos. In unprocessed-limit
// mode the database is probed per candidate, in listing order, until the
// requested number of unprocessed videos is collected.
func (p *Pipeline) selectCandidates(ctx context.Context, videos []types.VideoDescriptor) ([]types.VideoDescriptor, error) {
	pc := p.cfg.Pipeline
	if pc.ForceReprocess {
		return videos, nil
	}

	if pc.LimitUnprocessed && p.cfg.Input.Limit > 0 {
		out := make([]types.VideoDescriptor, 0, p.cfg.Input.Limit)
		for _, v := range videos {
			if len(out) >= p.cfg.Input.Limit {
				break
			}
			done, err := p.c.Store.HasSegments(ctx, v.ID)
			if err != nil {
				return nil, fmt.Errorf("pipeline: select candidates: %w", err)
			}
			if done {
				p.stats.update(func(s *Stats) { s.Skipped++ })
				continue
			}
			out = append(out, v)
		}
		return out, nil
	}

	if !pc.SkipExisting {
		return videos, nil
	}
	out := videos[:0:0]
	for _, v := range videos {
		done, err := p.c.Store.HasSegments(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: select candidates: %w", err)
		}
		if done {
			p.log.Debug("skipping already-persisted video", "video_id", v.ID)
			p.stats.update(func(s *Stats) { s.Skipped++ })
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ioWorker downloads and transcodes one video at a time and feeds artifacts
// into the audio queue.
func (p *Pipeline) ioWorker(ctx context.Context, videoCh <-chan types.VideoDescriptor, audioCh chan<- *job) {
	for v := range videoCh {
		if ctx.Err() != nil {
			p.stats.update(func(s *Stats) { s.Skipped++ })
			continue
		}

		t0 := time.Now()
		art, err := p.c.Acquirer.Acquire(ctx, v)
		p.met.RecordStage(ctx, "acquire", time.Since(t0).Seconds())
		if err != nil {
			p.recordTerminal(ctx, v.ID, "acquire", err)
			continue
		}

		if first, dup := p.checkDuplicate(v.ID, art.Fingerprint); dup {
			p.log.Info("skipping intra-run duplicate", "video_id", v.ID, "duplicate_of", first)
			p.c.Acquirer.Release(art)
			p.stats.update(func(s *Stats) {
				s.Skipped++
				s.Duplicates++
			})
			p.met.RecordFinished(ctx, "skipped")
			continue
		}

		select {
		case audioCh <- &job{video: v, art: art}:
			p.met.AddQueueDepth(ctx, "audio", 1)
		case <-ctx.Done():
			p.c.Acquirer.Release(art)
			p.stats.update(func(s *Stats) { s.Skipped++ })
		}
	}
}

// asrWorker runs the GPU-bound middle stage: transcription, diarization,
// speaker identification, word attribution and retrieval segmentation.
func (p *Pipeline) asrWorker(ctx context.Context, audioCh <-chan *job, resultCh chan<- *job) {
	for j := range audioCh {
		p.met.AddQueueDepth(ctx, "audio", -1)
		if ctx.Err() != nil {
			p.releaseSkipped(j)
			continue
		}

		if err := p.processAudio(ctx, j); err != nil {
			p.recordTerminal(ctx, j.video.ID, "asr", err)
			p.c.Acquirer.Release(j.art)
			continue
		}

		select {
		case resultCh <- j:
			p.met.AddQueueDepth(ctx, "asr", 1)
		case <-ctx.Done():
			p.releaseSkipped(j)
		}
	}
}

// processAudio fills j.res and j.units from j.art. Failures come back as
// ASR_FAILED terminal errors so the per-class counters see them.
func (p *Pipeline) processAudio(ctx context.Context, j *job) error {
	t0 := time.Now()
	res, err := p.c.Transcriber.Transcribe(ctx, j.art, asr.Hints{
		IsInterview: titleSuggestsInterview(j.video),
	})
	p.met.RecordStage(ctx, "asr", time.Since(t0).Seconds())
	if err != nil {
		return p.asrFailure(j.video.ID, fmt.Errorf("transcribe: %w", err))
	}
	j.res = res
	p.stats.update(func(s *Stats) { s.ASRSeconds += res.ProcessingTimeS })

	hints := diarize.Hints{
		MinSpeakers: p.cfg.Diarize.MinSpeakers,
		MaxSpeakers: p.cfg.Diarize.MaxSpeakers,
	}
	// Pin exactly two speakers so the hint reaches the clusterer, which only
	// honours a fixed count.
	if hints.MinSpeakers == 0 && hints.MaxSpeakers == 0 && !p.cfg.SpeakerID.AssumeMonologue &&
		diarize.ConversationalMarkers(res.Words, markerWindowS) {
		hints.MinSpeakers, hints.MaxSpeakers = 2, 2
	}

	t0 = time.Now()
	var turns []types.DiarizationTurn
	if p.cfg.SpeakerID.AssumeMonologue {
		turns = []types.DiarizationTurn{{StartS: 0, EndS: j.art.DurationS, ClusterID: 0}}
	} else {
		turns, err = p.c.Diarizer.Diarize(ctx, j.art, hints)
		if err != nil {
			return p.asrFailure(j.video.ID, fmt.Errorf("diarize: %w", err))
		}
	}
	p.met.RecordStage(ctx, "diarize", time.Since(t0).Seconds())

	samples, _, err := p.readWAV(j.art.Path)
	if err != nil {
		return p.asrFailure(j.video.ID, fmt.Errorf("read artifact: %w", err))
	}

	t0 = time.Now()
	speakers, err := p.c.Identifier.Identify(ctx, samples, turns)
	p.met.RecordStage(ctx, "identify", time.Since(t0).Seconds())
	if err != nil {
		return p.asrFailure(j.video.ID, fmt.Errorf("identify: %w", err))
	}

	words := voiceid.AttributeWords(res.Words, turns, speakers, p.cfg.SpeakerID)
	j.units = segment.Build(res.Segments, words, turns, speakers)
	return nil
}

// asrFailure wraps a middle-stage error in the ASR_FAILED terminal class.
// Cancellation stays visible through the wrap and is still booked as skipped.
func (p *Pipeline) asrFailure(videoID string, err error) error {
	return &acquire.TerminalError{Class: types.FailASR, VideoID: videoID, Err: err}
}

// dbWorker embeds and persists finished videos. It owns artifact release on
// every terminal path.
func (p *Pipeline) dbWorker(ctx context.Context, resultCh <-chan *job) {
	for j := range resultCh {
		p.met.AddQueueDepth(ctx, "asr", -1)
		if ctx.Err() != nil {
			p.releaseSkipped(j)
			continue
		}

		t0 := time.Now()
		err := p.c.Embedder.EmbedSegments(ctx, j.units)
		p.met.RecordStage(ctx, "embed", time.Since(t0).Seconds())
		if err != nil {
			p.log.Error("embedding failed", "video_id", j.video.ID, "error", err)
			p.stats.recordFailure(types.FailPersist)
			p.met.RecordFailure(ctx, string(types.FailPersist))
			p.met.RecordFinished(ctx, "errored")
			p.c.Acquirer.Release(j.art)
			continue
		}

		t0 = time.Now()
		res, err := p.c.Store.PersistVideo(ctx, j.video, p.provenance(j), j.units,
			p.cfg.Embeddings.ModelKey,
			store.PersistPolicy{
				StoreKnownOnly: p.cfg.Embeddings.StoreKnownOnly,
				KnownName:      p.cfg.SpeakerID.KnownName,
				UnknownLabel:   p.cfg.SpeakerID.UnknownLabel,
			})
		p.met.RecordStage(ctx, "persist", time.Since(t0).Seconds())
		p.c.Acquirer.Release(j.art)
		if err != nil {
			p.log.Error("persistence failed", "video_id", j.video.ID, "error", err)
			p.stats.recordFailure(types.FailPersist)
			p.met.RecordFailure(ctx, string(types.FailPersist))
			p.met.RecordFinished(ctx, "errored")
			continue
		}

		p.log.Info("video ingested",
			"video_id", j.video.ID,
			"audio_s", j.art.DurationS,
			"segments", res.SegmentsInserted,
			"embeddings", res.EmbeddingsInserted,
			"rtf", j.res.RealTimeFactor(),
		)
		p.met.RecordFinished(ctx, "processed")
		p.met.AudioSeconds.Add(ctx, j.art.DurationS)
		p.met.SegmentsPersisted.Add(ctx, int64(res.SegmentsInserted))
		p.stats.update(func(s *Stats) {
			s.Processed++
			s.AudioSeconds += j.art.DurationS
			s.SegmentsPersisted += res.SegmentsInserted
			s.EmbeddingsPersisted += res.EmbeddingsInserted
			method := "unknown"
			if j.res != nil && j.res.Method != "" {
				method = j.res.Method
			}
			s.TranscriptionMethods[method]++
			for _, u := range j.units {
				switch {
				case u.Speaker.IsKnown():
					s.SegmentsKnown++
				case u.Speaker.IsGuest():
					s.SegmentsGuest++
				default:
					s.SegmentsUnknown++
				}
			}
		})
	}
}

// recordTerminal books a stage failure under its terminal class; an unclassed
// error falls through to the plain errored counter.
func (p *Pipeline) recordTerminal(ctx context.Context, videoID, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		p.stats.update(func(s *Stats) { s.Skipped++ })
		return
	}
	if term, ok := acquire.AsTerminal(err); ok {
		level := slog.LevelError
		if !term.Class.CountsAsError() {
			level = slog.LevelWarn
		}
		p.log.Log(ctx, level, "video failed",
			"video_id", videoID, "stage", stage, "class", term.Class, "error", err)
		p.stats.recordFailure(term.Class)
		p.met.RecordFailure(ctx, string(term.Class))
		if term.Class.CountsAsError() {
			p.met.RecordFinished(ctx, "errored")
		} else {
			p.met.RecordFinished(ctx, "no_audio")
		}
		return
	}
	p.log.Error("video failed", "video_id", videoID, "stage", stage, "error", err)
	p.stats.update(func(s *Stats) { s.Errored++ })
	p.met.RecordFinished(ctx, "errored")
}

func (p *Pipeline) releaseSkipped(j *job) {
	p.c.Acquirer.Release(j.art)
	p.stats.update(func(s *Stats) { s.Skipped++ })
}

// checkDuplicate registers the fingerprint and reports whether another video
// in this run already produced the same audio content.
func (p *Pipeline) checkDuplicate(videoID, fingerprint string) (first string, dup bool) {
	if fingerprint == "" {
		return "", false
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if id, ok := p.seen[fingerprint]; ok {
		return id, true
	}
	p.seen[fingerprint] = videoID
	return "", false
}

// provenance builds the JSONB payload stored on the sources row.
func (p *Pipeline) provenance(j *job) map[string]any {
	prov := map[string]any{
		"source_kind": string(p.cfg.Input.Source),
		"fingerprint": j.art.Fingerprint,
	}
	if j.video.LocalPath != "" {
		prov["url"] = j.video.LocalPath
	} else {
		prov["url"] = "https://www.youtube.com/watch?v=" + j.video.ID
	}
	if j.res != nil && j.res.Language != "" {
		prov["asr_language"] = j.res.Language
	}
	if j.res != nil && j.res.Method != "" {
		prov["asr_method"] = j.res.Method
	}
	if p.cfg.ASR.Model != "" {
		prov["asr_model"] = p.cfg.ASR.Model
	}
	if p.cfg.ASR.Device != "" {
		prov["asr_device"] = p.cfg.ASR.Device
	}
	if p.cfg.ASR.Compute != "" {
		prov["asr_compute"] = p.cfg.ASR.Compute
	}
	return prov
}

// telemetryLoop samples the GPU and queue depths on a fixed period and records
// peak queue fill levels.
func (p *Pipeline) telemetryLoop(ctx context.Context, done <-chan struct{}, audioCh chan *job, resultCh chan *job) {
	interval := p.cfg.Pipeline.TelemetryInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	gpuGone := p.gpu == nil
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		audioDepth, asrDepth := len(audioCh), len(resultCh)
		p.stats.update(func(s *Stats) {
			s.AudioQueuePeak = max(s.AudioQueuePeak, audioDepth)
			s.ASRQueuePeak = max(s.ASRQueuePeak, asrDepth)
		})

		attrs := []any{"audio_queue", audioDepth, "asr_queue", asrDepth}
		if !gpuGone {
			sample, err := p.gpu.Sample(ctx)
			if err != nil {
				p.log.Debug("gpu telemetry unavailable", "error", err)
				gpuGone = true
			} else {
				p.met.RecordGPU(ctx, sample)
				attrs = append(attrs,
					"gpu_util_pct", sample.UtilizationPct,
					"gpu_mem_used_mib", sample.MemoryUsedMiB,
				)
				// An idle GPU while audio is queued means the ASR stage is
				// the bottleneck somewhere other than compute.
				if sample.UtilizationPct < 90 && audioDepth > 0 {
					p.log.Warn("gpu underutilized while audio is queued",
						"gpu_util_pct", sample.UtilizationPct, "audio_queue", audioDepth)
				}
			}
		}
		p.log.Info("telemetry", attrs...)
	}
}

// summarize logs the end-of-run report.
func (p *Pipeline) summarize(s Stats) {
	attrs := []any{
		"total", s.Total,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"errored", s.Errored,
		"no_audio", s.NoAudio,
		"duplicates", s.Duplicates,
		"segments", s.SegmentsPersisted,
		"embeddings", s.EmbeddingsPersisted,
		"audio_hours", s.AudioSeconds / 3600,
		"wall_seconds", s.WallSeconds,
		"hours_per_hour", s.HoursPerHour(),
		"audio_queue_peak", s.AudioQueuePeak,
		"asr_queue_peak", s.ASRQueuePeak,
		"segments_known", s.SegmentsKnown,
		"segments_guest", s.SegmentsGuest,
		"segments_unknown", s.SegmentsUnknown,
		"known_speaker_pct", s.KnownSpeakerPct(),
	}
	for class, n := range s.FailuresByClass {
		attrs = append(attrs, "fail_"+strings.ToLower(string(class)), n)
	}
	for method, n := range s.TranscriptionMethods {
		attrs = append(attrs, "method_"+method, n)
	}
	if s.HoursPerHour() > 0 {
		attrs = append(attrs, "projected_days_1200h", s.ProjectedDays(1200))
	}
	p.log.Info("ingestion complete", attrs...)

	if s.Processed == 0 && s.Skipped > 0 {
		p.log.Info("every candidate was skipped; re-run with --limit-unprocessed to reach deeper into the channel, or --force to re-ingest")
	}
}

// titleSuggestsInterview is a cheap metadata heuristic feeding the ASR preset
// router. False negatives are fine; the conversational-marker pass on the
// transcript still catches multi-speaker audio for diarization.
func titleSuggestsInterview(v types.VideoDescriptor) bool {
	title := strings.ToLower(v.Title)
	for _, kw := range []string{"interview", "podcast", "q&a", " with ", "conversation", "ft.", "feat."} {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}
