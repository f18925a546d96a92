package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"earshot/internal/acquire"
	"earshot/internal/asr"
	"earshot/internal/config"
	"earshot/internal/diarize"
	"earshot/internal/store"
	"earshot/pkg/types"
	"earshot/pkg/wav"
)

type fakeAcquirer struct {
	mu       sync.Mutex
	failWith map[string]error // video id -> acquire error
	probeErr map[string]error // video id -> probe error
	acquired int
	released int
	fp       map[string]string // video id -> fingerprint
}

func (f *fakeAcquirer) Acquire(_ context.Context, v types.VideoDescriptor) (*types.AudioArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failWith[v.ID]; ok {
		return nil, err
	}
	f.acquired++
	fp := "fp-" + v.ID
	if custom, ok := f.fp[v.ID]; ok {
		fp = custom
	}
	return &types.AudioArtifact{
		Path:        "/tmp/" + v.ID + ".wav",
		Codec:       "pcm_s16le",
		SampleRate:  16000,
		Channels:    1,
		DurationS:   600,
		Fingerprint: fp,
	}, nil
}

func (f *fakeAcquirer) Release(art *types.AudioArtifact) {
	if art == nil {
		return
	}
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeAcquirer) Probe(_ context.Context, id string) error {
	if err, ok := f.probeErr[id]; ok {
		return err
	}
	return nil
}

type fakeTranscriber struct {
	err   error
	words []types.Word
}

func (f fakeTranscriber) Transcribe(_ context.Context, art *types.AudioArtifact, _ asr.Hints) (*asr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	words := f.words
	if words == nil {
		words = []types.Word{
			{StartS: 0.2, EndS: 0.6, Text: "hello", Confidence: 0.95},
		}
	}
	return &asr.Result{
		Segments: []types.TranscriptSegment{
			{StartS: 0, EndS: 5, Text: "hello from the transcript"},
		},
		Words:           words,
		Method:          "fast-short",
		Language:        "en",
		AudioDurationS:  art.DurationS,
		ProcessingTimeS: 42,
	}, nil
}

type fakeDiarizer struct {
	mu    sync.Mutex
	hints []diarize.Hints
}

func (f *fakeDiarizer) Diarize(_ context.Context, art *types.AudioArtifact, hints diarize.Hints) ([]types.DiarizationTurn, error) {
	f.mu.Lock()
	f.hints = append(f.hints, hints)
	f.mu.Unlock()
	return []types.DiarizationTurn{{StartS: 0, EndS: art.DurationS, ClusterID: 0}}, nil
}

type fakeIdentifier struct{}

func (fakeIdentifier) Identify(_ context.Context, _ []float32, turns []types.DiarizationTurn) ([]types.SpeakerSegment, error) {
	segs := make([]types.SpeakerSegment, 0, len(turns))
	for _, t := range turns {
		segs = append(segs, types.SpeakerSegment{
			StartS: t.StartS, EndS: t.EndS,
			Label: types.KnownSpeaker("Hollis"), Confidence: 0.9,
			ClusterID: t.ClusterID,
		})
	}
	return segs, nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) EmbedSegments(_ context.Context, segs []types.TranscriptSegment) error {
	if f.err != nil {
		return f.err
	}
	for i := range segs {
		segs[i].Embedding = []float32{1, 0, 0}
	}
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	persisted []string
}

func (f *fakeStore) HasSegments(_ context.Context, id string) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeStore) PersistVideo(_ context.Context, v types.VideoDescriptor, _ map[string]any, segs []types.TranscriptSegment, _ string, _ store.PersistPolicy) (store.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, v.ID)
	return store.PersistResult{SourceID: int64(len(f.persisted)), SegmentsInserted: len(segs), EmbeddingsInserted: len(segs)}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.IOWorkers = 2
	cfg.Pipeline.ASRWorkers = 1
	cfg.Pipeline.DBWorkers = 2
	cfg.Pipeline.TelemetryInterval = time.Hour
	cfg.SpeakerID.KnownName = "Hollis"
	cfg.Embeddings.ModelKey = "test-model"
	return cfg
}

func newTestPipeline(cfg *config.Config, acq *fakeAcquirer, db *fakeStore, opts ...Option) *Pipeline {
	if acq.fp == nil {
		acq.fp = map[string]string{}
	}
	opts = append(opts,
		WithGPUSampler(nil),
		WithWAVReader(func(string) ([]float32, wav.Info, error) {
			return make([]float32, 16000), wav.Info{SampleRate: 16000, Channels: 1}, nil
		}),
	)
	return New(cfg, Components{
		Acquirer:    acq,
		Transcriber: fakeTranscriber{},
		Diarizer:    &fakeDiarizer{},
		Identifier:  fakeIdentifier{},
		Embedder:    fakeEmbedder{},
		Store:       db,
	}, opts...)
}

func descriptors(ids ...string) []types.VideoDescriptor {
	out := make([]types.VideoDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.VideoDescriptor{ID: id, Title: "episode " + id})
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)

	stats, err := p.Run(context.Background(), descriptors("a", "b"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 2 || stats.Errored != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AudioSeconds != 1200 {
		t.Errorf("AudioSeconds = %v, want 1200", stats.AudioSeconds)
	}
	if stats.ASRSeconds != 84 {
		t.Errorf("ASRSeconds = %v, want 84", stats.ASRSeconds)
	}
	if len(db.persisted) != 2 {
		t.Errorf("persisted = %v", db.persisted)
	}
	if acq.released != acq.acquired {
		t.Errorf("released %d of %d artifacts", acq.released, acq.acquired)
	}
	if stats.TranscriptionMethods["fast-short"] != 2 {
		t.Errorf("TranscriptionMethods = %v, want fast-short: 2", stats.TranscriptionMethods)
	}
	// Every unit carries the identified known speaker.
	if stats.SegmentsKnown == 0 || stats.SegmentsGuest != 0 || stats.SegmentsUnknown != 0 {
		t.Errorf("segment classes = %d/%d/%d, want known only",
			stats.SegmentsKnown, stats.SegmentsGuest, stats.SegmentsUnknown)
	}
	if got := stats.KnownSpeakerPct(); got != 100 {
		t.Errorf("KnownSpeakerPct = %v, want 100", got)
	}
}

func TestRun_ASRFailureClassed(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)
	p.c.Transcriber = fakeTranscriber{err: errors.New("decode blew up")}

	stats, err := p.Run(context.Background(), descriptors("a"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Errored != 1 || stats.Processed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FailuresByClass[types.FailASR] != 1 {
		t.Errorf("FailuresByClass = %v, want ASR_FAILED: 1", stats.FailuresByClass)
	}
	if acq.released != acq.acquired {
		t.Errorf("released %d of %d artifacts", acq.released, acq.acquired)
	}
}

func TestRun_ConversationalWordsPinTwoSpeakers(t *testing.T) {
	// A transcript dense with back-channel affirmations must reach the
	// diarizer with both bounds pinned to two; auto bounds never engage the
	// clusterer's fixed-count mode.
	words := make([]types.Word, 0, 25)
	for i := 0; i < 25; i++ {
		text := "soil"
		if i%5 == 0 {
			text = "yeah"
		}
		words = append(words, types.Word{
			StartS: float64(i), EndS: float64(i) + 0.4, Text: text, Confidence: 0.9,
		})
	}

	acq := &fakeAcquirer{}
	db := &fakeStore{}
	dia := &fakeDiarizer{}
	p := newTestPipeline(testConfig(), acq, db)
	p.c.Transcriber = fakeTranscriber{words: words}
	p.c.Diarizer = dia

	if _, err := p.Run(context.Background(), descriptors("a")); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(dia.hints) != 1 {
		t.Fatalf("diarizer calls = %d, want 1", len(dia.hints))
	}
	if h := dia.hints[0]; h.MinSpeakers != 2 || h.MaxSpeakers != 2 {
		t.Errorf("hints = %+v, want min=max=2", h)
	}
}

func TestRun_TerminalFailureClasses(t *testing.T) {
	acq := &fakeAcquirer{failWith: map[string]error{
		"gone": &acquire.TerminalError{Class: types.FailMembersOnly, VideoID: "gone"},
		"mute": &acquire.TerminalError{Class: types.FailNoAudio, VideoID: "mute"},
	}}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)

	stats, err := p.Run(context.Background(), descriptors("ok", "gone", "mute"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("Processed = %d, want 1", stats.Processed)
	}
	if stats.Errored != 1 {
		t.Errorf("Errored = %d, want 1 (NO_AUDIO must not count)", stats.Errored)
	}
	if stats.NoAudio != 1 {
		t.Errorf("NoAudio = %d, want 1", stats.NoAudio)
	}
	if stats.FailuresByClass[types.FailMembersOnly] != 1 || stats.FailuresByClass[types.FailNoAudio] != 1 {
		t.Errorf("FailuresByClass = %v", stats.FailuresByClass)
	}
}

func TestRun_SkipExisting(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{existing: map[string]bool{"done": true}}
	p := newTestPipeline(testConfig(), acq, db)

	stats, err := p.Run(context.Background(), descriptors("done", "fresh"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(db.persisted) != 1 || db.persisted[0] != "fresh" {
		t.Errorf("persisted = %v", db.persisted)
	}
}

func TestRun_ForceReprocess(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{existing: map[string]bool{"done": true}}
	cfg := testConfig()
	cfg.Pipeline.ForceReprocess = true
	p := newTestPipeline(cfg, acq, db)

	stats, err := p.Run(context.Background(), descriptors("done"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 1 || stats.Skipped != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_LimitUnprocessed(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{existing: map[string]bool{"done1": true, "done2": true}}
	cfg := testConfig()
	cfg.Pipeline.LimitUnprocessed = true
	cfg.Input.Limit = 1
	p := newTestPipeline(cfg, acq, db)

	// The limit counts unprocessed videos, so the two already-done entries
	// are probed past and exactly one fresh video runs.
	stats, err := p.Run(context.Background(), descriptors("done1", "done2", "fresh1", "fresh2"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("Processed = %d, want 1", stats.Processed)
	}
	if len(db.persisted) != 1 || db.persisted[0] != "fresh1" {
		t.Errorf("persisted = %v", db.persisted)
	}
}

func TestRun_IntraRunDuplicate(t *testing.T) {
	acq := &fakeAcquirer{fp: map[string]string{"a": "same", "b": "same"}}
	db := &fakeStore{}
	cfg := testConfig()
	// One IO worker makes the duplicate ordering deterministic.
	cfg.Pipeline.IOWorkers = 1
	p := newTestPipeline(cfg, acq, db)

	stats, err := p.Run(context.Background(), descriptors("a", "b"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 1 || stats.Duplicates != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if acq.released != acq.acquired {
		t.Errorf("released %d of %d artifacts", acq.released, acq.acquired)
	}
}

func TestRun_Prefilter(t *testing.T) {
	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	acq := &fakeAcquirer{probeErr: map[string]error{
		"a": &acquire.TerminalError{Class: types.FailMembersOnly, VideoID: "a"},
		"b": &acquire.TerminalError{Class: types.FailUnavailable, VideoID: "b"},
		// Rate limiting is transient; the real download still runs.
		"c": &acquire.TerminalError{Class: types.FailRateLimited, VideoID: "c"},
	}}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)

	stats, err := p.Run(context.Background(), descriptors(ids...))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Processed != 14 {
		t.Errorf("Processed = %d, want 14", stats.Processed)
	}
	if stats.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", stats.Skipped)
	}
	if stats.FailuresByClass[types.FailMembersOnly] != 1 || stats.FailuresByClass[types.FailUnavailable] != 1 {
		t.Errorf("FailuresByClass = %v", stats.FailuresByClass)
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acq := &fakeAcquirer{}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)

	stats, err := p.Run(ctx, descriptors("a", "b", "c"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats.Processed != 0 {
		t.Errorf("Processed = %d, want 0", stats.Processed)
	}
	if acq.released != acq.acquired {
		t.Errorf("released %d of %d artifacts", acq.released, acq.acquired)
	}
}

func TestRun_EmbeddingFailureCountsAsError(t *testing.T) {
	acq := &fakeAcquirer{}
	db := &fakeStore{}
	p := newTestPipeline(testConfig(), acq, db)
	p.c.Embedder = fakeEmbedder{err: errors.New("provider down")}

	stats, err := p.Run(context.Background(), descriptors("a"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Errored != 1 || stats.Processed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FailuresByClass[types.FailPersist] != 1 {
		t.Errorf("FailuresByClass = %v, want PERSIST_FAILED: 1", stats.FailuresByClass)
	}
	if acq.released != acq.acquired {
		t.Errorf("released %d of %d artifacts", acq.released, acq.acquired)
	}
}

func TestTitleSuggestsInterview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  bool
	}{
		{"A Conversation About Soil", true},
		{"Podcast #42: ecology", true},
		{"Walking the north field", false},
		{"Q&A from the spring workshop", true},
	}
	for _, tt := range tests {
		if got := titleSuggestsInterview(types.VideoDescriptor{Title: tt.title}); got != tt.want {
			t.Errorf("titleSuggestsInterview(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestStatsProjection(t *testing.T) {
	t.Parallel()

	s := Stats{AudioSeconds: 10 * 3600, WallSeconds: 3600}
	if got := s.HoursPerHour(); got != 10 {
		t.Errorf("HoursPerHour = %v, want 10", got)
	}
	if got := s.ProjectedDays(1200); got != 5 {
		t.Errorf("ProjectedDays(1200) = %v, want 5", got)
	}

	pct := Stats{SegmentsKnown: 3, SegmentsGuest: 1}
	if got := pct.KnownSpeakerPct(); got != 75 {
		t.Errorf("KnownSpeakerPct = %v, want 75", got)
	}
	if got := (Stats{}).KnownSpeakerPct(); got != 0 {
		t.Errorf("KnownSpeakerPct on empty stats = %v, want 0", got)
	}
}
