package voiceid

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"earshot/internal/config"
	"earshot/pkg/types"
)

// fakeExtractor derives a two-dimensional embedding from the sign of the
// window's sample sum: positive audio is "voice A" ([1,0]), negative is
// "voice B" ([0,1]).
type fakeExtractor struct {
	failAll bool
}

func (f *fakeExtractor) Embed(_ context.Context, samples []float32) ([]float32, error) {
	if f.failAll {
		return nil, context.DeadlineExceeded
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	if sum >= 0 {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (f *fakeExtractor) Dim() int { return 2 }

func speakerIDConfig() config.SpeakerIDConfig {
	return config.SpeakerIDConfig{
		KnownName:          "Hollis",
		KnownMinSim:        0.62,
		GuestMinSim:        0.82,
		AttributionMargin:  0.05,
		OverlapBonus:       0.03,
		MinClusterDuration: 3.0,
	}
}

// storeWith builds an in-memory store around the given profiles.
func storeWith(t *testing.T, profiles ...*types.VoiceProfile) *Store {
	t.Helper()
	s, err := LoadProfiles(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range profiles {
		if err := s.Save(p); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func hollisProfile() *types.VoiceProfile {
	return &types.VoiceProfile{Name: "Hollis", Centroid: []float32{1, 0}, Threshold: 0.62}
}

// constSamples returns n seconds of audio at the given constant level.
func constSamples(seconds float64, level float32) []float32 {
	out := make([]float32, int(seconds*16000))
	for i := range out {
		out[i] = level
	}
	return out
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := LoadProfiles(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(hollisProfile()); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadProfiles(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	p := reloaded.Get("hollis")
	if p == nil || p.Name != "Hollis" || p.Threshold != 0.62 {
		t.Fatalf("reloaded profile = %+v", p)
	}
}

func TestStore_CanonicalAndRequireKnown(t *testing.T) {
	t.Parallel()

	s := storeWith(t,
		hollisProfile(),
		&types.VoiceProfile{Name: "Hollis-backup", Centroid: []float32{0.9, 0.1}, DuplicateOf: "Hollis"},
	)

	backup := s.Get("hollis-backup")
	if got := s.Canonical(backup); got.Name != "Hollis" {
		t.Errorf("Canonical = %q, want Hollis", got.Name)
	}
	if err := s.RequireKnown("Hollis"); err != nil {
		t.Errorf("RequireKnown(Hollis) = %v", err)
	}
	if err := s.RequireKnown("Nobody"); err == nil {
		t.Error("RequireKnown(Nobody) should fail")
	}
	if err := s.RequireKnown(""); err != nil {
		t.Errorf("RequireKnown(\"\") = %v, want nil", err)
	}
}

func TestIdentify_KnownCluster(t *testing.T) {
	t.Parallel()

	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{}, storeWith(t, hollisProfile()), slog.Default())
	samples := constSamples(40, 0.1)
	turns := []types.DiarizationTurn{
		{StartS: 0, EndS: 20, ClusterID: 0},
		{StartS: 20, EndS: 40, ClusterID: 0},
	}

	segs, err := id.Identify(context.Background(), samples, turns)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}
	for _, s := range segs {
		if !s.Label.Is("Hollis") {
			t.Errorf("label = %s, want Hollis", s.Label)
		}
		if s.Confidence < 0.62 {
			t.Errorf("confidence = %v, want ≥ 0.62", s.Confidence)
		}
		if len(s.Embedding) == 0 {
			t.Error("cluster embedding missing")
		}
	}
}

func TestIdentify_ShortClusterUnknown(t *testing.T) {
	t.Parallel()

	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{}, storeWith(t, hollisProfile()), slog.Default())
	samples := constSamples(10, 0.1)
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 2, ClusterID: 5}}

	segs, err := id.Identify(context.Background(), samples, turns)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 || !segs[0].Label.IsUnknown() || segs[0].Confidence != 0 {
		t.Errorf("segs = %+v, want UNKNOWN with confidence 0", segs)
	}
}

func TestIdentify_ExtractorUnavailable(t *testing.T) {
	t.Parallel()

	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{failAll: true}, storeWith(t, hollisProfile()), slog.Default())
	samples := constSamples(40, 0.1)
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 40, ClusterID: 0}}

	segs, err := id.Identify(context.Background(), samples, turns)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range segs {
		if !s.Label.IsUnknown() {
			t.Errorf("label = %s, want UNKNOWN when the extractor is down", s.Label)
		}
	}
}

func TestIdentify_OverMergedSplit(t *testing.T) {
	t.Parallel()

	// One 400 s turn: first half voice A (positive), second half voice B
	// (negative). The uniform windows see both voices, the similarity spread
	// trips the over-merge signal, and the 30 s re-identification splits the
	// cluster into known and guest pieces.
	samples := append(constSamples(200, 0.1), constSamples(200, -0.1)...)
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 400, ClusterID: 0}}

	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{}, storeWith(t, hollisProfile()), slog.Default())
	segs, err := id.Identify(context.Background(), samples, turns)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) < 10 {
		t.Fatalf("len(segs) = %d, want ≥ 10 split pieces", len(segs))
	}

	var known, guest int
	for _, s := range segs {
		switch {
		case s.Label.Is("Hollis"):
			known++
		case s.Label.IsGuest():
			guest++
		}
	}
	if known == 0 || guest == 0 {
		t.Errorf("known = %d, guest = %d; want both voices represented", known, guest)
	}
}

func TestIdentify_AssumeMonologue(t *testing.T) {
	t.Parallel()

	cfg := speakerIDConfig()
	cfg.AssumeMonologue = true
	// No extractor call should happen.
	id := NewIdentifier(cfg, &fakeExtractor{failAll: true}, storeWith(t), slog.Default())

	turns := []types.DiarizationTurn{{StartS: 0, EndS: 100, ClusterID: 0}}
	segs, err := id.Identify(context.Background(), nil, turns)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 || !segs[0].Label.Is("Hollis") || segs[0].Confidence != 1.0 {
		t.Errorf("segs = %+v, want Hollis at 1.0", segs)
	}
}

func TestMatchProfiles_MarginRejection(t *testing.T) {
	t.Parallel()

	store := storeWith(t,
		&types.VoiceProfile{Name: "Alice", Centroid: []float32{1, 0}, Threshold: 0.6},
		&types.VoiceProfile{Name: "Bob", Centroid: []float32{0.995, 0.1}, Threshold: 0.6},
	)
	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{}, store, slog.Default())

	// Both profiles sit almost on top of the query: the margin check must
	// refuse to pick one.
	label, _, margin := id.matchProfiles([]float32{1, 0}, 60)
	if !label.IsUnknown() {
		t.Errorf("label = %s, want UNKNOWN on ambiguous match", label)
	}
	if margin >= 0.05 {
		t.Errorf("margin = %v, expected < 0.05", margin)
	}
}

func TestSmooth_FlipsShortOutlier(t *testing.T) {
	t.Parallel()

	id := NewIdentifier(speakerIDConfig(), &fakeExtractor{}, storeWith(t), slog.Default())
	segs := []types.SpeakerSegment{
		{StartS: 0, EndS: 30, Label: types.KnownSpeaker("Hollis")},
		{StartS: 30, EndS: 60, Label: types.Guest()},
		{StartS: 60, EndS: 90, Label: types.KnownSpeaker("Hollis")},
	}
	id.smooth(segs)
	if !segs[1].Label.Is("Hollis") {
		t.Errorf("short outlier not flipped: %s", segs[1].Label)
	}

	// A long outlier stays.
	long := []types.SpeakerSegment{
		{StartS: 0, EndS: 30, Label: types.KnownSpeaker("Hollis")},
		{StartS: 30, EndS: 120, Label: types.Guest()},
		{StartS: 120, EndS: 150, Label: types.KnownSpeaker("Hollis")},
	}
	id.smooth(long)
	if !long[1].Label.IsGuest() {
		t.Errorf("long segment flipped: %s", long[1].Label)
	}
}

func TestSampleWindows_OverMergedUniform(t *testing.T) {
	t.Parallel()

	samples := constSamples(400, 0.1)
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 400, ClusterID: 0}}
	windows := sampleWindows(samples, turns)
	if len(windows) != maxWindows {
		t.Fatalf("len(windows) = %d, want %d", len(windows), maxWindows)
	}
	for i, w := range windows {
		if got := float64(len(w)) / 16000.0; math.Abs(got-windowMaxS) > 0.01 {
			t.Errorf("window %d length = %v s, want %v", i, got, windowMaxS)
		}
	}
}

func TestSampleWindows_CapsAtTen(t *testing.T) {
	t.Parallel()

	samples := constSamples(100, 0.1)
	turns := []types.DiarizationTurn{
		{StartS: 0, EndS: 50, ClusterID: 0},
		{StartS: 50, EndS: 100, ClusterID: 0},
	}
	windows := sampleWindows(samples, turns)
	if len(windows) != maxWindows {
		t.Errorf("len(windows) = %d, want %d", len(windows), maxWindows)
	}
}

func TestCosineAndSpread(t *testing.T) {
	t.Parallel()

	if got := cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("cosine(identical) = %v, want 1", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("cosine(orthogonal) = %v, want 0", got)
	}
	if got := cosine([]float32{1, 0}, nil); got != 0 {
		t.Errorf("cosine(mismatched) = %v, want 0", got)
	}

	variance, valueRange := spread([]float64{1, 1, 0})
	if valueRange != 1 {
		t.Errorf("range = %v, want 1", valueRange)
	}
	if variance <= overMergeVariance {
		t.Errorf("variance = %v, expected to trip the over-merge signal", variance)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	v := normalize([]float32{3, 4})
	norm := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("norm = %v, want 1", norm)
	}
}

func TestAttributeWords(t *testing.T) {
	t.Parallel()

	turns := []types.DiarizationTurn{
		{StartS: 0, EndS: 10, ClusterID: 0},
		{StartS: 10, EndS: 20, ClusterID: 1},
	}
	segs := []types.SpeakerSegment{
		{StartS: 0, EndS: 10, Label: types.KnownSpeaker("Hollis"), Confidence: 0.9, ClusterID: 0},
		{StartS: 10, EndS: 20, Label: types.Guest(), Confidence: 0.5, ClusterID: 1},
	}
	words := []types.Word{
		{StartS: 1, EndS: 1.5, Text: "hello"},
		{StartS: 9.8, EndS: 10.4, Text: "bridging"}, // overlaps both turns
		{StartS: 12, EndS: 12.5, Text: "guestword"},
		{StartS: 25, EndS: 25.5, Text: "outside"},
	}

	out := AttributeWords(words, turns, segs, speakerIDConfig())
	if !out[0].Speaker.Is("Hollis") || out[0].IsOverlap {
		t.Errorf("word 0 = %+v, want Hollis, no overlap", out[0])
	}
	if !out[1].IsOverlap {
		t.Error("bridging word not flagged is_overlap")
	}
	// 0.9 ≥ 0.62 + 0.03: the known label survives the raised threshold.
	if !out[1].Speaker.Is("Hollis") {
		t.Errorf("word 1 speaker = %s, want Hollis", out[1].Speaker)
	}
	if !out[2].Speaker.IsGuest() {
		t.Errorf("word 2 speaker = %s, want GUEST", out[2].Speaker)
	}
	if !out[3].Speaker.IsUnknown() {
		t.Errorf("word 3 speaker = %s, want UNKNOWN", out[3].Speaker)
	}
}

func TestAttributeWords_OverlapBonusDemotes(t *testing.T) {
	t.Parallel()

	turns := []types.DiarizationTurn{
		{StartS: 0, EndS: 10, ClusterID: 0},
		{StartS: 10, EndS: 20, ClusterID: 1},
	}
	// Confidence sits between the base threshold and threshold+bonus.
	segs := []types.SpeakerSegment{
		{StartS: 0, EndS: 10, Label: types.KnownSpeaker("Hollis"), Confidence: 0.63, ClusterID: 0},
		{StartS: 10, EndS: 20, Label: types.Guest(), Confidence: 0.5, ClusterID: 1},
	}
	words := []types.Word{{StartS: 9.8, EndS: 10.4, Text: "bridging"}}

	out := AttributeWords(words, turns, segs, speakerIDConfig())
	if !out[0].IsOverlap {
		t.Fatal("word not flagged is_overlap")
	}
	if !out[0].Speaker.IsUnknown() {
		t.Errorf("speaker = %s, want UNKNOWN (0.63 < 0.62+0.03)", out[0].Speaker)
	}
}
