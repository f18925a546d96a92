package segment

import (
	"strings"
	"testing"

	"earshot/pkg/types"
)

func TestSplitAtBoundaries(t *testing.T) {
	t.Parallel()

	// One ASR segment [0,10] straddling a speaker change at 6.0.
	segs := []types.TranscriptSegment{{
		StartS: 0, EndS: 10, Text: "hello there general kenobi",
		Quality: types.QualityMetrics{AvgLogProb: -0.2},
	}}
	words := []types.Word{
		{StartS: 0.5, EndS: 1.0, Text: "hello"},
		{StartS: 1.2, EndS: 1.8, Text: "there"},
		{StartS: 6.1, EndS: 6.8, Text: "general"},
		{StartS: 7.0, EndS: 7.6, Text: "kenobi"},
	}
	turns := []types.DiarizationTurn{
		{StartS: 0, EndS: 6, ClusterID: 0},
		{StartS: 6, EndS: 10, ClusterID: 1},
	}

	out := splitAtBoundaries(segs, words, turns)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2: %+v", len(out), out)
	}
	if out[0].Text != "hello there" || out[1].Text != "general kenobi" {
		t.Errorf("texts = %q / %q", out[0].Text, out[1].Text)
	}
	if out[0].StartS != 0.5 || out[0].EndS != 1.8 {
		t.Errorf("piece 0 timing = [%v,%v], want word-derived [0.5,1.8]", out[0].StartS, out[0].EndS)
	}
	// Quality metrics inherited.
	if out[1].Quality.AvgLogProb != -0.2 {
		t.Errorf("quality not inherited: %+v", out[1].Quality)
	}
}

func TestSplitAtBoundaries_NoInteriorPoint(t *testing.T) {
	t.Parallel()

	segs := []types.TranscriptSegment{{StartS: 2, EndS: 5, Text: "unchanged"}}
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 10, ClusterID: 0}}
	out := splitAtBoundaries(segs, nil, turns)
	if len(out) != 1 || out[0].Text != "unchanged" {
		t.Errorf("out = %+v, want the untouched segment", out)
	}
}

func TestDominantSpeaker(t *testing.T) {
	t.Parallel()

	speakers := []types.SpeakerSegment{
		{StartS: 0, EndS: 4, Label: types.KnownSpeaker("Hollis"), Confidence: 0.8},
		{StartS: 4, EndS: 10, Label: types.Guest(), Confidence: 0.6},
	}
	// [3,9] overlaps Hollis by 1 s and the guest by 5 s.
	label, conf := dominantSpeaker(types.TranscriptSegment{StartS: 3, EndS: 9}, speakers)
	if !label.IsGuest() || conf != 0.6 {
		t.Errorf("label = %s/%v, want GUEST/0.6", label, conf)
	}

	label, _ = dominantSpeaker(types.TranscriptSegment{StartS: 20, EndS: 25}, speakers)
	if !label.IsUnknown() {
		t.Errorf("label = %s, want UNKNOWN with no overlap", label)
	}
}

func mkSeg(startS, endS float64, speaker types.SpeakerLabel, text string) types.TranscriptSegment {
	return types.TranscriptSegment{StartS: startS, EndS: endS, Speaker: speaker, Text: text}
}

func TestGroupForRetrieval_NeverCrossesSpeaker(t *testing.T) {
	t.Parallel()

	hollis := types.KnownSpeaker("Hollis")
	segs := []types.TranscriptSegment{
		mkSeg(0, 10, hollis, strings.Repeat("alpha ", 30)),
		mkSeg(10, 20, hollis, strings.Repeat("bravo ", 30)),
		mkSeg(20, 30, types.Guest(), strings.Repeat("carol ", 30)),
		mkSeg(30, 40, types.Guest(), strings.Repeat("delta ", 30)),
	}
	out := groupForRetrieval(segs)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 speaker-homogeneous units: %+v", len(out), out)
	}
	if !out[0].Speaker.Is("Hollis") || !out[1].Speaker.IsGuest() {
		t.Errorf("speakers = %s / %s", out[0].Speaker, out[1].Speaker)
	}
	if out[0].EndS != 20 {
		t.Errorf("unit 0 end = %v, want 20", out[0].EndS)
	}
}

func TestGroupForRetrieval_TargetSize(t *testing.T) {
	t.Parallel()

	hollis := types.KnownSpeaker("Hollis")
	// 20 segments of ~180 chars each, ending with sentence punctuation.
	var segs []types.TranscriptSegment
	sentence := strings.Repeat("word ", 35) + "done."
	for i := 0; i < 20; i++ {
		segs = append(segs, mkSeg(float64(i*10), float64(i*10+10), hollis, sentence))
	}
	out := groupForRetrieval(segs)
	if len(out) < 2 {
		t.Fatalf("expected multiple units, got %d", len(out))
	}
	for i, u := range out {
		if len(u.Text) > GroupMaxChars {
			t.Errorf("unit %d has %d chars, exceeds max %d", i, len(u.Text), GroupMaxChars)
		}
	}
}

func TestGroupForRetrieval_MergesTrailingFragment(t *testing.T) {
	t.Parallel()

	hollis := types.KnownSpeaker("Hollis")
	segs := []types.TranscriptSegment{
		mkSeg(0, 10, hollis, strings.Repeat("main content here. ", 70)), // > max, own unit
		mkSeg(10, 11, hollis, "tiny tail"),
	}
	out := groupForRetrieval(segs)
	last := out[len(out)-1]
	if strings.HasSuffix(last.Text, "tiny tail") && len(last.Text) < 120 {
		t.Errorf("trailing fragment kept as its own unit: %q", last.Text)
	}
}

func TestBuild_DropsBlankUnits(t *testing.T) {
	t.Parallel()

	segs := []types.TranscriptSegment{
		{StartS: 0, EndS: 5, Text: "   "},
		{StartS: 5, EndS: 10, Text: "real content"},
	}
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 10, ClusterID: 0}}
	speakers := []types.SpeakerSegment{{StartS: 0, EndS: 10, Label: types.KnownSpeaker("Hollis"), Confidence: 0.9}}

	out := Build(segs, nil, turns, speakers)
	for _, s := range out {
		if strings.TrimSpace(s.Text) == "" {
			t.Errorf("blank unit survived: %+v", s)
		}
	}
	if len(out) == 0 {
		t.Fatal("real content dropped")
	}
	if !out[0].Speaker.Is("Hollis") || out[0].SpeakerConfidence != 0.9 {
		t.Errorf("speaker assignment missing: %+v", out[0])
	}
}

func TestBuild_WordMajorityOverridesDominantSpeaker(t *testing.T) {
	t.Parallel()

	// The turn-level identification says Hollis, but every word in the piece
	// was attributed to the guest during overlap resolution. The word vote
	// must win and carry the guest's confidence.
	segs := []types.TranscriptSegment{{StartS: 0, EndS: 3, Text: "no you go ahead"}}
	words := []types.Word{
		{StartS: 0.2, EndS: 0.6, Text: "no", Speaker: types.Guest(), IsOverlap: true},
		{StartS: 0.7, EndS: 1.1, Text: "you", Speaker: types.Guest(), IsOverlap: true},
		{StartS: 1.2, EndS: 1.6, Text: "go", Speaker: types.Guest(), IsOverlap: true},
		{StartS: 1.7, EndS: 2.1, Text: "ahead", Speaker: types.Guest()},
	}
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 3, ClusterID: 0}}
	speakers := []types.SpeakerSegment{
		{StartS: 0, EndS: 3, Label: types.KnownSpeaker("Hollis"), Confidence: 0.9},
		{StartS: 0, EndS: 3, Label: types.Guest(), Confidence: 0.7, ClusterID: 1},
	}

	out := Build(segs, words, turns, speakers)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1: %+v", len(out), out)
	}
	if !out[0].Speaker.IsGuest() {
		t.Errorf("speaker = %s, want GUEST from word majority", out[0].Speaker)
	}
	if out[0].SpeakerConfidence != 0.7 {
		t.Errorf("confidence = %v, want the guest's 0.7", out[0].SpeakerConfidence)
	}
	if !out[0].IsOverlap {
		t.Error("IsOverlap = false, want true with 3 of 4 words overlapping")
	}
}

func TestBuild_OverlapMinorityStaysClean(t *testing.T) {
	t.Parallel()

	hollis := types.KnownSpeaker("Hollis")
	segs := []types.TranscriptSegment{{StartS: 0, EndS: 3, Text: "the soil holds water"}}
	words := []types.Word{
		{StartS: 0.2, EndS: 0.6, Text: "the", Speaker: hollis, IsOverlap: true},
		{StartS: 0.7, EndS: 1.1, Text: "soil", Speaker: hollis},
		{StartS: 1.2, EndS: 1.6, Text: "holds", Speaker: hollis},
		{StartS: 1.7, EndS: 2.1, Text: "water", Speaker: hollis},
	}
	turns := []types.DiarizationTurn{{StartS: 0, EndS: 3, ClusterID: 0}}
	speakers := []types.SpeakerSegment{{StartS: 0, EndS: 3, Label: hollis, Confidence: 0.9}}

	out := Build(segs, words, turns, speakers)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].IsOverlap {
		t.Error("IsOverlap = true with only 1 of 4 words overlapping")
	}
	if !out[0].Speaker.Is("Hollis") || out[0].SpeakerConfidence != 0.9 {
		t.Errorf("speaker = %s/%v, want Hollis/0.9", out[0].Speaker, out[0].SpeakerConfidence)
	}
}

func TestOverlapMajority(t *testing.T) {
	t.Parallel()

	if overlapMajority(nil) {
		t.Error("overlapMajority(nil) = true")
	}
	half := []types.Word{{IsOverlap: true}, {IsOverlap: false}}
	if overlapMajority(half) {
		t.Error("an even split must not count as majority")
	}
	most := []types.Word{{IsOverlap: true}, {IsOverlap: true}, {IsOverlap: false}}
	if !overlapMajority(most) {
		t.Error("2 of 3 overlapping words must count as majority")
	}
}

func TestMajorityLabel(t *testing.T) {
	t.Parallel()

	hollis := types.KnownSpeaker("Hollis")
	words := []types.Word{
		{Text: "a", Speaker: hollis},
		{Text: "b", Speaker: hollis},
		{Text: "c", Speaker: types.Guest()},
		{Text: "d", Speaker: types.Unknown()},
	}
	if got := MajorityLabel(words); !got.Is("Hollis") {
		t.Errorf("MajorityLabel = %s, want Hollis", got)
	}
	if got := MajorityLabel(nil); !got.IsUnknown() {
		t.Errorf("MajorityLabel(nil) = %s, want UNKNOWN", got)
	}
	allUnknown := []types.Word{{Text: "x", Speaker: types.Unknown()}}
	if got := MajorityLabel(allUnknown); !got.IsUnknown() {
		t.Errorf("all-unknown = %s, want UNKNOWN", got)
	}
}
