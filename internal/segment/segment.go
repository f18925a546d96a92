// Package segment builds persistable transcript segments from raw ASR output
// and diarization turns: it splits ASR segments at speaker boundaries using
// word timestamps, assigns speaker labels by dominant overlap, and regroups
// consecutive same-speaker text into retrieval-sized units.
package segment

import (
	"sort"
	"strings"

	"earshot/pkg/types"
)

// Target sizes for retrieval units, in characters. Soft targets: a unit
// closes at the first sentence boundary past GroupMinChars and is force-cut
// at GroupMaxChars.
const (
	GroupMinChars = 1100
	GroupMaxChars = 1400
)

// Build runs the full segment pipeline: boundary split, speaker assignment,
// retrieval grouping, blank removal. Output segments carry no embedding.
//
// Speaker assignment prefers the word-level attribution: when a piece's words
// vote a different label than the dominant turn-level speaker, the word
// majority wins, since it already carries the overlap demotion. A piece
// without attributed words falls back to the turn-level dominant speaker.
func Build(asrSegs []types.TranscriptSegment, words []types.Word, turns []types.DiarizationTurn, speakers []types.SpeakerSegment) []types.TranscriptSegment {
	split := splitAtBoundaries(asrSegs, words, turns)
	for i := range split {
		label, conf := dominantSpeaker(split[i], speakers)
		segWords := wordsIn(words, split[i].StartS, split[i].EndS)
		if len(segWords) > 0 {
			if wl := MajorityLabel(segWords); wl.String() != label.String() {
				label = wl
				conf = labelConfidence(split[i], wl, speakers)
			}
		}
		split[i].Speaker = label
		split[i].SpeakerConfidence = conf
		split[i].IsOverlap = overlapMajority(segWords)
	}
	grouped := groupForRetrieval(split)

	out := grouped[:0]
	for _, s := range grouped {
		if strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitAtBoundaries cuts every ASR segment that strictly contains a
// diarization split-point. Words whose start falls in [p_i, p_{i+1}) form the
// piece for that interval; quality metrics are inherited from the original.
func splitAtBoundaries(segs []types.TranscriptSegment, words []types.Word, turns []types.DiarizationTurn) []types.TranscriptSegment {
	points := splitPoints(turns)

	var out []types.TranscriptSegment
	for _, seg := range segs {
		interior := interiorPoints(points, seg.StartS, seg.EndS)
		if len(interior) == 0 {
			out = append(out, seg)
			continue
		}

		segWords := wordsIn(words, seg.StartS, seg.EndS)
		if len(segWords) == 0 {
			// No word timestamps to cut with: keep the segment whole.
			out = append(out, seg)
			continue
		}

		bounds := append([]float64{seg.StartS}, interior...)
		bounds = append(bounds, seg.EndS)
		for i := 0; i+1 < len(bounds); i++ {
			lo, hi := bounds[i], bounds[i+1]
			var (
				texts      []string
				pieceStart = lo
				pieceEnd   = hi
				first      = true
			)
			for _, w := range segWords {
				if w.StartS < lo || w.StartS >= hi {
					continue
				}
				if first {
					pieceStart = w.StartS
					first = false
				}
				pieceEnd = w.EndS
				texts = append(texts, w.Text)
			}
			if len(texts) == 0 {
				continue
			}
			piece := seg
			piece.StartS = pieceStart
			piece.EndS = pieceEnd
			piece.Text = strings.Join(texts, " ")
			out = append(out, piece)
		}
	}
	return out
}

// splitPoints collects 0.0 plus every turn boundary, sorted and deduplicated.
func splitPoints(turns []types.DiarizationTurn) []float64 {
	seen := map[float64]struct{}{0.0: {}}
	for _, t := range turns {
		seen[t.StartS] = struct{}{}
		seen[t.EndS] = struct{}{}
	}
	points := make([]float64, 0, len(seen))
	for p := range seen {
		points = append(points, p)
	}
	sort.Float64s(points)
	return points
}

// interiorPoints returns the split-points strictly inside (startS, endS).
func interiorPoints(points []float64, startS, endS float64) []float64 {
	var out []float64
	for _, p := range points {
		if p > startS && p < endS {
			out = append(out, p)
		}
	}
	return out
}

func wordsIn(words []types.Word, startS, endS float64) []types.Word {
	var out []types.Word
	for _, w := range words {
		if w.StartS >= startS && w.StartS < endS {
			out = append(out, w)
		}
	}
	return out
}

// dominantSpeaker picks the speaker segment with the largest overlap.
func dominantSpeaker(seg types.TranscriptSegment, speakers []types.SpeakerSegment) (types.SpeakerLabel, float64) {
	best := -1
	bestOverlap := 0.0
	for i, sp := range speakers {
		ov := overlap(seg.StartS, seg.EndS, sp.StartS, sp.EndS)
		if ov > bestOverlap {
			bestOverlap = ov
			best = i
		}
	}
	if best < 0 {
		return types.Unknown(), 0
	}
	return speakers[best].Label, speakers[best].Confidence
}

// labelConfidence returns the best identification confidence among speaker
// segments overlapping seg that carry the given label, or 0 when none does.
// Used when the word majority overrides the dominant turn-level speaker.
func labelConfidence(seg types.TranscriptSegment, label types.SpeakerLabel, speakers []types.SpeakerSegment) float64 {
	best := 0.0
	for _, sp := range speakers {
		if sp.Label.String() != label.String() {
			continue
		}
		if overlap(seg.StartS, seg.EndS, sp.StartS, sp.EndS) > 0 && sp.Confidence > best {
			best = sp.Confidence
		}
	}
	return best
}

// overlapMajority reports whether more than half of the words were flagged as
// overlapping speech. Drives the is_overlap column on the persisted segment.
func overlapMajority(words []types.Word) bool {
	if len(words) == 0 {
		return false
	}
	n := 0
	for _, w := range words {
		if w.IsOverlap {
			n++
		}
	}
	return n*2 > len(words)
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	return end - start
}

// groupForRetrieval merges consecutive same-speaker segments into units of
// roughly GroupMinChars–GroupMaxChars characters, closing on sentence
// boundaries where possible and never across a speaker change. A short
// trailing fragment merges into the previous unit of the same speaker.
func groupForRetrieval(segs []types.TranscriptSegment) []types.TranscriptSegment {
	var out []types.TranscriptSegment
	var cur *types.TranscriptSegment

	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, seg := range segs {
		if cur == nil {
			c := seg
			cur = &c
			continue
		}
		if cur.Speaker.String() != seg.Speaker.String() {
			flush()
			c := seg
			cur = &c
			continue
		}

		merged := len(cur.Text) + 1 + len(seg.Text)
		switch {
		case merged > GroupMaxChars:
			flush()
			c := seg
			cur = &c
		case len(cur.Text) >= GroupMinChars && endsSentence(cur.Text):
			flush()
			c := seg
			cur = &c
		default:
			appendSegment(cur, seg)
		}
	}
	flush()
	return mergeTrailingFragment(out)
}

// appendSegment folds src into dst, keeping the worst quality signals so a
// flagged piece is still visible on the merged row.
func appendSegment(dst *types.TranscriptSegment, src types.TranscriptSegment) {
	dst.Text = dst.Text + " " + src.Text
	dst.EndS = src.EndS
	dst.ReASR = dst.ReASR || src.ReASR
	dst.IsOverlap = dst.IsOverlap || src.IsOverlap
	dst.NeedsRefinement = dst.NeedsRefinement || src.NeedsRefinement
	if src.Quality.AvgLogProb < dst.Quality.AvgLogProb {
		dst.Quality.AvgLogProb = src.Quality.AvgLogProb
	}
	if src.Quality.CompressionRatio > dst.Quality.CompressionRatio {
		dst.Quality.CompressionRatio = src.Quality.CompressionRatio
	}
	if src.Quality.NoSpeechProb > dst.Quality.NoSpeechProb {
		dst.Quality.NoSpeechProb = src.Quality.NoSpeechProb
	}
	if src.SpeakerConfidence < dst.SpeakerConfidence {
		dst.SpeakerConfidence = src.SpeakerConfidence
	}
}

// mergeTrailingFragment folds a very short final unit into its predecessor
// when both share a speaker.
func mergeTrailingFragment(units []types.TranscriptSegment) []types.TranscriptSegment {
	const minTailChars = 120
	n := len(units)
	if n < 2 {
		return units
	}
	tail := units[n-1]
	prev := &units[n-2]
	if len(tail.Text) < minTailChars && prev.Speaker.String() == tail.Speaker.String() {
		appendSegment(prev, tail)
		return units[:n-1]
	}
	return units
}

func endsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// MajorityLabel aggregates word-level speakers into one label by majority.
// Unknown words do not vote unless every word is unknown.
func MajorityLabel(words []types.Word) types.SpeakerLabel {
	if len(words) == 0 {
		return types.Unknown()
	}
	counts := make(map[string]int)
	labels := make(map[string]types.SpeakerLabel)
	for _, w := range words {
		if w.Speaker.IsUnknown() {
			continue
		}
		key := w.Speaker.String()
		counts[key]++
		labels[key] = w.Speaker
	}
	bestKey := ""
	bestCount := 0
	for k, c := range counts {
		if c > bestCount {
			bestKey, bestCount = k, c
		}
	}
	if bestKey == "" {
		return types.Unknown()
	}
	return labels[bestKey]
}
