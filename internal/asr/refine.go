package asr

import "earshot/pkg/types"

// refineMaxGapS merges adjacent flagged segments into one span when the
// silence between them is at most this long.
const refineMaxGapS = 2.0

// span is a contiguous run of flagged segments slated for re-transcription.
type span struct {
	first, last  int // segment indexes, inclusive
	startS, endS float64
}

// refinementSpans groups flagged segments into spans. Consecutive flagged
// segments merge into one span when the gap between them is within maxGapS.
func refinementSpans(segs []types.TranscriptSegment, maxGapS float64) []span {
	var spans []span
	cur := -1
	for i, s := range segs {
		if !s.NeedsRefinement {
			continue
		}
		if cur >= 0 {
			prev := &spans[cur]
			if segs[prev.last].EndS+maxGapS >= s.StartS && prev.last == i-1 {
				prev.last = i
				prev.endS = s.EndS
				continue
			}
		}
		spans = append(spans, span{first: i, last: i, startS: s.StartS, endS: s.EndS})
		cur = len(spans) - 1
	}
	return spans
}

// applyRefinement replaces a span's text with the refined transcription. The
// first segment of the span absorbs the text and the span's full time range;
// the rest are blanked and reported as merged. Every touched segment is
// marked re_asr.
func applyRefinement(segs []types.TranscriptSegment, sp span, refinedText string) (merged int) {
	first := &segs[sp.first]
	first.Text = refinedText
	first.EndS = segs[sp.last].EndS
	first.ReASR = true
	first.NeedsRefinement = false

	for i := sp.first + 1; i <= sp.last; i++ {
		segs[i].Text = ""
		segs[i].ReASR = true
		segs[i].NeedsRefinement = false
		merged++
	}
	return merged
}

// dropBlankSegments removes segments whose text was absorbed into a span
// head, preserving order.
func dropBlankSegments(segs []types.TranscriptSegment) []types.TranscriptSegment {
	out := segs[:0]
	for _, s := range segs {
		if s.Text != "" {
			out = append(out, s)
		}
	}
	return out
}
