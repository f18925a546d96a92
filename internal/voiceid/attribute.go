package voiceid

import (
	"earshot/internal/config"
	"earshot/pkg/types"
)

// AttributeWords assigns a speaker label to every word. Each word goes to the
// diarization turn with the largest overlap; words overlapping more than one
// turn are flagged is_overlap and must clear the attribution threshold plus
// the overlap bonus to keep a known-speaker name. Words outside every turn
// are UNKNOWN.
func AttributeWords(words []types.Word, turns []types.DiarizationTurn, segs []types.SpeakerSegment, cfg config.SpeakerIDConfig) []types.Word {
	out := make([]types.Word, len(words))
	for i, w := range words {
		out[i] = w

		best := -1
		bestOverlap := 0.0
		overlapping := 0
		for j, t := range turns {
			ov := overlap(w.StartS, w.EndS, t.StartS, t.EndS)
			if ov <= 0 {
				continue
			}
			overlapping++
			if ov > bestOverlap {
				bestOverlap = ov
				best = j
			}
		}
		if best < 0 {
			out[i].Speaker = types.Unknown()
			continue
		}
		out[i].IsOverlap = overlapping > 1

		seg := segmentAt(segs, turns[best], (w.StartS+w.EndS)/2)
		if seg == nil {
			out[i].Speaker = types.Unknown()
			continue
		}
		label := seg.Label
		if out[i].IsOverlap && label.IsKnown() {
			threshold := cfg.GuestMinSim
			if label.Is(cfg.KnownName) {
				threshold = cfg.KnownMinSim
			}
			if seg.Confidence < threshold+cfg.OverlapBonus {
				label = types.Unknown()
			}
		}
		out[i].Speaker = label
	}
	return out
}

// segmentAt finds the speaker segment covering the given time point inside
// the chosen turn, falling back to the first segment overlapping the turn.
func segmentAt(segs []types.SpeakerSegment, turn types.DiarizationTurn, atS float64) *types.SpeakerSegment {
	var fallback *types.SpeakerSegment
	for i := range segs {
		s := &segs[i]
		if overlap(s.StartS, s.EndS, turn.StartS, turn.EndS) <= 0 {
			continue
		}
		if fallback == nil {
			fallback = s
		}
		if atS >= s.StartS && atS < s.EndS {
			return s
		}
	}
	return fallback
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
