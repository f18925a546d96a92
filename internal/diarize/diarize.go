// Package diarize segments audio into speaker turns using the sherpa-onnx
// offline diarization stack (pyannote segmentation + speaker-embedding
// clustering). Turns are emitted in exclusive mode: the output never
// overlaps, which the downstream word attribution relies on.
package diarize

import (
	"context"
	"sort"
	"strings"

	"earshot/pkg/types"
)

// Hints carries optional speaker-count bounds into a diarization call.
type Hints struct {
	MinSpeakers int
	MaxSpeakers int
}

// Diarizer is the engine contract the pipeline consumes.
type Diarizer interface {
	Diarize(ctx context.Context, art *types.AudioArtifact, hints Hints) ([]types.DiarizationTurn, error)
}

// resolveExclusive sorts turns by start and clips each turn's end to the next
// turn's start, so that for any two turns A, B with A.start ≤ B.start it holds
// that A.end ≤ B.start. Turns emptied by clipping are dropped.
func resolveExclusive(turns []types.DiarizationTurn) []types.DiarizationTurn {
	if len(turns) < 2 {
		return turns
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].StartS < turns[j].StartS })
	out := turns[:0]
	for i := range turns {
		t := turns[i]
		if i+1 < len(turns) && t.EndS > turns[i+1].StartS {
			t.EndS = turns[i+1].StartS
		}
		if t.EndS > t.StartS {
			out = append(out, t)
		}
	}
	return out
}

// singleTurnFallback covers the whole file with one cluster-0 turn. Used when
// the engine fails; a monologue-shaped result keeps the rest of the pipeline
// functional.
func singleTurnFallback(durationS float64) []types.DiarizationTurn {
	return []types.DiarizationTurn{{StartS: 0, EndS: durationS, ClusterID: 0}}
}

// Affirmation tokens that mark back-channel responses in a conversation.
var affirmations = map[string]struct{}{
	"yeah": {}, "yep": {}, "right": {}, "okay": {}, "ok": {},
	"exactly": {}, "mm-hmm": {}, "uh-huh": {}, "sure": {}, "absolutely": {},
}

// ConversationalMarkers reports whether the first windowS seconds of the
// transcript look like a two-way conversation: frequent questions, frequent
// second-person address, or many affirmation tokens. The orchestrator uses a
// positive result to pin min_speakers = max_speakers = 2.
func ConversationalMarkers(words []types.Word, windowS float64) bool {
	var questions, secondPerson, backChannel, total int
	for _, w := range words {
		if w.StartS > windowS {
			break
		}
		total++
		lower := strings.ToLower(strings.Trim(w.Text, ".,!?;:\""))
		if strings.HasSuffix(w.Text, "?") {
			questions++
		}
		switch lower {
		case "you", "your", "yours":
			secondPerson++
		}
		if _, ok := affirmations[lower]; ok {
			backChannel++
		}
	}
	if total < 20 {
		return false
	}
	return questions >= 3 ||
		float64(secondPerson)/float64(total) > 0.03 ||
		backChannel >= 5
}
