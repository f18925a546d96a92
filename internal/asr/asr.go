// Package asr wraps the whisper.cpp CGO bindings into a two-stage batch
// transcription engine. Stage 1 transcribes the whole file with a routed
// preset; stage 2 optionally re-transcribes low-quality spans with a stronger
// model. The whisper.cpp static library (libwhisper.a) and headers must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package asr

import (
	"context"

	"earshot/pkg/types"
)

// Result is the output of one transcription run.
type Result struct {
	Segments []types.TranscriptSegment
	// Words carries every word with timestamps and confidence, in segment
	// order. Speaker attribution happens later.
	Words []types.Word
	// Method names the routed preset this file was decoded with, suffixed
	// "+refined" when the second pass rewrote at least one span. Feeds the
	// per-method counters in the run summary.
	Method          string
	Language        string
	AudioDurationS  float64
	ProcessingTimeS float64
}

// RealTimeFactor returns processing time divided by audio duration. Values
// below 1.0 mean faster than real time.
func (r *Result) RealTimeFactor() float64 {
	if r.AudioDurationS <= 0 {
		return 0
	}
	return r.ProcessingTimeS / r.AudioDurationS
}

// Hints carries per-video routing information from the orchestrator.
type Hints struct {
	// IsInterview selects the interview preset regardless of duration.
	// Derived upstream from title/tag heuristics.
	IsInterview bool
}

// Transcriber is the engine contract the pipeline consumes. The production
// implementation is Engine; tests substitute fakes.
type Transcriber interface {
	Transcribe(ctx context.Context, art *types.AudioArtifact, hints Hints) (*Result, error)
}
