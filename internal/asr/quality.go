package asr

import (
	"bytes"
	"compress/flate"
	"math"

	"earshot/pkg/types"
)

// noSpeechFloor is the RMS level below which a window is considered silent.
const noSpeechFloor = 0.02

// avgLogProb averages ln(p) over token confidences. Empty input yields 0.
func avgLogProb(probs []float32) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range probs {
		if p <= 0 {
			p = 1e-10
		}
		sum += math.Log(float64(p))
	}
	return sum / float64(len(probs))
}

// compressionRatio is raw text length over deflate-compressed length. Highly
// repetitive hallucination loops compress extremely well, pushing the ratio
// past the refinement threshold.
func compressionRatio(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return 0
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}

// noSpeechProb estimates the probability the window holds no speech from its
// signal energy. The CGO bindings do not surface the decoder's internal
// no-speech signal, so a windowed RMS proxy stands in: digital silence maps to
// 1.0, anything at or above noSpeechFloor maps to 0.
func noSpeechProb(samples []float32) float64 {
	if len(samples) == 0 {
		return 1.0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms >= noSpeechFloor {
		return 0
	}
	return 1 - rms/noSpeechFloor
}

// needsRefinement applies the stage-2 flagging thresholds.
func needsRefinement(q types.QualityMetrics, lowLogProb, lowCompression float64) bool {
	return q.AvgLogProb <= lowLogProb ||
		q.CompressionRatio >= lowCompression ||
		q.NoSpeechProb >= 0.8
}

// vadMaxNoSpeech is the no-speech probability at which voice-activity
// pre-filtering discards a decoded segment outright.
const vadMaxNoSpeech = 0.9

// dropNonSpeech removes segments the energy gate considers silence. Whisper
// hallucinates text over silent stretches; with VAD enabled those segments
// never reach the transcript.
func dropNonSpeech(segs []types.TranscriptSegment) []types.TranscriptSegment {
	out := segs[:0]
	for _, s := range segs {
		if s.Quality.NoSpeechProb >= vadMaxNoSpeech {
			continue
		}
		out = append(out, s)
	}
	return out
}
