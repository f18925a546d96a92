// Package types defines the shared data model used across all earshot packages.
//
// These types form the lingua franca between the audio acquirer, the ASR and
// diarization engines, speaker identification, the segment builder, and the
// persistence layer. They are intentionally minimal — each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"strings"
	"time"
)

// VideoDescriptor identifies a single source video queued for ingestion.
// It is immutable input: the orchestrator owns it for the duration of a run
// and never mutates it.
type VideoDescriptor struct {
	// ID is the opaque external identifier (e.g., a YouTube video id).
	// At most 32 characters.
	ID string

	// Title is the human-readable video title.
	Title string

	// PublishedAt is the publish time when known. Nil when the lister could
	// not determine it.
	PublishedAt *time.Time

	// DurationS is the container duration in seconds when known, else 0.
	DurationS float64

	// Channel is the source channel or uploader name, when known.
	Channel string

	// ViewCount is the view counter at listing time, when known.
	ViewCount int64

	// Tags holds free-form source tags, when known.
	Tags []string

	// LocalPath is the on-disk media path for local sources. Empty for
	// remote videos.
	LocalPath string
}

// AudioArtifact is a validated 16 kHz mono PCM WAV on local disk, produced by
// the acquirer and consumed by the ASR, diarization, and speaker ID stages.
// Exactly one in-flight video owns an artifact; the DB worker deletes the file
// on every terminal path.
type AudioArtifact struct {
	// Path is the local filesystem path of the WAV file.
	Path string

	// Codec is always "pcm_s16le".
	Codec string

	// SampleRate is always 16000.
	SampleRate int

	// Channels is always 1.
	Channels int

	// DurationS is the audio duration in seconds as reported by ffprobe.
	DurationS float64

	// Fingerprint is the intra-run content hash used for duplicate detection.
	// It is a cheap dedup key, not a cryptographic commitment.
	Fingerprint string
}

// Word is a single word with timestamps, as emitted by the ASR engine.
// StartS <= EndS and Text is non-empty after trimming.
type Word struct {
	StartS float64
	EndS   float64
	Text   string

	// Confidence is the token probability in [0, 1]. Zero when unknown.
	Confidence float64

	// Speaker is the diarization-derived attribution for this word.
	Speaker SpeakerLabel

	// IsOverlap is true when the word's span overlaps more than one
	// diarization turn.
	IsOverlap bool
}

// DiarizationTurn is one "who spoke when" region. Turns produced in exclusive
// mode never overlap: for any A, B with A.StartS <= B.StartS, A.EndS <= B.StartS.
type DiarizationTurn struct {
	StartS    float64
	EndS      float64
	ClusterID int
}

// Duration returns the turn length in seconds.
func (t DiarizationTurn) Duration() float64 { return t.EndS - t.StartS }

// SpeakerSegment is a speaker-attributed span produced by speaker
// identification. Timing is preserved from the diarization turns it covers.
type SpeakerSegment struct {
	StartS float64
	EndS   float64

	Label SpeakerLabel

	// Confidence is the raw similarity that justified the label, 0 for Unknown.
	Confidence float64

	// Margin is the gap between the best and second-best profile similarity.
	Margin float64

	ClusterID int

	// Embedding is the mean voice embedding of the cluster windows, when one
	// was computed. Nil for short or failed clusters.
	Embedding []float32
}

// Duration returns the segment length in seconds.
func (s SpeakerSegment) Duration() float64 { return s.EndS - s.StartS }

// QualityMetrics carries the three scalar ASR quality signals per segment.
type QualityMetrics struct {
	// AvgLogProb is the average token log-probability. More negative is worse.
	AvgLogProb float64

	// CompressionRatio is len(text)/len(deflate(text)). High values indicate
	// repetitive hallucinated output.
	CompressionRatio float64

	// NoSpeechProb is the model's probability that the segment contains no
	// speech.
	NoSpeechProb float64
}

/// TranscriptSegment is the persisted unit of transcript: text, timing, speaker
// attribution, and quality metadata. Embedding stays nil until the embedding
// batcher fills it (or deliberately leaves it nil under a known-speaker-only
// embedding policy).
type TranscriptSegment struct {
	StartS float64
	EndS   float64
	Text   string

	Speaker           SpeakerLabel
	SpeakerConfidence float64

	Quality QualityMetrics

	// ReASR is true when the text was produced or touched by the stage-2
	// refinement pass.
	ReASR bool

	// IsOverlap is true when a majority of the segment's words overlapped
	// multiple diarization turns.
	IsOverlap bool

	// NeedsRefinement records that the segment was flagged by the quality
	// thresholds, whether or not refinement succeeded.
	NeedsRefinement bool

	Embedding []float32
}

// Duration returns the segment length in seconds.
func (s TranscriptSegment) Duration() float64 { return s.EndS - s.StartS }

/// VoiceProfile is an enrolled speaker: a centroid voice embedding plus the
// similarity threshold required to attribute audio to this speaker. Profiles
// are loaded once per process and never mutated by ingestion.
type VoiceProfile struct {
	// Name is the canonical speaker name.
	Name string `json:"name"`

	// Centroid is the mean voice embedding of the enrolled samples.
	Centroid []float32 `json:"centroid"`

	// Threshold is the minimum cosine similarity for attribution, in [0, 1].
	Threshold float64 `json:"threshold"`

	// Aliases lists alternative spellings that map to Name
	// (e.g., "CH", "CHAFFEE" for "Chaffee").
	Aliases []string `json:"aliases,omitempty"`

	// DuplicateOf names the canonical profile when this centroid is a backup
	// enrollment of an already-known speaker. Matching a duplicate accepts the
	// canonical name without a margin check.
	DuplicateOf string `json:"duplicate_of,omitempty"`

	// Metadata holds free-form enrollment provenance.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Matches reports whether raw (after trimming and case folding) names this
// profile, either by canonical name or by alias.
func (p *VoiceProfile) Matches(raw string) bool {
	norm := strings.ToLower(strings.TrimSpace(raw))
	if norm == "" {
		return false
	}
	if strings.ToLower(p.Name) == norm {
		return true
	}
	for _, a := range p.Aliases {
		if strings.ToLower(a) == norm {
			return true
		}
	}
	return false
}
