package pipeline

import (
	"sync"

	"earshot/pkg/types"
)

// Stats is the aggregate outcome of one ingestion run.
type Stats struct {
	// Total is the number of videos handed to the worker pools after
	// pre-filtering and skip selection.
	Total int

	// Processed videos committed segments to the database.
	Processed int

	// Skipped covers already-persisted videos, pre-filter drops, intra-run
	// duplicates and cancellation leftovers.
	Skipped int

	// Errored counts terminal failures whose class counts as an error.
	Errored int

	// NoAudio counts NO_AUDIO outcomes, tracked apart from errors.
	NoAudio int

	// Duplicates counts intra-run content-fingerprint matches.
	Duplicates int

	// FailuresByClass breaks down every terminal failure, including the
	// classes that do not count as errors.
	FailuresByClass map[types.FailureClass]int

	// AudioSeconds is the summed duration of successfully transcribed audio.
	AudioSeconds float64

	// ASRSeconds is the summed wall time spent inside the ASR engine.
	ASRSeconds float64

	// WallSeconds is the wall time of the whole run.
	WallSeconds float64

	SegmentsPersisted   int
	EmbeddingsPersisted int

	// TranscriptionMethods counts processed videos per routed decode method
	// ("fast-short", "interview", ..., with a "+refined" suffix when the
	// second pass rewrote at least one span).
	TranscriptionMethods map[string]int

	// SegmentsKnown / SegmentsGuest / SegmentsUnknown break down the emitted
	// retrieval units by speaker class, before the known-only storage policy.
	SegmentsKnown   int
	SegmentsGuest   int
	SegmentsUnknown int

	// AudioQueuePeak / ASRQueuePeak are the highest observed fill levels of
	// the bounded stage queues.
	AudioQueuePeak int
	ASRQueuePeak   int
}

// HoursPerHour returns hours of audio ingested per wall-clock hour.
func (s Stats) HoursPerHour() float64 {
	if s.WallSeconds <= 0 {
		return 0
	}
	return s.AudioSeconds / s.WallSeconds
}

// ProjectedDays estimates the wall-clock days needed to ingest libraryHours of
// audio at this run's observed throughput.
func (s Stats) ProjectedDays(libraryHours float64) float64 {
	hph := s.HoursPerHour()
	if hph <= 0 {
		return 0
	}
	return libraryHours / hph / 24
}

// KnownSpeakerPct returns the share of emitted segments attributed to the
// known speaker, in percent. A pure monologue of the known speaker reads 100.
func (s Stats) KnownSpeakerPct() float64 {
	total := s.SegmentsKnown + s.SegmentsGuest + s.SegmentsUnknown
	if total == 0 {
		return 0
	}
	return 100 * float64(s.SegmentsKnown) / float64(total)
}

// tracker guards Stats against concurrent worker updates.
type tracker struct {
	mu sync.Mutex
	s  Stats
}

func newTracker() *tracker {
	return &tracker{s: Stats{
		FailuresByClass:      make(map[types.FailureClass]int),
		TranscriptionMethods: make(map[string]int),
	}}
}

func (t *tracker) update(fn func(*Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.s)
}

// recordFailure books a terminal failure under its class and bumps the right
// top-level counter.
func (t *tracker) recordFailure(class types.FailureClass) {
	t.update(func(s *Stats) {
		s.FailuresByClass[class]++
		if class.CountsAsError() {
			s.Errored++
		} else {
			s.NoAudio++
		}
	})
}

func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.s
	out.FailuresByClass = make(map[types.FailureClass]int, len(t.s.FailuresByClass))
	for k, v := range t.s.FailuresByClass {
		out.FailuresByClass[k] = v
	}
	out.TranscriptionMethods = make(map[string]int, len(t.s.TranscriptionMethods))
	for k, v := range t.s.TranscriptionMethods {
		out.TranscriptionMethods[k] = v
	}
	return out
}
