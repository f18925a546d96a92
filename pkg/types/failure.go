package types

// FailureClass classifies a terminal per-video failure. Each class increments
// a distinct stats counter; none of them aborts the run.
type FailureClass string

const (
	// FailUnavailable means the video is private, deleted, or region-blocked.
	FailUnavailable FailureClass = "UNAVAILABLE"

	// FailMembersOnly means the video requires a channel membership.
	FailMembersOnly FailureClass = "MEMBERS_ONLY"

	// FailRateLimited means the extractor was throttled by the origin.
	FailRateLimited FailureClass = "RATE_LIMITED"

	// FailNoAudio means the download succeeded but the result carries no
	// audio stream. Tracked separately from errors.
	FailNoAudio FailureClass = "NO_AUDIO"

	// FailDownload covers all other download or demux failures.
	FailDownload FailureClass = "DOWNLOAD_FAILED"

	// FailASR means stage-1 transcription failed.
	FailASR FailureClass = "ASR_FAILED"

	// FailPersist means the per-video persistence transaction failed.
	// Partial rows are left behind; reruns are idempotent.
	FailPersist FailureClass = "PERSIST_FAILED"
)

// IsValid reports whether c is a recognised failure class.
func (c FailureClass) IsValid() bool {
	switch c {
	case FailUnavailable, FailMembersOnly, FailRateLimited,
		FailNoAudio, FailDownload, FailASR, FailPersist:
		return true
	}
	return false
}

// CountsAsError reports whether the class increments the generic error
// counter. NO_AUDIO is counted on its own and skips are not failures at all.
func (c FailureClass) CountsAsError() bool {
	return c != FailNoAudio
}
