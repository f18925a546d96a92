package acquire

import (
	"errors"
	"fmt"
	"strings"

	"earshot/pkg/types"
)

// TerminalError marks a video as unprocessable for this run. Every pipeline
// stage wraps its fatal failures in one; the class feeds the per-class
// counters in the run stats, with NO_AUDIO counted apart from the error
// classes.
type TerminalError struct {
	Class   types.FailureClass
	VideoID string
	Detail  string
	Err     error
}

func (e *TerminalError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.VideoID, e.Class, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.VideoID, e.Class)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// AsTerminal unwraps err to a TerminalError if one is in the chain.
func AsTerminal(err error) (*TerminalError, bool) {
	var te *TerminalError
	ok := errors.As(err, &te)
	return te, ok
}

// terminal builds a TerminalError carrying truncated subprocess output.
func terminal(class types.FailureClass, videoID string, out []byte, err error) *TerminalError {
	return &TerminalError{
		Class:   class,
		VideoID: videoID,
		Detail:  truncateOutput(out, 300),
		Err:     err,
	}
}

// Downloader error texts that short-circuit the strategy list. Matching is
// case-insensitive against the combined output.
var (
	unavailablePatterns = []string{
		"video unavailable",
		"private video",
		"this video has been removed",
		"this video is not available",
		"no longer available",
		"account associated with this video has been terminated",
	}
	membersOnlyPatterns = []string{
		"members-only",
		"join this channel",
		"available to this channel's members",
	}
	rateLimitPatterns = []string{
		"http error 429",
		"too many requests",
		"rate-limit",
		"rate limited",
		"sign in to confirm you're not a bot",
	}
)

// Transcoder error texts that mean the container simply has no audio, as
// opposed to a broken download. A video-only stream fails inside ffmpeg, so
// this has to be caught there and not only at the ffprobe check.
var noAudioPatterns = []string{
	"does not contain any stream",
	"no audio stream",
	"could not find audio stream",
	"stream map 'a' matches no streams",
}

// classifyTranscodeOutput inspects ffmpeg output for a missing-audio signature
// and returns FailNoAudio on a match, "" otherwise.
func classifyTranscodeOutput(out []byte) types.FailureClass {
	lower := strings.ToLower(string(out))
	for _, p := range noAudioPatterns {
		if strings.Contains(lower, p) {
			return types.FailNoAudio
		}
	}
	return ""
}

// classifyDownloadOutput inspects downloader output for a known terminal
// pattern. It returns "" when the error does not match any pattern, in which
// case the caller falls through to the next client strategy or retry.
func classifyDownloadOutput(out []byte) types.FailureClass {
	lower := strings.ToLower(string(out))
	for _, p := range unavailablePatterns {
		if strings.Contains(lower, p) {
			return types.FailUnavailable
		}
	}
	for _, p := range membersOnlyPatterns {
		if strings.Contains(lower, p) {
			return types.FailMembersOnly
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return types.FailRateLimited
		}
	}
	return ""
}
