package acquire

import (
	"context"
	"os/exec"
	"time"
)

// Runner executes an external tool and returns its combined output. The
// subprocess surface of the pipeline (yt-dlp, ffmpeg, ffprobe) goes through
// this interface so tests can substitute canned results.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools via os/exec. Output is captured combined because
// yt-dlp and ffmpeg interleave diagnostics across both streams and the error
// classifier needs to see all of it.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		// Prefer the deadline/cancellation cause over the opaque "signal:
		// killed" the process returns when the context fires.
		return out, ctx.Err()
	}
	return out, err
}

// truncateOutput trims subprocess output for log lines and error messages.
func truncateOutput(out []byte, max int) string {
	s := string(out)
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
