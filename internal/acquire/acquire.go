// Package acquire turns video ids into 16 kHz mono WAV artifacts on local
// disk. It drives the external downloader (yt-dlp), transcoder (ffmpeg) and
// probe (ffprobe), classifies downloader failures into terminal classes, and
// bounds concurrent downloads with a weighted semaphore so a large run does
// not look like a scraper burst.
package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"earshot/internal/config"
	"earshot/pkg/types"
)

const (
	// minWAVBytes rejects transcoder output that is too small to hold real
	// audio (50 KiB ≈ 1.6 s at 16 kHz s16le).
	minWAVBytes = 50 * 1024

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	youtubeReferer   = "https://www.youtube.com/"
)

// clientStrategies is the ordered list of extractor client identities tried
// per download. "default" lets the downloader pick. Production mode pins the
// web client only, so every request presents the same identity.
var (
	clientStrategies     = []string{"web", "android", "default"}
	productionStrategies = []string{"web"}
)

// Acquirer downloads and transcodes audio for single videos. Safe for
// concurrent use; the download semaphore is shared across all callers.
type Acquirer struct {
	cfg    config.AcquireConfig
	runner Runner
	sem    *semaphore.Weighted
	log    *slog.Logger
}

// Option is a functional option for Acquirer.
type Option func(*Acquirer)

// WithRunner substitutes the subprocess runner. Tests use this to avoid
// invoking real tools.
func WithRunner(r Runner) Option {
	return func(a *Acquirer) { a.runner = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Acquirer) { a.log = l }
}

// New constructs an Acquirer from the acquisition config.
func New(cfg config.AcquireConfig, opts ...Option) *Acquirer {
	slots := cfg.DownloadSemaphore
	if slots <= 0 {
		slots = 1
	}
	a := &Acquirer{
		cfg:    cfg,
		runner: ExecRunner{},
		sem:    semaphore.NewWeighted(int64(slots)),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire fetches the best audio-only stream for video, transcodes it to
// 16 kHz mono PCM s16le WAV in a per-call working directory, validates the
// result and returns the artifact. On every failure path the working
// directory is removed. The caller owns the artifact and must Release it
// after persistence.
func (a *Acquirer) Acquire(ctx context.Context, video types.VideoDescriptor) (*types.AudioArtifact, error) {
	workdir, err := os.MkdirTemp("", "earshot-"+video.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("acquire: create workdir: %w", err)
	}
	art, err := a.acquireInto(ctx, video, workdir)
	if err != nil {
		os.RemoveAll(workdir)
		return nil, err
	}
	return art, nil
}

// Release removes the artifact file and its working directory. Called by the
// persistence stage once the video's rows have committed.
func (a *Acquirer) Release(art *types.AudioArtifact) {
	if art == nil || art.Path == "" {
		return
	}
	dir := filepath.Dir(art.Path)
	if err := os.RemoveAll(dir); err != nil {
		a.log.Warn("failed to remove audio workdir", "dir", dir, "error", err)
	}
}

func (a *Acquirer) acquireInto(ctx context.Context, video types.VideoDescriptor, workdir string) (*types.AudioArtifact, error) {
	var src string
	var err error
	if video.LocalPath != "" {
		if _, err := os.Stat(video.LocalPath); err != nil {
			return nil, terminal(types.FailDownload, video.ID, nil, fmt.Errorf("local media: %w", err))
		}
		src = video.LocalPath
	} else {
		src, err = a.download(ctx, video.ID, workdir)
		if err != nil {
			return nil, err
		}
	}

	wavPath := filepath.Join(workdir, video.ID+".wav")
	out, err := a.runner.Run(ctx, a.cfg.DemuxTimeout, "ffmpeg",
		"-i", src,
		"-ar", "16000",
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		"-y", wavPath,
	)
	if err != nil {
		if class := classifyTranscodeOutput(out); class != "" {
			return nil, terminal(class, video.ID, out, fmt.Errorf("transcode: %w", err))
		}
		return nil, terminal(types.FailDownload, video.ID, out, fmt.Errorf("transcode: %w", err))
	}
	// The downloaded container is no longer needed once the WAV exists.
	// Local source files belong to the user and stay put.
	if video.LocalPath == "" {
		os.Remove(src)
	}

	info, err := os.Stat(wavPath)
	if err != nil || info.Size() < minWAVBytes {
		return nil, terminal(types.FailDownload, video.ID, nil,
			fmt.Errorf("transcode produced no usable output (size %d)", sizeOf(info)))
	}

	hasAudio, durationS, err := a.probeFile(ctx, wavPath)
	if err != nil {
		return nil, terminal(types.FailDownload, video.ID, nil, fmt.Errorf("probe: %w", err))
	}
	if !hasAudio {
		return nil, &TerminalError{Class: types.FailNoAudio, VideoID: video.ID, Detail: "no audio stream in downloaded media"}
	}

	fp, err := contentFingerprint(video, wavPath)
	if err != nil {
		a.log.Warn("content fingerprint failed", "video_id", video.ID, "error", err)
	}

	art := &types.AudioArtifact{
		Path:        wavPath,
		Codec:       "pcm_s16le",
		SampleRate:  16000,
		Channels:    1,
		DurationS:   durationS,
		Fingerprint: fp,
	}
	a.log.Info("acquired audio", "video_id", video.ID, "path", wavPath, "duration_s", durationS)

	if a.cfg.StoreAudioLocally && a.cfg.AudioStorageDir != "" {
		if err := a.archive(wavPath, video.ID); err != nil {
			a.log.Warn("failed to archive audio", "video_id", video.ID, "error", err)
		}
	}
	return art, nil
}

// download runs the extractor under the shared semaphore, walking the client
// strategy list with retries. Output texts matching known terminal patterns
// short-circuit; other failures fall through to the next strategy/attempt.
func (a *Acquirer) download(ctx context.Context, videoID, workdir string) (string, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire: download slot: %w", err)
	}
	defer a.sem.Release(1)

	retries := a.cfg.Retries
	if retries < 1 {
		retries = 1
	}
	strategies := clientStrategies
	if a.cfg.ProductionMode {
		strategies = productionStrategies
	}

	var lastOut []byte
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return "", err
			}
		}
		for _, strategy := range strategies {
			out, err := a.runner.Run(ctx, a.cfg.DownloadTimeout, "yt-dlp", a.downloadArgs(videoID, workdir, strategy)...)
			if err == nil {
				path, findErr := findDownload(workdir, videoID)
				if findErr == nil {
					return path, nil
				}
				err = findErr
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if class := classifyDownloadOutput(out); class != "" {
				return "", terminal(class, videoID, out, err)
			}
			a.log.Debug("download attempt failed",
				"video_id", videoID, "strategy", strategy, "attempt", attempt, "error", err)
			lastOut, lastErr = out, err
		}
	}
	return "", terminal(types.FailDownload, videoID, lastOut, lastErr)
}

func (a *Acquirer) downloadArgs(videoID, workdir, strategy string) []string {
	args := []string{
		"-f", "bestaudio/best",
		"--no-playlist",
		"-4",
		"--user-agent", defaultUserAgent,
		"--referer", youtubeReferer,
		"-o", filepath.Join(workdir, "%(id)s.%(ext)s"),
	}
	if strategy != "default" {
		args = append(args, "--extractor-args", "youtube:player_client="+strategy)
	}
	if a.cfg.Proxy != "" {
		args = append(args, "--proxy", a.cfg.Proxy)
	}
	if a.cfg.CookiesFile != "" {
		args = append(args, "--cookies", a.cfg.CookiesFile)
	}
	return append(args, "https://www.youtube.com/watch?v="+videoID)
}

// Probe performs a simulated download to check accessibility without fetching
// media. Used by the pre-filter phase to drop members-only and removed videos
// before they occupy pipeline slots.
func (a *Acquirer) Probe(ctx context.Context, videoID string) error {
	args := []string{
		"--simulate",
		"--skip-download",
		"--no-playlist",
		"-4",
	}
	if a.cfg.Proxy != "" {
		args = append(args, "--proxy", a.cfg.Proxy)
	}
	if a.cfg.CookiesFile != "" {
		args = append(args, "--cookies", a.cfg.CookiesFile)
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	out, err := a.runner.Run(ctx, a.cfg.AccessProbeTimeout, "yt-dlp", args...)
	if err == nil {
		return nil
	}
	if class := classifyDownloadOutput(out); class != "" {
		return terminal(class, videoID, out, err)
	}
	// An inconclusive probe does not block the real download attempt.
	return nil
}

// probeFile asks ffprobe whether the file has an audio stream and how long
// the container is.
func (a *Acquirer) probeFile(ctx context.Context, path string) (hasAudio bool, durationS float64, err error) {
	out, err := a.runner.Run(ctx, a.cfg.ProbeTimeout, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return false, 0, fmt.Errorf("ffprobe: %w (%s)", err, truncateOutput(out, 200))
	}

	var probe struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return false, 0, fmt.Errorf("ffprobe: parse output: %w", err)
	}
	for _, s := range probe.Streams {
		if s.CodecType == "audio" {
			hasAudio = true
			break
		}
	}
	if probe.Format.Duration != "" {
		durationS, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}
	return hasAudio, durationS, nil
}

// archive copies the WAV into the configured storage directory.
func (a *Acquirer) archive(wavPath, videoID string) error {
	if err := os.MkdirAll(a.cfg.AudioStorageDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(a.cfg.AudioStorageDir, videoID+".wav")
	in, err := os.Open(wavPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	a.log.Info("archived audio", "video_id", videoID, "path", dst)
	return nil
}

// findDownload locates the extractor's output file for the given video id.
func findDownload(workdir, videoID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(workdir, videoID+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		// Skip partial downloads and our own transcode target.
		switch filepath.Ext(m) {
		case ".part", ".ytdl", ".wav":
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("downloader reported success but produced no file for %s", videoID)
}

// backoff returns a bounded exponential sleep for retry n (1-based).
func backoff(n int) time.Duration {
	d := time.Second << uint(n-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sizeOf(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	return info.Size()
}
