package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"earshot/internal/acquire"
	"earshot/pkg/types"
)

var _ Lister = (*YtDlpLister)(nil)

// YtDlpLister enumerates a channel with `yt-dlp --flat-playlist -J`, which
// survives the channel layouts the API client cannot parse.
type YtDlpLister struct {
	ChannelURL string
	Proxy      string
	Timeout    time.Duration
	runner     acquire.Runner
	log        *slog.Logger
}

// NewYtDlpLister builds a lister for channelURL. An empty timeout defaults to
// two minutes.
func NewYtDlpLister(channelURL, proxy string, timeout time.Duration, log *slog.Logger) *YtDlpLister {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &YtDlpLister{
		ChannelURL: channelURL,
		Proxy:      proxy,
		Timeout:    timeout,
		runner:     acquire.ExecRunner{},
		log:        log,
	}
}

// WithRunner substitutes the subprocess runner for tests.
func (l *YtDlpLister) WithRunner(r acquire.Runner) *YtDlpLister {
	l.runner = r
	return l
}

// flatEntry mirrors yt-dlp's flat-playlist entry JSON.
type flatEntry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	UploadDate string  `json:"upload_date"`
	ViewCount  int64   `json:"view_count"`
	Channel    string  `json:"channel"`
}

// List implements Lister.
func (l *YtDlpLister) List(ctx context.Context) ([]types.VideoDescriptor, error) {
	args := []string{"--flat-playlist", "-J", "--no-warnings"}
	if l.Proxy != "" {
		args = append(args, "--proxy", l.Proxy)
	}
	args = append(args, l.ChannelURL)

	out, err := l.runner.Run(ctx, l.Timeout, "yt-dlp", args...)
	if err != nil {
		return nil, fmt.Errorf("source: yt-dlp flat playlist: %w", err)
	}
	videos, err := parseFlatPlaylist(out)
	if err != nil {
		return nil, err
	}
	l.log.Info("listed channel via yt-dlp", "url", l.ChannelURL, "videos", len(videos))
	return videos, nil
}

func parseFlatPlaylist(data []byte) ([]types.VideoDescriptor, error) {
	var dump struct {
		Entries []flatEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("source: parse flat playlist: %w", err)
	}

	out := make([]types.VideoDescriptor, 0, len(dump.Entries))
	for _, e := range dump.Entries {
		if e.ID == "" {
			continue
		}
		v := types.VideoDescriptor{
			ID:        e.ID,
			Title:     e.Title,
			DurationS: e.Duration,
			Channel:   e.Channel,
			ViewCount: e.ViewCount,
		}
		if t, err := time.Parse("20060102", e.UploadDate); err == nil {
			v.PublishedAt = &t
		}
		out = append(out, v)
	}
	return out, nil
}
