package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	yt "github.com/kkdai/youtube/v2"

	"earshot/pkg/types"
)

var _ Lister = (*APILister)(nil)

// APILister enumerates a channel's uploads through the YouTube innertube API.
// Channel URLs resolve via their uploads playlist; playlist URLs are used
// directly.
type APILister struct {
	ChannelURL string
	client     yt.Client
	log        *slog.Logger
}

// NewAPILister builds an APILister for a channel or playlist URL.
func NewAPILister(channelURL string, log *slog.Logger) *APILister {
	if log == nil {
		log = slog.Default()
	}
	return &APILister{ChannelURL: channelURL, log: log}
}

// List implements Lister.
func (a *APILister) List(ctx context.Context) ([]types.VideoDescriptor, error) {
	playlistURL, err := uploadsPlaylistURL(a.ChannelURL)
	if err != nil {
		return nil, err
	}

	playlist, err := a.client.GetPlaylistContext(ctx, playlistURL)
	if err != nil {
		return nil, fmt.Errorf("source: list playlist %q: %w", playlistURL, err)
	}

	out := make([]types.VideoDescriptor, 0, len(playlist.Videos))
	for _, entry := range playlist.Videos {
		out = append(out, types.VideoDescriptor{
			ID:        entry.ID,
			Title:     entry.Title,
			Channel:   entry.Author,
			DurationS: entry.Duration.Seconds(),
		})
	}
	a.log.Info("listed channel uploads", "url", playlistURL, "videos", len(out))
	return out, nil
}

// uploadsPlaylistURL maps a channel URL onto its uploads playlist. YouTube
// channel ids start with "UC"; the corresponding uploads playlist swaps the
// prefix to "UU". Playlist URLs pass through untouched.
func uploadsPlaylistURL(raw string) (string, error) {
	if strings.Contains(raw, "list=") || strings.Contains(raw, "/playlist") {
		return raw, nil
	}
	idx := strings.Index(raw, "/channel/")
	if idx < 0 {
		return "", fmt.Errorf("source: cannot derive uploads playlist from %q; use a /channel/UC... or playlist URL", raw)
	}
	channelID := strings.Trim(raw[idx+len("/channel/"):], "/")
	if slash := strings.Index(channelID, "/"); slash >= 0 {
		channelID = channelID[:slash]
	}
	if !strings.HasPrefix(channelID, "UC") {
		return "", fmt.Errorf("source: unexpected channel id %q", channelID)
	}
	return "https://www.youtube.com/playlist?list=UU" + channelID[2:], nil
}
