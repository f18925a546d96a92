// Package source produces the run's input list of video descriptors. Three
// listers cover the supported source kinds: the YouTube API client, a yt-dlp
// flat-playlist dump, and a local media directory. Filters for shorts,
// duration, publish date and ordering apply uniformly afterwards.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"earshot/internal/config"
	"earshot/pkg/types"
)

// Lister enumerates candidate videos for one run.
type Lister interface {
	List(ctx context.Context) ([]types.VideoDescriptor, error)
}

// shortMaxDurationS is the cutoff at or below which a video counts as a
// short. Two minutes matches the platform's extended shorts limit; clips that
// brief carry too little speech to segment usefully anyway.
const shortMaxDurationS = 120

// ApplyFilters applies the input selection rules in order: shorts filter,
// max-duration filter, since-published filter, ordering, then the limit.
func ApplyFilters(videos []types.VideoDescriptor, cfg config.InputConfig) []types.VideoDescriptor {
	out := make([]types.VideoDescriptor, 0, len(videos))
	for _, v := range videos {
		if cfg.SkipShorts && v.DurationS > 0 && v.DurationS <= shortMaxDurationS {
			continue
		}
		if cfg.MaxAudioDuration > 0 && v.DurationS > cfg.MaxAudioDuration {
			continue
		}
		if cfg.SincePublished != nil && v.PublishedAt != nil && v.PublishedAt.Before(*cfg.SincePublished) {
			continue
		}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].PublishedAt, out[j].PublishedAt
		if a == nil || b == nil {
			return false
		}
		if cfg.NewestFirst {
			return a.After(*b)
		}
		return a.Before(*b)
	})

	if cfg.Limit > 0 && len(out) > cfg.Limit {
		out = out[:cfg.Limit]
	}
	return out
}

// VideoIDFromURL extracts the video id from the usual YouTube URL shapes, or
// returns the input unchanged when it already looks like a bare id.
func VideoIDFromURL(raw string) (string, error) {
	if !strings.Contains(raw, "/") && !strings.Contains(raw, "?") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("source: parse url %q: %w", raw, err)
	}
	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	// youtu.be/<id>, /shorts/<id>, /live/<id>, /embed/<id>
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[len(parts)-1] != "" {
		return parts[len(parts)-1], nil
	}
	return "", fmt.Errorf("source: no video id in %q", raw)
}

// FromURLs builds descriptors from explicit video URLs or bare ids.
func FromURLs(urls []string) ([]types.VideoDescriptor, error) {
	out := make([]types.VideoDescriptor, 0, len(urls))
	for _, raw := range urls {
		id, err := VideoIDFromURL(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, types.VideoDescriptor{ID: id})
	}
	return out, nil
}

// FromJSONFile reads a descriptor list from a JSON file: either a bare array
// of descriptors or an object with a "videos" array.
func FromJSONFile(path string) ([]types.VideoDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read %q: %w", path, err)
	}

	var videos []types.VideoDescriptor
	if err := json.Unmarshal(data, &videos); err == nil {
		return videos, nil
	}
	var wrapper struct {
		Videos []types.VideoDescriptor `json:"videos"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", path, err)
	}
	return wrapper.Videos, nil
}

// StaticLister wraps a pre-built descriptor list (from --from-url or
// --from-json) in the Lister interface.
type StaticLister struct {
	Videos []types.VideoDescriptor
}

func (s StaticLister) List(context.Context) ([]types.VideoDescriptor, error) {
	return s.Videos, nil
}
