package source

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"earshot/pkg/types"
)

var _ Lister = (*LocalLister)(nil)

// mediaExtensions is the set of container suffixes the local source picks up.
var mediaExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".mov":  true,
}

// LocalLister enumerates media files under a directory. Each file becomes a
// descriptor whose id is derived from the file name and whose LocalPath feeds
// the acquirer's transcode-only path.
type LocalLister struct {
	Dir string
	log *slog.Logger
}

// NewLocalLister builds a lister over dir.
func NewLocalLister(dir string, log *slog.Logger) *LocalLister {
	if log == nil {
		log = slog.Default()
	}
	return &LocalLister{Dir: dir, log: log}
}

// List implements Lister. It walks the directory non-recursively, takes files
// with a known media extension, and uses the file's mtime as the publish time
// so date filters and ordering still work.
func (l *LocalLister) List(ctx context.Context) ([]types.VideoDescriptor, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("source: read local dir %q: %w", l.Dir, err)
	}

	var out []types.VideoDescriptor
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.IsDir() || !mediaExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			l.log.Warn("skipping unreadable local file", "name", e.Name(), "error", err)
			continue
		}
		mtime := info.ModTime()
		out = append(out, types.VideoDescriptor{
			ID:          localID(e.Name()),
			Title:       strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			PublishedAt: &mtime,
			LocalPath:   filepath.Join(l.Dir, e.Name()),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LocalPath < out[j].LocalPath })
	l.log.Info("listed local media", "dir", l.Dir, "files", len(out))
	return out, nil
}

// localID derives a stable external id from a file name: the sanitized base
// name when it fits the 32-character id budget, else a prefixed name hash.
func localID(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	id := b.String()
	if id != "" && len(id) <= 32 {
		return id
	}
	return fmt.Sprintf("local-%x", md5.Sum([]byte(name)))[:32]
}
