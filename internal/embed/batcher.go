// Package embed turns transcript segments into unit-normalised embedding
// vectors, batching by text count to keep the backend busy.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"

	"earshot/internal/config"
	"earshot/pkg/embeddings"
	"earshot/pkg/types"
)

// Batcher embeds segment texts through an embeddings.Provider. Safe for
// concurrent use when the underlying provider is.
type Batcher struct {
	provider  embeddings.Provider
	batchSize int
	knownOnly bool
	knownName string
	log       *slog.Logger
}

// New constructs a Batcher from the embeddings config. knownName matters only
// under the known_only storage strategy.
func New(provider embeddings.Provider, cfg config.EmbeddingsConfig, knownName string, log *slog.Logger) *Batcher {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = 256
	}
	return &Batcher{
		provider:  provider,
		batchSize: size,
		knownOnly: cfg.StorageStrategy == config.EmbedKnownOnly,
		knownName: knownName,
		log:       log,
	}
}

// EmbedSegments fills in the Embedding field of every eligible segment in
// place. Under the known-only policy, segments spoken by anyone but the known
// speaker keep a nil embedding and are never sent to the model. Vectors come
// back unit-L2-normalised.
func (b *Batcher) EmbedSegments(ctx context.Context, segs []types.TranscriptSegment) error {
	// Collect the indexes that actually get embedded.
	idx := make([]int, 0, len(segs))
	for i := range segs {
		if b.knownOnly && !segs[i].Speaker.Is(b.knownName) {
			continue
		}
		idx = append(idx, i)
	}

	for start := 0; start < len(idx); start += b.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + b.batchSize
		if end > len(idx) {
			end = len(idx)
		}
		batch := idx[start:end]

		texts := make([]string, len(batch))
		for i, si := range batch {
			texts[i] = segs[si].Text
		}

		began := time.Now()
		vecs, err := b.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed: batch of %d texts: %w", len(texts), err)
		}
		wall := time.Since(began).Seconds()

		for i, si := range batch {
			segs[si].Embedding = normalizeL2(vecs[i])
		}

		perSecond := 0.0
		if wall > 0 {
			perSecond = float64(len(texts)) / wall
		}
		b.log.Info("embedded batch",
			"texts", len(texts),
			"wall_seconds", wall,
			"texts_per_second", perSecond,
		)
	}
	return nil
}

// normalizeL2 scales v to unit length. Zero vectors pass through untouched.
func normalizeL2(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	f64 := make([]float64, len(v))
	for i, x := range v {
		f64[i] = float64(x)
	}
	n := floats.Norm(f64, 2)
	if n == 0 {
		return v
	}
	inv := float32(1.0 / n)
	for i := range v {
		v[i] *= inv
	}
	return v
}
