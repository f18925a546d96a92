// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// The ingestion pipeline embeds transcript segments in batches and persists
// the vectors to Postgres for semantic retrieval. Backends include the OpenAI
// API and a local Ollama server; both map text strings to dense float32
// vectors of a fixed, model-determined dimension.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the dimensionality reported
// by Dimensions. Vectors from different providers or models must never be
// mixed in one similarity space: the per-dimension storage tables enforce this
// at the schema level, but callers remain responsible for not re-embedding a
// corpus with a different model into the same table.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text
	// is passed to the backend verbatim; any model-specific prefixing (for
	// example "search_document: " for nomic-embed-text) is the caller's
	// responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one backend call.
	// The result has the same length and order as texts. On any error the
	// whole result is nil; partial batches are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the backend model identifier, used for logging and for
	// recording provenance on stored embeddings.
	ModelID() string
}
