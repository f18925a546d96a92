package store

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"
)

// baseSchema creates the model-independent tables. Idempotent.
const baseSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS sources (
    id            BIGSERIAL PRIMARY KEY,
    external_id   TEXT NOT NULL UNIQUE,
    title         TEXT NOT NULL DEFAULT '',
    source_kind   TEXT NOT NULL DEFAULT '',
    publish_time  TIMESTAMPTZ,
    duration_s    DOUBLE PRECISION,
    view_count    BIGINT,
    url           TEXT,
    tags          TEXT[],
    provenance    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS segments (
    id                 BIGSERIAL PRIMARY KEY,
    source_id          BIGINT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    start_s            DOUBLE PRECISION NOT NULL,
    end_s              DOUBLE PRECISION NOT NULL,
    text               TEXT NOT NULL,
    speaker_label      TEXT NOT NULL,
    speaker_confidence DOUBLE PRECISION,
    avg_logprob        DOUBLE PRECISION,
    compression_ratio  DOUBLE PRECISION,
    no_speech_prob     DOUBLE PRECISION,
    re_asr             BOOLEAN NOT NULL DEFAULT FALSE,
    is_overlap         BOOLEAN NOT NULL DEFAULT FALSE,
    needs_refinement   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS segments_source_start_idx
    ON segments (source_id, start_s);
`

// embeddingSchema builds the per-dimension embedding table and its
// approximate-nearest-neighbour index.
func embeddingSchema(table string, dims, lists int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id          BIGSERIAL PRIMARY KEY,
    segment_id  BIGINT NOT NULL REFERENCES segments(id) ON DELETE CASCADE,
    model_key   TEXT NOT NULL,
    embedding   VECTOR(%[2]d) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (segment_id, model_key)
);

CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
    ON %[1]s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %[3]d);
`, table, dims, lists)
}

// ivfflatLists sizes the ANN index list count from the current row count:
// max(10, min(100, √rows)) with a floor of 50.
func ivfflatLists(rowCount int64) int {
	lists := int(math.Sqrt(float64(rowCount)))
	if lists > 100 {
		lists = 100
	}
	if lists < 10 {
		lists = 10
	}
	if lists < 50 {
		lists = 50
	}
	return lists
}

// tableExists checks the catalog for the named table.
func tableExists(ctx context.Context, pool *pgxpool.Pool, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check table %q: %w", table, err)
	}
	return exists, nil
}
