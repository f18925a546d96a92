// Package store is the Postgres persistence layer: one sources row per video,
// one segments row per retrieval unit, and embedding vectors in a
// per-dimension pgvector table. Each video commits as a single transaction so
// a partial failure leaves nothing the next run cannot repair via upsert and
// conflict-do-nothing semantics.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"earshot/internal/config"
	"earshot/pkg/types"
)

// Store wraps a pgx connection pool. Safe for concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	embedding config.EmbeddingsConfig
	log       *slog.Logger
}

// PersistPolicy controls which segment rows reach the database and how
// unidentified speakers are labelled in them.
type PersistPolicy struct {
	// StoreKnownOnly drops rows whose speaker is not KnownName before insert.
	StoreKnownOnly bool
	KnownName      string

	// UnknownLabel replaces the default "UNKNOWN" in persisted speaker_label
	// values. Empty keeps the default.
	UnknownLabel string
}

// PersistResult reports what one video's transaction actually wrote.
type PersistResult struct {
	SourceID           int64
	SegmentsInserted   int
	EmbeddingsInserted int
}

// New connects to Postgres, registers pgvector types on every connection and
// initialises the schema per the configured environment policy.
func New(ctx context.Context, dsn string, embedding config.EmbeddingsConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{pool: pool, embedding: embedding, log: log}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// init creates the base tables and resolves the embedding table. Production
// refuses to run against a missing embedding table; development creates it on
// demand when auto-create is enabled.
func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, baseSchema); err != nil {
		return fmt.Errorf("store: create base schema: %w", err)
	}

	table := s.embedding.TableName()
	exists, err := tableExists(ctx, s.pool, table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if s.embedding.Environment == config.EnvProduction {
		return fmt.Errorf("store: embedding table %q does not exist; create it before running in production", table)
	}
	if !s.embedding.AutoCreateTables {
		return fmt.Errorf("store: embedding table %q does not exist and auto_create_tables is disabled", table)
	}

	var rows int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM segments`).Scan(&rows); err != nil {
		return fmt.Errorf("store: count segments: %w", err)
	}
	lists := ivfflatLists(rows)
	if _, err := s.pool.Exec(ctx, embeddingSchema(table, s.embedding.Dimensions, lists)); err != nil {
		return fmt.Errorf("store: create embedding table %q: %w", table, err)
	}
	s.log.Info("created embedding table", "table", table, "dims", s.embedding.Dimensions, "ivfflat_lists", lists)
	return nil
}

// HasSegments reports whether the video already has persisted segments. Drives
// the skip-existing logic.
func (s *Store) HasSegments(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM segments seg
			JOIN sources src ON src.id = seg.source_id
			WHERE src.external_id = $1
		)`, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has segments %q: %w", externalID, err)
	}
	return exists, nil
}

// PersistVideo writes one video's source row, segment rows and embedding rows
// as a single transaction. Segment rows failing the known-only policy are
// skipped before insert and never counted. Embeddings insert with
// ON CONFLICT DO NOTHING, so a whole-run retry is idempotent.
func (s *Store) PersistVideo(ctx context.Context, video types.VideoDescriptor, provenance map[string]any, segs []types.TranscriptSegment, modelKey string, policy PersistPolicy) (PersistResult, error) {
	var res PersistResult

	eligible := filterSegments(segs, policy)
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].StartS < eligible[j].StartS })

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res.SourceID, err = upsertSource(ctx, tx, video, provenance)
	if err != nil {
		return res, err
	}

	segmentIDs, err := insertSegments(ctx, tx, res.SourceID, eligible, policy)
	if err != nil {
		return res, err
	}
	res.SegmentsInserted = len(segmentIDs)

	res.EmbeddingsInserted, err = s.insertEmbeddings(ctx, tx, segmentIDs, eligible, modelKey)
	if err != nil {
		return res, err
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("store: commit %q: %w", video.ID, err)
	}
	return res, nil
}

func upsertSource(ctx context.Context, tx pgx.Tx, video types.VideoDescriptor, provenance map[string]any) (int64, error) {
	const q = `
		INSERT INTO sources
		    (external_id, title, source_kind, publish_time, duration_s, view_count, url, tags, provenance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (external_id) DO UPDATE SET
		    title        = EXCLUDED.title,
		    source_kind  = EXCLUDED.source_kind,
		    publish_time = EXCLUDED.publish_time,
		    duration_s   = EXCLUDED.duration_s,
		    view_count   = EXCLUDED.view_count,
		    url          = EXCLUDED.url,
		    tags         = EXCLUDED.tags,
		    provenance   = EXCLUDED.provenance,
		    updated_at   = now()
		RETURNING id`

	sourceKind, _ := provenance["source_kind"].(string)
	url, _ := provenance["url"].(string)
	var id int64
	err := tx.QueryRow(ctx, q,
		video.ID,
		video.Title,
		sourceKind,
		video.PublishedAt,
		video.DurationS,
		video.ViewCount,
		url,
		video.Tags,
		provenance,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert source %q: %w", video.ID, err)
	}
	return id, nil
}

// insertSegments batch-inserts the rows and returns the new segment ids in
// input order.
func insertSegments(ctx context.Context, tx pgx.Tx, sourceID int64, segs []types.TranscriptSegment, policy PersistPolicy) ([]int64, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	const q = `
		INSERT INTO segments
		    (source_id, start_s, end_s, text, speaker_label, speaker_confidence,
		     avg_logprob, compression_ratio, no_speech_prob, re_asr, is_overlap, needs_refinement)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	batch := &pgx.Batch{}
	for _, seg := range segs {
		batch.Queue(q,
			sourceID,
			seg.StartS,
			seg.EndS,
			seg.Text,
			persistedLabel(seg.Speaker, policy),
			seg.SpeakerConfidence,
			seg.Quality.AvgLogProb,
			seg.Quality.CompressionRatio,
			seg.Quality.NoSpeechProb,
			seg.ReASR,
			seg.IsOverlap,
			seg.NeedsRefinement,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	ids := make([]int64, 0, len(segs))
	for range segs {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("store: insert segment: %w", err)
		}
		ids = append(ids, id)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("store: close segment batch: %w", err)
	}
	return ids, nil
}

// insertEmbeddings writes vectors for segments that carry one. The unique
// (segment_id, model_key) constraint plus DO NOTHING makes re-runs no-ops.
func (s *Store) insertEmbeddings(ctx context.Context, tx pgx.Tx, segmentIDs []int64, segs []types.TranscriptSegment, modelKey string) (int, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (segment_id, model_key, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (segment_id, model_key) DO NOTHING`, s.embedding.TableName())

	batch := &pgx.Batch{}
	queued := 0
	for i, seg := range segs {
		if seg.Embedding == nil || i >= len(segmentIDs) {
			continue
		}
		batch.Queue(q, segmentIDs[i], modelKey, pgvector.NewVector(seg.Embedding))
		queued++
	}
	if queued == 0 {
		return 0, nil
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for i := 0; i < queued; i++ {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("store: insert embedding: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("store: close embedding batch: %w", err)
	}
	return inserted, nil
}

// persistedLabel renders the speaker label for storage, substituting the
// configured unknown label. Unknown speakers render as "UNKNOWN" everywhere
// else; only the database rows carry the custom string.
func persistedLabel(label types.SpeakerLabel, policy PersistPolicy) string {
	if policy.UnknownLabel != "" && label.IsUnknown() {
		return policy.UnknownLabel
	}
	return label.String()
}

// filterSegments applies the known-only storage policy.
func filterSegments(segs []types.TranscriptSegment, policy PersistPolicy) []types.TranscriptSegment {
	if !policy.StoreKnownOnly {
		out := make([]types.TranscriptSegment, len(segs))
		copy(out, segs)
		return out
	}
	out := make([]types.TranscriptSegment, 0, len(segs))
	for _, seg := range segs {
		if seg.Speaker.Is(policy.KnownName) {
			out = append(out, seg)
		}
	}
	return out
}
