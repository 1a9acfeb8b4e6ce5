package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/estateflow/responsecache/pkg/observability"
)

// SemanticStore is the durable tier backed by Postgres with pgvector. Rows
// survive TTL expiry; freshness is enforced at query time by the computed_at
// cutoff, and invalidation marks rows stale instead of deleting them so a
// later write-through can revive the slot.
type SemanticStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

func NewSemanticStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) *SemanticStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &SemanticStore{
		db:      db,
		logger:  logger.WithPrefix("semantic_store"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Insert writes a semantic record, reviving any stale row occupying the same
// (operation, subject, normalized_text) slot.
func (s *SemanticStore) Insert(ctx context.Context, rec *SemanticRecord) error {
	ctx, span := observability.StartSpan(ctx, "cache.l3.insert")
	defer span.End()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = s.now()
	}

	query := `
		INSERT INTO semantic_records
			(id, operation, subject_id, normalized_text, cache_key, embedding, value, computed_at, stale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
		ON CONFLICT (operation, subject_id, normalized_text) DO UPDATE SET
			cache_key = EXCLUDED.cache_key,
			embedding = EXCLUDED.embedding,
			value = EXCLUDED.value,
			computed_at = EXCLUDED.computed_at,
			stale = false`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Operation, rec.SubjectID, rec.NormalizedText, rec.CacheKey,
		pq.Array(rec.Embedding), rec.Value, rec.ComputedAt)
	if err != nil {
		s.metrics.IncrementCounterWithLabels("cache.l3.errors", 1, map[string]string{"op": "insert"})
		return fmt.Errorf("insert semantic record: %w", err)
	}
	return nil
}

// LookupSimilar returns records for the subject and operation whose cosine
// similarity to the query embedding meets the threshold, freshest first among
// ties. Rows older than maxAge are excluded so durable storage still honors
// the operation's TTL, and stale rows are never returned.
func (s *SemanticStore) LookupSimilar(ctx context.Context, op Operation, subjectID string, embedding []float32, threshold float64, limit int, maxAge time.Duration) ([]*SimilarRecord, error) {
	ctx, span := observability.StartSpan(ctx, "cache.l3.lookup_similar")
	defer span.End()

	if limit <= 0 {
		limit = 5
	}
	cutoff := s.now().Add(-maxAge)

	query := `
		SELECT cache_key, normalized_text, value, computed_at,
		       1 - (embedding <=> $1) AS similarity
		FROM semantic_records
		WHERE operation = $2
		  AND subject_id = $3
		  AND stale = false
		  AND computed_at >= $4
		  AND 1 - (embedding <=> $1) >= $5
		ORDER BY embedding <=> $1, computed_at DESC
		LIMIT $6`

	rows, err := s.db.QueryxContext(ctx, query,
		pq.Array(embedding), op, subjectID, cutoff, threshold, limit)
	if err != nil {
		s.metrics.IncrementCounterWithLabels("cache.l3.errors", 1, map[string]string{"op": "lookup"})
		return nil, fmt.Errorf("lookup similar records: %w", err)
	}
	defer rows.Close()

	var results []*SimilarRecord
	for rows.Next() {
		var rec SimilarRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("scan similar record: %w", err)
		}
		results = append(results, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar records: %w", err)
	}
	return results, nil
}

// GetExact fetches the freshest exact-text record for backfill decisions.
func (s *SemanticStore) GetExact(ctx context.Context, op Operation, subjectID, normalizedText string, maxAge time.Duration) (*SemanticRecord, error) {
	cutoff := s.now().Add(-maxAge)

	query := `
		SELECT id, operation, subject_id, normalized_text, cache_key, value, computed_at, stale
		FROM semantic_records
		WHERE operation = $1 AND subject_id = $2 AND normalized_text = $3
		  AND stale = false AND computed_at >= $4
		ORDER BY computed_at DESC
		LIMIT 1`

	var rec SemanticRecord
	err := s.db.GetContext(ctx, &rec, query, op, subjectID, normalizedText, cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get exact record: %w", err)
	}
	return &rec, nil
}

// MarkStale flags all non-stale rows for the subject under the given
// operations. Rows stay in place so a later Insert can revive them.
func (s *SemanticStore) MarkStale(ctx context.Context, subjectID string, ops []Operation) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "cache.l3.mark_stale")
	defer span.End()

	if len(ops) == 0 {
		return 0, nil
	}
	opNames := make([]string, len(ops))
	for i, op := range ops {
		opNames[i] = string(op)
	}

	query := `
		UPDATE semantic_records
		SET stale = true
		WHERE subject_id = $1 AND operation = ANY($2) AND stale = false`

	res, err := s.db.ExecContext(ctx, query, subjectID, pq.Array(opNames))
	if err != nil {
		s.metrics.IncrementCounterWithLabels("cache.l3.errors", 1, map[string]string{"op": "mark_stale"})
		return 0, fmt.Errorf("mark records stale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if affected > 0 {
		s.logger.Debug("Marked semantic records stale", map[string]interface{}{
			"subject_id": subjectID,
			"operations": opNames,
			"rows":       affected,
		})
	}
	return affected, nil
}

// PruneStale deletes stale rows older than the retention window. This is
// housekeeping, not correctness: stale rows are already invisible to reads.
func (s *SemanticStore) PruneStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_records WHERE stale = true AND computed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune stale records: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// HealthCheck verifies connectivity and that the pgvector extension is
// installed.
func (s *SemanticStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", ErrTierUnavailable, err)
	}
	var installed bool
	err := s.db.GetContext(ctx, &installed,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')")
	if err != nil {
		return fmt.Errorf("%w: pgvector check: %v", ErrTierUnavailable, err)
	}
	if !installed {
		return fmt.Errorf("%w: pgvector extension not installed", ErrTierUnavailable)
	}
	return nil
}

func (s *SemanticStore) Close() error {
	return s.db.Close()
}
