package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation identifies a cacheable computation in the conversational
// pipeline. Each operation maps to a TTL class and may be semantic-eligible
// or cache-bypassing via configuration.
type Operation string

// Known operations.
const (
	OpIntentClassification Operation = "intent_classification"
	OpLeadScoring          Operation = "lead_scoring"
	OpResponseTemplate     Operation = "response_template"
	OpConversationMemory   Operation = "conversation_memory"
	OpMarketContext        Operation = "market_context"

	// OpGenerativeReply is free-form generated text. It always bypasses the
	// cache: generation is non-deterministic and a near-duplicate match could
	// serve another persona's output.
	OpGenerativeReply Operation = "generative_reply"
)

// Tier identifies where a lookup was resolved.
type Tier string

// Cache tiers, fastest first. TierMiss means the value was computed.
const (
	TierL1   Tier = "L1"
	TierL2   Tier = "L2"
	TierL3   Tier = "L3"
	TierMiss Tier = "MISS"
)

// CacheKey is the deterministic identity of a cached result. Version changes
// invalidate every key minted under a previous configuration without a
// storage migration.
type CacheKey struct {
	Operation   Operation `json:"operation"`
	SubjectID   string    `json:"subject_id"`
	InputDigest string    `json:"input_digest"`
	Version     int       `json:"version"`
}

// String renders the Redis key for this CacheKey.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:v%d:%s:%s:%s", keyPrefix, k.Version, k.Operation, k.SubjectID, k.InputDigest)
}

// subjectScope renders the key prefix shared by every entry for an
// (operation, subject) pair, used for scan-based invalidation.
func subjectScope(version int, op Operation, subjectID string) string {
	return fmt.Sprintf("%s:v%d:%s:%s:", keyPrefix, version, op, subjectID)
}

// keyPrefix namespaces every Redis key written by this module.
const keyPrefix = "responsecache"

// CacheEntry is a cached result plus its provenance. TTL is fixed when the
// entry is written and never extended by reads.
type CacheEntry struct {
	Key        CacheKey        `json:"key"`
	Value      json.RawMessage `json:"value"`
	ComputedAt time.Time       `json:"computed_at"`
	TTLClass   string          `json:"ttl_class"`
	TTL        time.Duration   `json:"ttl"`
	SourceTier Tier            `json:"source_tier"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// Expired entries are treated as misses on every tier, even if the backing
// store has not evicted them yet.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.ComputedAt.Add(e.TTL))
}

// LookupResult is the outcome of a LookupOrCompute call. Tier distinguishes
// exact hits (L1/L2), semantic hits (L3, with Similarity set), and computes
// (MISS) so callers sensitive to match quality can branch on it.
type LookupResult struct {
	Value      json.RawMessage `json:"value"`
	Hit        bool            `json:"hit"`
	Tier       Tier            `json:"tier"`
	Similarity float32         `json:"similarity,omitempty"`
	Key        CacheKey        `json:"key"`
}

// ComputeFunc produces the value on a cache miss. It receives the caller's
// original (un-normalized) inputs.
type ComputeFunc func(ctx context.Context, inputs map[string]interface{}) (json.RawMessage, error)

// SemanticRecord is an L3 row: an embedded input with its cached result.
// Records are append-only; invalidation sets Stale instead of deleting, and
// a later compute for the same (operation, subject, normalized text) revives
// the row in place.
type SemanticRecord struct {
	ID             uuid.UUID `db:"id"`
	Operation      Operation `db:"operation"`
	SubjectID      string    `db:"subject_id"`
	NormalizedText string    `db:"normalized_text"`
	CacheKey       string    `db:"cache_key"`
	Value          []byte    `db:"value"`
	Embedding      []float32 `db:"-"`
	Stale          bool      `db:"stale"`
	ComputedAt     time.Time `db:"computed_at"`
}

// SimilarRecord is a semantic lookup candidate with its cosine similarity.
type SimilarRecord struct {
	CacheKey       string    `db:"cache_key"`
	NormalizedText string    `db:"normalized_text"`
	Value          []byte    `db:"value"`
	Similarity     float32   `db:"similarity"`
	ComputedAt     time.Time `db:"computed_at"`
}

// InvalidationEvent describes a subject state transition that purges cached
// results. EventID is the event's identity: applying the same event twice is
// a no-op after the first application.
type InvalidationEvent struct {
	EventID            uuid.UUID   `json:"event_id"`
	SubjectID          string      `json:"subject_id"`
	NewState           string      `json:"new_state"`
	Reason             string      `json:"reason,omitempty"`
	AffectedOperations []Operation `json:"affected_operations"`
	Timestamp          time.Time   `json:"timestamp"`
}

// Embedder turns normalized text into a vector for L3 similarity search.
// pkg/embedding provides implementations.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
