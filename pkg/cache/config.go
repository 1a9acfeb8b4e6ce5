package cache

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config controls cache behavior across all tiers. Use DefaultConfig for
// production-ready settings, then override individual fields or load
// overrides from viper with LoadConfigFromViper.
type Config struct {
	// KeyVersion is baked into every cache key. Bump it when a TTL class or
	// normalization rule changes so old entries become unreachable without a
	// storage migration.
	KeyVersion int `mapstructure:"key_version"`

	// TTLByOperation fixes each operation's expiry at write time.
	TTLByOperation map[Operation]time.Duration `mapstructure:"ttl_by_operation"`

	// L1Capacity bounds the in-process LRU entry count.
	L1Capacity int `mapstructure:"l1_capacity"`

	// L1TTL bounds how long an entry may live in L1. It also bounds the
	// cross-process staleness window, since L1 is never purged remotely.
	L1TTL time.Duration `mapstructure:"l1_ttl"`

	// SimilarityThreshold is the minimum cosine similarity for an L3 hit,
	// inclusive.
	SimilarityThreshold float32 `mapstructure:"similarity_threshold"`

	// MaxCandidates caps the L3 similarity search result set.
	MaxCandidates int `mapstructure:"max_candidates"`

	// LockTTL is the hard expiry on the per-key stampede lock. A crashed
	// holder can delay other callers for at most this long.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// LockMaxRetries bounds how many times a lock loser polls for the
	// winner's write before computing independently.
	LockMaxRetries int `mapstructure:"lock_max_retries"`

	// LockRetryInterval is the base delay between lock-loser polls.
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`

	// SemanticEligible lists operations whose results may be served across
	// paraphrased inputs. Free-form generative text must never appear here.
	SemanticEligible []Operation `mapstructure:"semantic_eligible"`

	// BypassOperations always compute directly (streaming, tool use,
	// external mutable state).
	BypassOperations []Operation `mapstructure:"bypass_operations"`

	// ProviderCostByOperation estimates the provider cost in USD of one
	// compute, used for the cost-avoidance metric.
	ProviderCostByOperation map[Operation]float64 `mapstructure:"provider_cost_by_operation"`

	// InvalidationRules maps a new subject state to the operations whose
	// cached results it invalidates. The "*" rule applies to every state
	// transition.
	InvalidationRules map[string][]Operation `mapstructure:"invalidation_rules"`

	// EmbeddingDimensions must match the pgvector column dimensionality.
	EmbeddingDimensions int `mapstructure:"embedding_dimensions"`
}

// DefaultConfig returns the production defaults. TTL classes follow the
// original pipeline: intents stay fresh for minutes, market context for an
// hour.
func DefaultConfig() *Config {
	return &Config{
		KeyVersion: 1,
		TTLByOperation: map[Operation]time.Duration{
			OpIntentClassification: 5 * time.Minute,
			OpLeadScoring:          15 * time.Minute,
			OpResponseTemplate:     30 * time.Minute,
			OpConversationMemory:   10 * time.Minute,
			OpMarketContext:        60 * time.Minute,
		},
		L1Capacity:          1000,
		L1TTL:               30 * time.Second,
		SimilarityThreshold: 0.92,
		MaxCandidates:       10,
		LockTTL:             10 * time.Second,
		LockMaxRetries:      2,
		LockRetryInterval:   100 * time.Millisecond,
		SemanticEligible: []Operation{
			OpIntentClassification,
			OpLeadScoring,
			OpResponseTemplate,
		},
		BypassOperations: []Operation{
			OpGenerativeReply,
		},
		ProviderCostByOperation: map[Operation]float64{
			OpIntentClassification: 0.002,
			OpLeadScoring:          0.004,
			OpResponseTemplate:     0.003,
			OpConversationMemory:   0.001,
			OpMarketContext:        0.008,
		},
		InvalidationRules: map[string][]Operation{
			// Every state transition invalidates the score; terminal states
			// also drop templates and memory.
			"*":            {OpLeadScoring},
			"closed":       {OpLeadScoring, OpResponseTemplate, OpConversationMemory},
			"unsubscribed": {OpLeadScoring, OpResponseTemplate, OpConversationMemory},
		},
		EmbeddingDimensions: 1536,
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be between 0 and 1", ErrInvalidConfig)
	}
	if c.L1Capacity <= 0 {
		return fmt.Errorf("%w: l1 capacity must be positive", ErrInvalidConfig)
	}
	if c.L1TTL <= 0 {
		return fmt.Errorf("%w: l1 ttl must be positive", ErrInvalidConfig)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalidConfig)
	}
	if c.KeyVersion <= 0 {
		return fmt.Errorf("%w: key version must be positive", ErrInvalidConfig)
	}
	for op, ttl := range c.TTLByOperation {
		if ttl <= 0 {
			return fmt.Errorf("%w: ttl for %s must be positive", ErrInvalidConfig, op)
		}
	}
	for _, op := range c.SemanticEligible {
		if c.IsBypass(op) {
			return fmt.Errorf("%w: %s cannot be both bypassed and semantic-eligible", ErrInvalidConfig, op)
		}
	}
	return nil
}

// TTLFor returns the TTL class duration for an operation. Operations without
// an explicit class fall back to five minutes.
func (c *Config) TTLFor(op Operation) time.Duration {
	if ttl, ok := c.TTLByOperation[op]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// IsSemanticEligible reports whether an operation's results may be served
// across paraphrased inputs.
func (c *Config) IsSemanticEligible(op Operation) bool {
	for _, eligible := range c.SemanticEligible {
		if eligible == op {
			return true
		}
	}
	return false
}

// IsBypass reports whether an operation always computes directly.
func (c *Config) IsBypass(op Operation) bool {
	for _, bypass := range c.BypassOperations {
		if bypass == op {
			return true
		}
	}
	return false
}

// OperationsForState returns the operations invalidated by a transition to
// newState: the wildcard rule plus any state-specific rule, deduplicated.
func (c *Config) OperationsForState(newState string) []Operation {
	seen := make(map[Operation]bool)
	var ops []Operation
	for _, op := range c.InvalidationRules["*"] {
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	for _, op := range c.InvalidationRules[newState] {
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	return ops
}

// CostFor returns the estimated provider cost in USD of computing an
// operation once.
func (c *Config) CostFor(op Operation) float64 {
	return c.ProviderCostByOperation[op]
}

// LoadConfigFromViper overlays settings from the "cache." configuration
// namespace onto the defaults.
func LoadConfigFromViper(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()

	if v.IsSet("cache.key_version") {
		config.KeyVersion = v.GetInt("cache.key_version")
	}
	if v.IsSet("cache.l1_capacity") {
		config.L1Capacity = v.GetInt("cache.l1_capacity")
	}
	if v.IsSet("cache.l1_ttl") {
		config.L1TTL = v.GetDuration("cache.l1_ttl")
	}
	if v.IsSet("cache.similarity_threshold") {
		config.SimilarityThreshold = float32(v.GetFloat64("cache.similarity_threshold"))
	}
	if v.IsSet("cache.max_candidates") {
		config.MaxCandidates = v.GetInt("cache.max_candidates")
	}
	if v.IsSet("cache.lock_ttl") {
		config.LockTTL = v.GetDuration("cache.lock_ttl")
	}
	if v.IsSet("cache.lock_max_retries") {
		config.LockMaxRetries = v.GetInt("cache.lock_max_retries")
	}
	if v.IsSet("cache.lock_retry_interval") {
		config.LockRetryInterval = v.GetDuration("cache.lock_retry_interval")
	}
	if v.IsSet("cache.embedding_dimensions") {
		config.EmbeddingDimensions = v.GetInt("cache.embedding_dimensions")
	}

	if v.IsSet("cache.ttl_by_operation") {
		ttls := make(map[Operation]time.Duration)
		for name := range v.GetStringMap("cache.ttl_by_operation") {
			ttls[Operation(name)] = v.GetDuration("cache.ttl_by_operation." + name)
		}
		config.TTLByOperation = ttls
	}

	if v.IsSet("cache.semantic_eligible") {
		var ops []Operation
		for _, name := range v.GetStringSlice("cache.semantic_eligible") {
			ops = append(ops, Operation(name))
		}
		config.SemanticEligible = ops
	}

	if v.IsSet("cache.bypass_operations") {
		var ops []Operation
		for _, name := range v.GetStringSlice("cache.bypass_operations") {
			ops = append(ops, Operation(name))
		}
		config.BypassOperations = ops
	}

	if v.IsSet("cache.invalidation_rules") {
		rules := make(map[string][]Operation)
		for state := range v.GetStringMap("cache.invalidation_rules") {
			var ops []Operation
			for _, name := range v.GetStringSlice("cache.invalidation_rules." + state) {
				ops = append(ops, Operation(name))
			}
			rules[state] = ops
		}
		config.InvalidationRules = rules
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
