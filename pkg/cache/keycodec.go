package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// numericPrecision is the decimal precision numeric inputs are rounded to
// before hashing, so float noise below it cannot split cache keys.
const numericPrecision = 4

// KeyCodec builds deterministic cache keys from lookup inputs. Identical
// normalized inputs always yield identical digests; inputs that cannot be
// serialized produce a KeyEncodingError, which forces a direct-compute
// bypass.
type KeyCodec struct {
	version    int
	normalizer TextNormalizer
}

// NewKeyCodec creates a codec minting keys under the given version.
func NewKeyCodec(version int) *KeyCodec {
	return &KeyCodec{
		version:    version,
		normalizer: NewTextNormalizer(),
	}
}

// ComputeKey normalizes the inputs (trim + lowercase text, round numbers,
// sort map keys) and hashes the canonical form together with the operation
// and subject.
func (c *KeyCodec) ComputeKey(op Operation, subjectID string, inputs map[string]interface{}) (CacheKey, error) {
	canonical, err := c.canonicalize(inputs)
	if err != nil {
		return CacheKey{}, &KeyEncodingError{Operation: op, Cause: err}
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", op, strings.TrimSpace(subjectID))
	h.Write(canonical)

	return CacheKey{
		Operation:   op,
		SubjectID:   strings.TrimSpace(subjectID),
		InputDigest: hex.EncodeToString(h.Sum(nil)),
		Version:     c.version,
	}, nil
}

// NormalizeText renders the inputs' text fields, sorted by field name, into
// the single normalized string used for L3 embedding.
func (c *KeyCodec) NormalizeText(inputs map[string]interface{}) string {
	keys := make([]string, 0, len(inputs))
	for k, v := range inputs {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if normalized := c.normalizer.Normalize(inputs[k].(string)); normalized != "" {
			parts = append(parts, normalized)
		}
	}
	return strings.Join(parts, " ")
}

// canonicalize produces the canonical JSON encoding of the normalized
// inputs. encoding/json sorts map keys, which gives the required
// deterministic field ordering.
func (c *KeyCodec) canonicalize(inputs map[string]interface{}) ([]byte, error) {
	normalized, err := c.normalizeValue(inputs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("inputs are not serializable: %w", err)
	}
	return data, nil
}

func (c *KeyCodec) normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return c.normalizer.Normalize(val), nil
	case bool:
		return val, nil
	case float64:
		return roundTo(val, numericPrecision), nil
	case float32:
		return roundTo(float64(val), numericPrecision), nil
	case int:
		return val, nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid numeric input %q: %w", val, err)
		}
		return roundTo(f, numericPrecision), nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			normalized, err := c.normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			normalized, err := c.normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[strings.TrimSpace(k)] = normalized
		}
		return out, nil
	default:
		// Unknown types must round-trip through JSON; anything that cannot
		// (channels, funcs, cycles) is a key-encoding failure.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("unsupported input type %T: %w", val, err)
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("unsupported input type %T: %w", val, err)
		}
		return c.normalizeValue(decoded)
	}
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow10(places)
	return math.Round(v*factor) / factor
}
