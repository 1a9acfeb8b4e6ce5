// Package embedding provides text embedding providers used by the semantic
// cache tier. A Provider turns normalized text into a fixed-dimension vector
// suitable for cosine-similarity search.
package embedding

import (
	"context"
	"errors"
	"time"
)

// ErrProviderClosed is returned by operations on a closed provider.
var ErrProviderClosed = errors.New("embedding provider is closed")

// Provider generates embeddings for normalized text.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "mock").
	Name() string

	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of vectors produced by Embed.
	Dimensions() int

	// HealthCheck verifies the provider is reachable and functioning.
	HealthCheck(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// Config holds connection settings shared by remote providers.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	Endpoint       string        `mapstructure:"endpoint"`
	Model          string        `mapstructure:"model"`
	Dimensions     int           `mapstructure:"dimensions"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`

	// RequestsPerSecond caps outbound embedding calls. Zero disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst is the rate limiter burst size.
	Burst int `mapstructure:"burst"`
}
