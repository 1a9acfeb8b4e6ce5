package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizerCollapsesEquivalentPhrasings(t *testing.T) {
	n := NewTextNormalizer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "Show Me 3-Bedroom Homes", "show me 3-bedroom homes"},
		{"trim", "  hello world  ", "hello world"},
		{"collapse whitespace", "hello\t\n  world", "hello world"},
		{"strip punctuation", "what's the price?!", "what s the price"},
		{"keep hyphens", "3-bedroom, pet-friendly.", "3-bedroom pet-friendly"},
		{"empty", "", ""},
		{"punctuation only", "?!...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.Normalize(tt.input))
		})
	}
}

func TestNormalizerIsIdempotent(t *testing.T) {
	n := NewTextNormalizer()
	once := n.Normalize("  Looking for a 3-Bedroom in Austin!  ")
	assert.Equal(t, once, n.Normalize(once))
}
