package cache

import (
	"regexp"
	"strings"
)

// TextNormalizer preprocesses free text so equivalent phrasings of the same
// input produce the same normalized form. The same normalization feeds both
// key digests and L3 embeddings; paraphrase tolerance is handled by the
// embedding distance, not here.
type TextNormalizer interface {
	Normalize(text string) string
}

type defaultNormalizer struct {
	whitespaceRegex  *regexp.Regexp
	punctuationRegex *regexp.Regexp
}

// NewTextNormalizer returns the standard normalizer: lowercase, trim,
// collapse whitespace, strip punctuation except hyphens.
func NewTextNormalizer() TextNormalizer {
	return &defaultNormalizer{
		whitespaceRegex:  regexp.MustCompile(`\s+`),
		punctuationRegex: regexp.MustCompile(`[^\w\s-]`),
	}
}

func (n *defaultNormalizer) Normalize(text string) string {
	if text == "" {
		return ""
	}

	normalized := strings.ToLower(text)
	normalized = n.punctuationRegex.ReplaceAllString(normalized, " ")
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}
