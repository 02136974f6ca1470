package conversation

import "strings"

// JaccardThreshold is the word-set overlap ratio above which two messages
// of the same role count as near-duplicates.
const JaccardThreshold = 0.9

// SimilarityScorer detects near-duplicate messages.
type SimilarityScorer struct{}

// NewSimilarityScorer creates a new scorer.
func NewSimilarityScorer() *SimilarityScorer {
	return &SimilarityScorer{}
}

// Similar reports whether two messages are near-duplicates.
// Messages with different roles are never similar. Contents are normalized
// (lowercased, trimmed) before comparison; an exact normalized match is
// similar, otherwise word-set Jaccard similarity must exceed the threshold.
func (s *SimilarityScorer) Similar(a, b Message) bool {
	if a.Role != b.Role {
		return false
	}

	na := normalizeContent(a.Content)
	nb := normalizeContent(b.Content)
	if na == nb {
		return true
	}

	setA := wordSet(na)
	setB := wordSet(nb)

	// Both empty after tokenization: the union is empty, and the exact-match
	// branch above already handled equal strings. Not similar.
	if len(setA) == 0 && len(setB) == 0 {
		return false
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return false
	}

	return float64(intersection)/float64(union) > JaccardThreshold
}

func normalizeContent(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}

func wordSet(normalized string) map[string]struct{} {
	words := strings.Fields(normalized)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
