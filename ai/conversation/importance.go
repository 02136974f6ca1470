package conversation

import (
	"strings"
	"time"
)

// ImportanceRanker scores how much a history entry is worth retaining.
// Scores only order candidates for greedy inclusion during optimization;
// the absolute values carry no meaning outside that comparison.
type ImportanceRanker struct {
	now func() time.Time
}

// NewImportanceRanker creates a ranker using the wall clock.
func NewImportanceRanker() *ImportanceRanker {
	return &ImportanceRanker{now: time.Now}
}

// Score returns the retention priority of a message; higher keeps longer.
//
// Additive rubric:
//   - user messages anchor context: +10
//   - questions tend to pair with answers worth keeping: +5
//   - short content is cheap to keep (+3); very long content is expensive (-2)
//   - recency: <5min +5, 5-30min +2, older +0
func (r *ImportanceRanker) Score(m Message) float64 {
	score := 0.0

	if m.Role == RoleUser {
		score += 10
	}
	if strings.Contains(m.Content, "?") {
		score += 5
	}

	switch n := len(m.Content); {
	case n < 100:
		score += 3
	case n > 500:
		score -= 2
	}

	switch age := r.now().Sub(m.Timestamp); {
	case age < 5*time.Minute:
		score += 5
	case age < 30*time.Minute:
		score += 2
	}

	return score
}
