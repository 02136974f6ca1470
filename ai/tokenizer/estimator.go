// Package tokenizer provides approximate token counting for budget decisions.
package tokenizer

// Estimator estimates the token cost of text.
// Implementations must be deterministic and side-effect free; every
// token-budget decision in the conversation subsystem goes through this
// interface, so speed matters more than accuracy.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator approximates tokens with the common 4-characters-per-token
// heuristic, rounding up. Good enough for pruning thresholds, not for billing.
type CharEstimator struct{}

// NewCharEstimator creates a new character-based estimator.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{}
}

// Estimate returns ceil(len(text)/4). Empty text costs zero tokens.
func (e *CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateAll sums the estimate over multiple texts.
func (e *CharEstimator) EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}
