package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hrygo/converse/ai/tokenizer"
)

const (
	// recentWindowSize is the tail of the history that is never dropped by
	// importance ranking. It can still be truncated when it alone exceeds
	// the budget.
	recentWindowSize = 4

	// truncationFloor is the minimum remaining token budget worth splicing
	// a partial message for. Below this, older content is discarded outright.
	truncationFloor = 50

	// truncationMarker is spliced between the kept halves of a cut message.
	truncationMarker = "...[truncated]..."

	// summarizeMinHistory is the history length below which summarization
	// is not worth an external call.
	summarizeMinHistory = 10

	// summarizeKeepTail is how many recent messages survive summarization
	// verbatim.
	summarizeKeepTail = 6

	// summaryPrefix prefixes the synthetic summary message content.
	summaryPrefix = "Previous conversation summary: "
)

// SummarizeFunc condenses a plain-text transcript into a short summary.
// Typically backed by an LLM call.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// SummarizeSource records which branch produced a summarization result.
type SummarizeSource string

const (
	// SourceUnchanged means the history was too short to summarize.
	SourceUnchanged SummarizeSource = "unchanged"
	// SourceSummarized means the external summarizer succeeded.
	SourceSummarized SummarizeSource = "summarized"
	// SourceFallback means the summarizer failed and Optimize was applied
	// to the full history instead.
	SourceFallback SummarizeSource = "fallback_optimize"
)

// Optimizer prunes, truncates and deduplicates conversation histories so
// they fit a token budget. All operations take and return working copies;
// the only in-place mutation is setting Truncated on a spliced message.
type Optimizer struct {
	estimator *tokenizer.CharEstimator
	ranker    *ImportanceRanker
	scorer    *SimilarityScorer

	// fallbackBudget is the token budget used when Summarize has to fall
	// back to Optimize.
	fallbackBudget int
}

// NewOptimizer creates an optimizer with the given fallback token budget.
func NewOptimizer(fallbackBudget int) *Optimizer {
	if fallbackBudget <= 0 {
		fallbackBudget = 2000
	}
	return &Optimizer{
		estimator:      tokenizer.NewCharEstimator(),
		ranker:         NewImportanceRanker(),
		scorer:         NewSimilarityScorer(),
		fallbackBudget: fallbackBudget,
	}
}

// Optimize returns a subset of history whose content token sum fits
// maxTokens. The last four messages are always reserved; older messages are
// admitted greedily in importance order. When even the reserved tail
// overflows the budget, it is truncated newest-first and older messages are
// dropped entirely. Optimize never fails; the worst case is an empty slice.
func (o *Optimizer) Optimize(history []Message, maxTokens int) []Message {
	if len(history) == 0 {
		return nil
	}

	recent := history
	var older []Message
	if len(history) > recentWindowSize {
		older = history[:len(history)-recentWindowSize]
		recent = history[len(history)-recentWindowSize:]
	}

	recentTokens := o.sumTokens(recent)
	if recentTokens >= maxTokens {
		return o.truncate(recent, maxTokens)
	}

	// Rank older messages by importance, stable on ties so behavior is
	// deterministic, then admit greedily until the first overflow.
	type candidate struct {
		index int
		score float64
	}
	candidates := make([]candidate, len(older))
	for i, m := range older {
		candidates[i] = candidate{index: i, score: o.ranker.Score(m)}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	running := recentTokens
	selected := make([]bool, len(older))
	for _, c := range candidates {
		cost := o.estimator.Estimate(older[c.index].Content)
		if running+cost > maxTokens {
			// First candidate over budget ends the scan. No backtracking:
			// a cheaper later candidate is never substituted in.
			break
		}
		selected[c.index] = true
		running += cost
	}

	result := make([]Message, 0, len(older)+len(recent))
	for i, keep := range selected {
		if keep {
			result = append(result, older[i])
		}
	}
	result = append(result, recent...)
	return result
}

// truncate keeps whole messages newest-to-oldest while they fit, splices
// the first overflowing message when at least truncationFloor tokens
// remain, and discards everything older.
func (o *Optimizer) truncate(messages []Message, maxTokens int) []Message {
	var kept []Message
	remaining := maxTokens

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		cost := o.estimator.Estimate(m.Content)

		if cost <= remaining {
			kept = append([]Message{m}, kept...)
			remaining -= cost
			continue
		}

		if remaining >= truncationFloor {
			half := remaining * 4 / 2
			if half*2 > len(m.Content) {
				half = len(m.Content) / 2
			}
			head := runeSafeIndex(m.Content, half)
			tail := runeSafeIndex(m.Content, len(m.Content)-half)
			m.Content = m.Content[:head] + truncationMarker + m.Content[tail:]
			m.Truncated = true
			kept = append([]Message{m}, kept...)
		}
		break
	}

	return kept
}

// runeSafeIndex backs i off to the nearest rune start so slicing at the
// returned index never splits a multi-byte character.
func runeSafeIndex(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// Deduplicate removes consecutive near-duplicate messages. Only adjacent
// repeats are dropped; a repeat separated by any other message is kept on
// purpose, since it usually signals the user re-asking after an
// unsatisfying answer. The first message is always kept. Idempotent.
func (o *Optimizer) Deduplicate(history []Message) []Message {
	if len(history) == 0 {
		return nil
	}

	result := make([]Message, 0, len(history))
	result = append(result, history[0])
	for _, m := range history[1:] {
		if o.scorer.Similar(m, result[len(result)-1]) {
			continue
		}
		result = append(result, m)
	}
	return result
}

// Summarize replaces everything but the most recent tail with a single
// synthetic summary message produced by fn. Histories shorter than ten
// messages are returned unchanged. When fn fails, the full original history
// is run through Optimize instead of propagating the error, and the source
// reports the fallback so callers and tests can tell the branches apart.
func (o *Optimizer) Summarize(ctx context.Context, history []Message, fn SummarizeFunc) ([]Message, SummarizeSource) {
	if len(history) < summarizeMinHistory {
		return history, SourceUnchanged
	}

	split := len(history) - summarizeKeepTail
	head := history[:split]
	tail := history[split:]

	var sb strings.Builder
	for _, m := range head {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	summary, err := fn(ctx, sb.String())
	if err != nil {
		slog.Warn("conversation: summarization failed, optimizing instead",
			"history_len", len(history), "error", err)
		return o.Optimize(history, o.fallbackBudget), SourceFallback
	}

	result := make([]Message, 0, len(tail)+1)
	result = append(result, Message{
		Role:      RoleSystem,
		Content:   summaryPrefix + summary,
		Timestamp: head[len(head)-1].Timestamp,
		IsSummary: true,
	})
	result = append(result, tail...)
	return result, SourceSummarized
}

func (o *Optimizer) sumTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += o.estimator.Estimate(m.Content)
	}
	return total
}
