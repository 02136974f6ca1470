package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(role Role, content string, ts time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: ts}
}

func contentTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total
}

func TestOptimizer_Optimize_EmptyHistory(t *testing.T) {
	o := NewOptimizer(1000)
	assert.Empty(t, o.Optimize(nil, 100))
	assert.Empty(t, o.Optimize([]Message{}, 100))
}

func TestOptimizer_Optimize_FitsEntirely(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	history := []Message{
		msgAt(RoleUser, "hello", now),
		msgAt(RoleAssistant, "hi there", now),
		msgAt(RoleUser, "how are you?", now),
	}

	result := o.Optimize(history, 1000)
	assert.Equal(t, history, result)
}

func TestOptimizer_Optimize_BudgetBound(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	var history []Message
	for i := 0; i < 30; i++ {
		history = append(history, msgAt(RoleUser, strings.Repeat("a", 80), now.Add(time.Duration(i)*time.Second)))
	}

	const budget = 300
	result := o.Optimize(history, budget)

	// The 4-message recent window costs 80 tokens, well under budget, so
	// the result must respect the bound exactly.
	assert.LessOrEqual(t, contentTokens(result), budget)
	assert.NotEmpty(t, result)
}

func TestOptimizer_Optimize_RecentWindowAlwaysKept(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	var history []Message
	for i := 0; i < 10; i++ {
		history = append(history, msgAt(RoleUser, "message", now.Add(time.Duration(i)*time.Second)))
	}

	result := o.Optimize(history, 10)
	// Budget of 10 tokens covers 5 two-token messages, but the recent
	// window sum (8 tokens) is under budget, so the last four survive and
	// one older message may join.
	require.GreaterOrEqual(t, len(result), 4)
	tail := result[len(result)-4:]
	assert.Equal(t, history[6:], tail)
}

func TestOptimizer_Optimize_OverflowingWindowTruncatesOnly(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	old := msgAt(RoleUser, "ancient context that must never appear", now.Add(-time.Hour))
	var history []Message
	history = append(history, old)
	for i := 0; i < 4; i++ {
		history = append(history, msgAt(RoleAssistant, strings.Repeat("b", 400), now.Add(time.Duration(i)*time.Second)))
	}

	// Recent window alone costs 400 tokens; budget 150 forces truncation.
	result := o.Optimize(history, 150)

	require.NotEmpty(t, result)
	for _, m := range result {
		assert.NotEqual(t, old.Content, m.Content, "older message must never appear in a truncated window")
	}
	// Newest message (100 tokens) kept whole, the next one spliced.
	assert.False(t, result[len(result)-1].Truncated)
	assert.True(t, result[0].Truncated)
	assert.Contains(t, result[0].Content, "...[truncated]...")
}

func TestOptimizer_Optimize_TruncationKeepsValidUTF8(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	// 600 three-byte runes: the byte-count splice point never lands on a
	// rune boundary unless it is adjusted.
	history := []Message{
		msgAt(RoleUser, strings.Repeat("话", 600), now),
	}

	result := o.Optimize(history, 100)

	require.Len(t, result, 1)
	assert.True(t, result[0].Truncated)
	assert.True(t, utf8.ValidString(result[0].Content),
		"spliced content must not split a multi-byte rune")
	assert.Contains(t, result[0].Content, "...[truncated]...")
}

func TestOptimizer_Optimize_BudgetBelowFloorReturnsEmpty(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	history := []Message{
		msgAt(RoleUser, strings.Repeat("c", 4000), now),
	}

	// 10 tokens is under the 50-token splice floor and the single message
	// does not fit whole: nothing survives.
	assert.Empty(t, o.Optimize(history, 10))
}

func TestOptimizer_Optimize_GreedySelectionPrefersImportant(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	question := msgAt(RoleUser, "what is the plan?", now.Add(-time.Minute))
	filler := msgAt(RoleAssistant, strings.Repeat("d", 400), now.Add(-50*time.Minute))

	history := []Message{
		filler,
		question,
		msgAt(RoleUser, "a", now),
		msgAt(RoleAssistant, "b", now),
		msgAt(RoleUser, "c", now),
		msgAt(RoleAssistant, "d", now),
	}

	// Budget covers the recent window plus the question but not the filler.
	result := o.Optimize(history, 20)

	require.Len(t, result, 5)
	assert.Equal(t, question, result[0], "selected older messages keep chronological position")
}

func TestOptimizer_Optimize_KeptOlderMessagesStayChronological(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	var history []Message
	for i := 0; i < 8; i++ {
		history = append(history, msgAt(RoleUser, "msg", now.Add(time.Duration(i)*time.Second)))
	}

	result := o.Optimize(history, 1000)
	for i := 1; i < len(result); i++ {
		assert.False(t, result[i].Timestamp.Before(result[i-1].Timestamp))
	}
}

func TestOptimizer_Deduplicate(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()

	t.Run("adjacent exact duplicates dropped", func(t *testing.T) {
		history := []Message{
			msgAt(RoleUser, "hi", now),
			msgAt(RoleUser, "hi", now.Add(time.Second)),
			msgAt(RoleAssistant, "hello", now.Add(2*time.Second)),
		}
		result := o.Deduplicate(history)
		require.Len(t, result, 2)
		assert.Equal(t, RoleUser, result[0].Role)
		assert.Equal(t, RoleAssistant, result[1].Role)
	})

	t.Run("non-adjacent repeats preserved", func(t *testing.T) {
		history := []Message{
			msgAt(RoleUser, "hi", now),
			msgAt(RoleAssistant, "hello", now.Add(time.Second)),
			msgAt(RoleUser, "hi", now.Add(2*time.Second)),
		}
		result := o.Deduplicate(history)
		assert.Len(t, result, 3, "a repeat separated by another message is intentional traffic")
	})

	t.Run("first message always kept", func(t *testing.T) {
		history := []Message{msgAt(RoleUser, "only", now)}
		assert.Equal(t, history, o.Deduplicate(history))
	})

	t.Run("idempotent", func(t *testing.T) {
		history := []Message{
			msgAt(RoleUser, "a", now),
			msgAt(RoleUser, "a", now),
			msgAt(RoleUser, "a", now),
			msgAt(RoleAssistant, "b", now),
			msgAt(RoleAssistant, "b", now),
		}
		once := o.Deduplicate(history)
		twice := o.Deduplicate(once)
		assert.Equal(t, once, twice)
		assert.Len(t, once, 2)
	})

	t.Run("empty history", func(t *testing.T) {
		assert.Empty(t, o.Deduplicate(nil))
	})
}

func TestOptimizer_Summarize(t *testing.T) {
	o := NewOptimizer(1000)
	now := time.Now()
	ctx := context.Background()

	makeHistory := func(n int) []Message {
		var h []Message
		for i := 0; i < n; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			h = append(h, msgAt(role, "message content", now.Add(time.Duration(i)*time.Second)))
		}
		return h
	}

	t.Run("short history unchanged", func(t *testing.T) {
		history := makeHistory(9)
		result, source := o.Summarize(ctx, history, func(context.Context, string) (string, error) {
			t.Fatal("summarizer must not be called for short histories")
			return "", nil
		})
		assert.Equal(t, SourceUnchanged, source)
		assert.Equal(t, history, result)
	})

	t.Run("long history summarized", func(t *testing.T) {
		history := makeHistory(12)
		var seen string
		result, source := o.Summarize(ctx, history, func(_ context.Context, transcript string) (string, error) {
			seen = transcript
			return "they talked", nil
		})

		assert.Equal(t, SourceSummarized, source)
		require.Len(t, result, 7)

		summary := result[0]
		assert.Equal(t, RoleSystem, summary.Role)
		assert.True(t, summary.IsSummary)
		assert.Equal(t, "Previous conversation summary: they talked", summary.Content)
		assert.Equal(t, history[6:], result[1:])

		// The transcript covers exactly the summarized head, role-prefixed.
		assert.Equal(t, 6, strings.Count(seen, "\n"))
		assert.True(t, strings.HasPrefix(seen, "user: message content"))
	})

	t.Run("summarizer failure falls back to optimize", func(t *testing.T) {
		history := makeHistory(12)
		result, source := o.Summarize(ctx, history, func(context.Context, string) (string, error) {
			return "", errors.New("model unavailable")
		})

		assert.Equal(t, SourceFallback, source)
		assert.NotEmpty(t, result)
		for _, m := range result {
			assert.False(t, m.IsSummary, "fallback must not fabricate a summary entry")
		}
	})
}
