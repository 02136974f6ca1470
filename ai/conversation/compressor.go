package conversation

import (
	"fmt"
	"math"

	"github.com/hrygo/converse/ai/tokenizer"
)

// compressedTemplate is the canonical persona prompt. Compression is a
// deliberate constant-factor reduction: only the agent name survives from
// the original prompt, nothing is summarized semantically.
const compressedTemplate = `You are %s, a helpful assistant.
Answer concisely and stay on topic.
Use the conversation history for context.
Reply in the user's language.`

// CompressionResult reports the outcome of a prompt compression.
type CompressionResult struct {
	Compressed       string
	OriginalTokens   int
	CompressedTokens int
	SavingsPercent   int
}

// PromptCompressor reduces a system/persona prompt to a compact canonical
// form so the per-request prompt overhead stays constant regardless of how
// verbose the configured persona is.
type PromptCompressor struct {
	estimator *tokenizer.CharEstimator
}

// NewPromptCompressor creates a new compressor.
func NewPromptCompressor() *PromptCompressor {
	return &PromptCompressor{estimator: tokenizer.NewCharEstimator()}
}

// Compress replaces originalPrompt with the four-line canonical template
// embedding agentName. An empty original prompt reports 0% savings rather
// than dividing by zero.
func (c *PromptCompressor) Compress(originalPrompt, agentName string) CompressionResult {
	compressed := fmt.Sprintf(compressedTemplate, agentName)

	originalTokens := c.estimator.Estimate(originalPrompt)
	compressedTokens := c.estimator.Estimate(compressed)

	savings := 0
	if originalTokens > 0 {
		savings = int(math.Round((1 - float64(compressedTokens)/float64(originalTokens)) * 100))
	}

	return CompressionResult{
		Compressed:       compressed,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		SavingsPercent:   savings,
	}
}
