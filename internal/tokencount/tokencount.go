// Package tokencount estimates token counts for rate limiting prechecks and
// trial budgeting. It uses a character heuristic (~4 chars per token), which
// is close enough for limits; billed counts come from provider usage blocks.
package tokencount

import (
	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion
// request, including per-message formatting overhead.
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses a ~4 characters per token heuristic, a reasonable
// approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
