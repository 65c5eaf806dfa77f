package llm

import (
	"math"
	"strings"
)

// EstimateTokens approximates the token count of text as four tokens per
// three whitespace-separated words.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) * 4 / 3))
}

// EstimateMessages sums EstimateTokens over the content of messages.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Cost returns the estimated price in USD of a completion with the given
// prompt and completion token counts. gpt-4 family models are priced at
// 0.03/0.06 per thousand tokens, every other model at 0.002/0.002.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p, c := 0.002, 0.002
	if strings.HasPrefix(model, "gpt-4") {
		p, c = 0.03, 0.06
	}
	return p*float64(promptTokens)/1000 + c*float64(completionTokens)/1000
}
