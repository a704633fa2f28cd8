// Package tokens provides pluggable text-to-token estimators used to keep
// conversation context within budget. The budget is a soft bound, so the
// default counter is a cheap character heuristic; an encoding-accurate
// counter backed by tiktoken can be substituted where precision matters.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// Counter estimates token counts for text and messages.
type Counter interface {
	Count(text string) int
	CountMessages(messages []models.Message) int
}

const (
	// charsPerToken is the heuristic ratio of characters to tokens.
	charsPerToken = 4

	// perMessageOverhead approximates the fixed framing cost per message.
	perMessageOverhead = 4
)

// HeuristicCounter estimates tokens at roughly four characters per token
// plus a fixed per-message overhead.
type HeuristicCounter struct{}

// NewHeuristicCounter returns the default estimator.
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

// Count estimates the token count of a text fragment.
func (c *HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CountMessages estimates the total token count of a message list. Tool
// calls contribute their name plus JSON-serialized arguments.
func (c *HeuristicCounter) CountMessages(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(string(tc.ArgumentsJSON()))
		}
	}
	return total
}

// TiktokenCounter counts tokens with a real BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter builds a counter over the named encoding (for example
// "cl100k_base"). Loading an encoding touches the tiktoken cache, so
// construction can fail; callers typically fall back to the heuristic.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the exact token count of the text under the encoding.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages counts the messages under the encoding, with the same
// per-message overhead as the heuristic.
func (c *TiktokenCounter) CountMessages(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(string(tc.ArgumentsJSON()))
		}
	}
	return total
}
