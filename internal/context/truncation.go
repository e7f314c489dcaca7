package context

// Message is one conversation entry considered for truncation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`

	// Pinned messages are never truncated.
	Pinned bool `json:"pinned,omitempty"`

	// IsSystem marks system messages (e.g. a compaction summary), which are
	// kept like pinned ones.
	IsSystem bool `json:"is_system,omitempty"`
}

// TruncationResult reports what a truncation pass removed.
type TruncationResult struct {
	// Original message count
	OriginalCount int `json:"original_count"`

	// New message count after truncation
	NewCount int `json:"new_count"`

	// Messages removed
	RemovedCount int `json:"removed_count"`

	// Tokens freed
	TokensFreed int `json:"tokens_freed"`
}

// Truncator drops the oldest non-pinned, non-system messages until the
// estimated total fits a token budget.
type Truncator struct {
	maxTokens int
}

// NewTruncator creates a Truncator with the given token budget.
func NewTruncator(maxTokens int) *Truncator {
	return &Truncator{maxTokens: maxTokens}
}

// Truncate removes the oldest removable messages until the remainder fits
// the budget, preserving relative order. Messages with Tokens == 0 are
// estimated from their content.
func (t *Truncator) Truncate(messages []Message) ([]Message, *TruncationResult) {
	result := &TruncationResult{OriginalCount: len(messages)}

	totalTokens := 0
	for i := range messages {
		if messages[i].Tokens == 0 {
			messages[i].Tokens = EstimateTokens(messages[i].Content)
		}
		totalTokens += messages[i].Tokens
	}
	if totalTokens <= t.maxTokens {
		result.NewCount = len(messages)
		return messages, result
	}

	// Pinned and system messages always stay; everything else is a removal
	// candidate, oldest first.
	remaining := totalTokens
	removed := 0
	for _, msg := range messages {
		if remaining <= t.maxTokens {
			break
		}
		if msg.Pinned || msg.IsSystem {
			continue
		}
		remaining -= msg.Tokens
		result.TokensFreed += msg.Tokens
		removed++
	}
	result.RemovedCount = removed

	final := make([]Message, 0, len(messages)-removed)
	for _, msg := range messages {
		if !msg.Pinned && !msg.IsSystem && removed > 0 {
			removed--
			continue
		}
		final = append(final, msg)
	}

	result.NewCount = len(final)
	return final, result
}
