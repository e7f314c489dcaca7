package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelhq/conclave/internal/compaction"
)

// summaryPrompt instructs the light-tier model to compress history.
const summaryPrompt = `Summarize the conversation below into a compact brief a
future assistant turn can rely on. Keep: user goals and preferences, decisions
made, unresolved questions, and any facts the user stated about themselves.
Drop: greetings, filler, and tool output bodies.`

// Summarizer generates history-compaction summaries through the light model
// tier, implementing compaction.Summarizer.
type Summarizer struct {
	manager ProviderManager
	userID  string
}

// NewSummarizer builds a Summarizer. userID scopes provider selection (the
// manager is single-tenant, so any stable identifier works).
func NewSummarizer(manager ProviderManager, userID string) *Summarizer {
	return &Summarizer{manager: manager, userID: userID}
}

// GenerateSummary sends the messages to the light tier and returns its
// summary text.
func (s *Summarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	selection, err := s.manager.GetForUserTiered(ctx, s.userID, TierLight)
	if err != nil {
		return "", fmt.Errorf("llm: select summarization provider: %w", err)
	}

	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	system := summaryPrompt
	if config != nil && config.CustomInstructions != "" {
		system += "\n\n" + config.CustomInstructions
	}

	resp, err := selection.Provider.Chat(ctx, ChatRequest{
		Model:     selection.Model,
		System:    system,
		Messages:  []Message{{Role: RoleUser, Text: transcript.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("llm: generate summary: %w", err)
	}
	if resp.Text == "" {
		return "", fmt.Errorf("llm: empty summary from %s", selection.Provider.Name())
	}
	return resp.Text, nil
}
