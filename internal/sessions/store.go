// Package sessions implements the Orchestrator's ContextStore: an in-memory,
// (userID, channel)-keyed conversation history with capacity trimming and
// summarization-based compaction.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/conclave/internal/compaction"
	"github.com/kestrelhq/conclave/pkg/models"
)

// maxMessagesPerKey caps how much history one (userID, channel) pair keeps in
// memory; beyond this, the oldest messages are trimmed on append.
const maxMessagesPerKey = 1000

// keepTailOnCompact is how many of the most recent messages Compact leaves
// untouched, replacing everything older with a single summary message.
const keepTailOnCompact = 10

// Store is an in-memory ContextStore, grounded on the teacher's
// sessions.MemoryStore deep-clone discipline but simplified to a flat
// (userID, channel) keyspace with no separate Session entity, matching
// spec.md's single-tenant scope.
type Store struct {
	mu       sync.Mutex
	messages map[string][]*models.Message
	now      func() time.Time
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		messages: make(map[string][]*models.Message),
		now:      time.Now,
	}
}

// WithNow overrides the store's clock for deterministic tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Load returns a defensive copy of the stored history for (userID, channel).
func (s *Store) Load(ctx context.Context, userID string, channel models.ChannelType) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.SessionKey(userID, channel)
	history := s.messages[key]
	out := make([]*models.Message, len(history))
	for i, msg := range history {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

// Append adds msg to (userID, channel)'s history, assigning an ID and
// timestamp if unset, and trims the oldest entries past maxMessagesPerKey.
func (s *Store) Append(ctx context.Context, userID string, channel models.ChannelType, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("sessions: message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.SessionKey(userID, channel)
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.SessionID == "" {
		clone.SessionID = key
	}
	if clone.Channel == "" {
		clone.Channel = channel
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}

	history := append(s.messages[key], clone)
	if len(history) > maxMessagesPerKey {
		history = history[len(history)-maxMessagesPerKey:]
	}
	s.messages[key] = history
	return nil
}

// Compact summarizes everything but the most recent keepTailOnCompact
// messages into a single leading system message, bounding context growth for
// long-running conversations. A history at or below the tail size is a
// no-op.
func (s *Store) Compact(ctx context.Context, userID string, channel models.ChannelType, summarizer compaction.Summarizer) error {
	if summarizer == nil {
		return fmt.Errorf("sessions: summarizer is required")
	}

	s.mu.Lock()
	key := models.SessionKey(userID, channel)
	history := s.messages[key]
	if len(history) <= keepTailOnCompact {
		s.mu.Unlock()
		return nil
	}
	splitAt := len(history) - keepTailOnCompact
	toCompact := history[:splitAt]
	tail := history[splitAt:]
	s.mu.Unlock()

	cfg := compaction.DefaultSummarizationConfig()
	summary, err := compaction.SummarizeWithFallback(ctx, toCompactionMessages(toCompact), summarizer, cfg)
	if err != nil {
		return fmt.Errorf("sessions: compact history: %w", err)
	}

	summaryMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: key,
		Channel:   channel,
		Role:      models.RoleSystem,
		Content:   "Summary of earlier conversation:\n" + summary,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rebuilt := make([]*models.Message, 0, len(tail)+1)
	rebuilt = append(rebuilt, summaryMsg)
	rebuilt = append(rebuilt, tail...)
	s.messages[key] = rebuilt
	return nil
}

func toCompactionMessages(history []*models.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, &compaction.Message{
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.CreatedAt.Unix(),
			ID:        msg.ID,
			Metadata:  msg.Metadata,
		})
	}
	return out
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	default:
		return v
	}
}
