package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/conclave/internal/compaction"
	"github.com/kestrelhq/conclave/pkg/models"
)

type stubSummarizer struct{}

func (stubSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	return "stub summary", nil
}

func TestStoreAppendAndLoad(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if err := s.Append(ctx, "u1", "slack", &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "u1", "slack", &models.Message{Role: models.RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	history, err := s.Load(ctx, "u1", "slack")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].ID == "" {
		t.Error("expected generated ID")
	}

	other, err := s.Load(ctx, "u1", "discord")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected isolated history per channel, got %d messages", len(other))
	}
}

func TestStoreLoadReturnsDefensiveCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_ = s.Append(ctx, "u1", "slack", &models.Message{Role: models.RoleUser, Content: "hi"})

	history, _ := s.Load(ctx, "u1", "slack")
	history[0].Content = "mutated"

	again, _ := s.Load(ctx, "u1", "slack")
	if again[0].Content != "hi" {
		t.Errorf("Load should return a copy, got mutated content %q", again[0].Content)
	}
}

func TestStoreCompactNoopUnderTail(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = s.Append(ctx, "u1", "slack", &models.Message{Role: models.RoleUser, Content: "msg"})
	}

	if err := s.Compact(ctx, "u1", "slack", stubSummarizer{}); err != nil {
		t.Fatalf("compact: %v", err)
	}
	history, _ := s.Load(ctx, "u1", "slack")
	if len(history) != 3 {
		t.Errorf("compact under tail threshold should be a no-op, got %d messages", len(history))
	}
}

func TestStoreCompactSummarizesOlderMessages(t *testing.T) {
	s := NewStore().WithNow(func() time.Time { return time.Unix(0, 0) })
	ctx := context.Background()
	for i := 0; i < keepTailOnCompact+5; i++ {
		_ = s.Append(ctx, "u1", "slack", &models.Message{Role: models.RoleUser, Content: "msg"})
	}

	if err := s.Compact(ctx, "u1", "slack", stubSummarizer{}); err != nil {
		t.Fatalf("compact: %v", err)
	}

	history, _ := s.Load(ctx, "u1", "slack")
	if len(history) != keepTailOnCompact+1 {
		t.Fatalf("expected %d messages after compaction, got %d", keepTailOnCompact+1, len(history))
	}
	if history[0].Role != models.RoleSystem {
		t.Errorf("expected leading summary message to have system role, got %s", history[0].Role)
	}
}
