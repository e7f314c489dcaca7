package llm

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name string
	err  error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Capabilities(string) Capabilities {
	return Capabilities{Tools: ToolsSupported}
}

func (p *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &ChatResponse{Text: "ok", StopReason: StopEndTurn, Provider: p.name}, nil
}

func TestSelectPrefersPrimary(t *testing.T) {
	m := NewManager()
	m.Register(&stubProvider{name: "primary"}, ModelSet{Default: "p-default"})
	m.Register(&stubProvider{name: "backup"}, ModelSet{Default: "b-default"})

	sel, err := m.GetForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Provider.Name() != "primary" {
		t.Errorf("expected primary, got %s", sel.Provider.Name())
	}
	if sel.FailedOver {
		t.Error("expected no failover on healthy primary")
	}
	if sel.Model != "p-default" {
		t.Errorf("expected p-default, got %s", sel.Model)
	}
}

func TestTieredModelSelection(t *testing.T) {
	m := NewManager(WithTiers(true))
	m.Register(&stubProvider{name: "p"}, ModelSet{Default: "d", Light: "l", Heavy: "h"})

	light, err := m.GetForUserTiered(context.Background(), "u1", TierLight)
	if err != nil {
		t.Fatalf("light: %v", err)
	}
	if light.Model != "l" {
		t.Errorf("expected light model, got %s", light.Model)
	}

	heavy, _ := m.GetForUserTiered(context.Background(), "u1", TierHeavy)
	if heavy.Model != "h" {
		t.Errorf("expected heavy model, got %s", heavy.Model)
	}
}

func TestTieredFallsBackToDefaultWhenDisabled(t *testing.T) {
	m := NewManager()
	m.Register(&stubProvider{name: "p"}, ModelSet{Default: "d", Light: "l", Heavy: "h"})

	sel, err := m.GetForUserTiered(context.Background(), "u1", TierLight)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model != "d" {
		t.Errorf("tiers disabled: expected default model, got %s", sel.Model)
	}
}

func TestFailoverAfterBreakerOpens(t *testing.T) {
	m := NewManager()
	broken := &stubProvider{name: "primary", err: errors.New("unavailable")}
	m.Register(broken, ModelSet{Default: "p"})
	m.Register(&stubProvider{name: "backup"}, ModelSet{Default: "b"})

	// Drive the primary's breaker open (threshold 3).
	for i := 0; i < 3; i++ {
		sel, err := m.GetForUser(context.Background(), "u1")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if _, err := sel.Provider.Chat(context.Background(), ChatRequest{}); err == nil {
			t.Fatal("expected chat failure")
		}
	}

	sel, err := m.GetForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("post-failure select: %v", err)
	}
	if sel.Provider.Name() != "backup" {
		t.Fatalf("expected failover to backup, got %s", sel.Provider.Name())
	}
	if !sel.FailedOver || sel.OriginalProvider != "primary" {
		t.Errorf("expected FailedOver with original=primary, got %+v", sel)
	}
}

func TestAllProvidersUnavailable(t *testing.T) {
	m := NewManager()
	broken := &stubProvider{name: "only", err: errors.New("down")}
	m.Register(broken, ModelSet{Default: "m"})

	for i := 0; i < 3; i++ {
		sel, _ := m.GetForUser(context.Background(), "u1")
		_, _ = sel.Provider.Chat(context.Background(), ChatRequest{})
	}

	_, err := m.GetForUser(context.Background(), "u1")
	var unavailable *ErrAllProvidersUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrAllProvidersUnavailable, got %v", err)
	}
}

func TestTrackUsageAccumulates(t *testing.T) {
	m := NewManager()
	m.Register(&stubProvider{name: "p"}, ModelSet{Default: "m"})

	m.TrackUsage("p", "m", Usage{InputTokens: 100, OutputTokens: 20}, TierLight)
	m.TrackUsage("p", "m", Usage{InputTokens: 50, OutputTokens: 10}, TierLight)

	records := m.UsageRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.InputTokens != 150 || rec.OutputTokens != 30 || rec.Requests != 2 {
		t.Errorf("unexpected accumulation %+v", rec)
	}
}
