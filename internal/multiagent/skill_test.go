package multiagent

import (
	"context"
	"strings"
	"testing"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/internal/ratelimit"
	"github.com/kestrelhq/conclave/pkg/models"
)

func newTestSkill(t *testing.T, provider *fakeProvider) *Skill {
	t.Helper()
	registry := &fakeRegistry{}
	pm := &fakeProviderManager{provider: provider}
	m := NewManager(DefaultConfig(), pm, registry, ratelimit.NewSlidingLimiter(1024), nil)
	t.Cleanup(m.Close)
	return NewSkill(m)
}

func TestEveryToolIsMainAgentOnly(t *testing.T) {
	skill := newTestSkill(t, &fakeProvider{responses: []llm.ChatResponse{textResponse("ok")}})
	for _, def := range skill.ListTools() {
		if !def.MainAgentOnly {
			t.Errorf("tool %q must be MainAgentOnly", def.Name)
		}
	}
}

func TestSpawnToolReturnsRunID(t *testing.T) {
	skill := newTestSkill(t, &fakeProvider{responses: []llm.ChatResponse{textResponse("ok")}})
	out, err := skill.Execute(context.Background(), "sessions_spawn", map[string]any{"task": "do a thing"}, caller("u1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "accepted") {
		t.Errorf("expected acceptance message, got %q", out)
	}
}

func TestSpawnToolSurfacesCapErrorsAsText(t *testing.T) {
	skill := newTestSkill(t, &fakeProvider{responses: []llm.ChatResponse{textResponse("ok")}})
	sub := models.CallerContext{UserID: "u1", Channel: "c1", IsSubagent: true}
	out, err := skill.Execute(context.Background(), "sessions_spawn", map[string]any{"task": "x"}, sub)
	if err != nil {
		t.Fatalf("operational failures must be strings, got error %v", err)
	}
	if !strings.Contains(out, "cannot spawn") {
		t.Errorf("expected recursion refusal, got %q", out)
	}
}

func TestUnknownToolIsAnError(t *testing.T) {
	skill := newTestSkill(t, &fakeProvider{responses: []llm.ChatResponse{textResponse("ok")}})
	if _, err := skill.Execute(context.Background(), "sessions_fly", nil, caller("u1")); err == nil {
		t.Fatal("unknown tool names are bugs, not tool results")
	}
}
