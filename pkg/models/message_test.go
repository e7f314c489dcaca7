package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		role     Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool_result"},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if string(tt.role) != tt.expected {
				t.Errorf("role = %q, want %q", tt.role, tt.expected)
			}
		})
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	now := time.Now()
	msg := Message{
		ID:        "msg-1",
		SessionID: "sess-1",
		Channel:   ChannelType("discord"),
		Role:      RoleUser,
		Content:   "hello",
		ToolCalls: []ToolCall{
			{ID: "t1", Name: "note_search", Input: json.RawMessage(`{"query":"api keys"}`)},
		},
		CreatedAt: now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Content != msg.Content {
		t.Errorf("Content = %q, want %q", decoded.Content, msg.Content)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Name != "note_search" {
		t.Errorf("ToolCalls = %+v", decoded.ToolCalls)
	}
}

func TestToolResult_Struct(t *testing.T) {
	r := ToolResult{ToolCallID: "t1", ToolName: "note_search", Content: `{"results":[]}`}
	if r.IsError {
		t.Errorf("IsError should default false")
	}
}

func TestSession_Struct(t *testing.T) {
	now := time.Now()
	session := Session{
		ID:        "session-123",
		UserID:    "user-456",
		Channel:   ChannelType("discord"),
		Key:       SessionKey("user-456", ChannelType("discord")),
		Metadata:  map[string]any{"test": true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if session.ID != "session-123" {
		t.Errorf("ID = %q, want %q", session.ID, "session-123")
	}
	if session.Key != "discord:user-456" {
		t.Errorf("Key = %q, want %q", session.Key, "discord:user-456")
	}
}

func TestSessionKey_Deterministic(t *testing.T) {
	a := SessionKey("u1", ChannelType("slack"))
	b := SessionKey("u1", ChannelType("slack"))
	if a != b {
		t.Errorf("SessionKey not deterministic: %q != %q", a, b)
	}
	c := SessionKey("u1", ChannelType("discord"))
	if a == c {
		t.Errorf("SessionKey collided across channels: %q", a)
	}
}
