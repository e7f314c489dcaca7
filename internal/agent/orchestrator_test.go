package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/kestrelhq/conclave/internal/confirm"
	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/internal/ratelimit"
	"github.com/kestrelhq/conclave/internal/sessions"
	"github.com/kestrelhq/conclave/pkg/models"
)

// scriptedProvider replays responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	requests  []llm.ChatRequest
	err       error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities(string) llm.Capabilities {
	return llm.Capabilities{Tools: llm.ToolsSupported}
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	return &resp, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type stubManager struct {
	provider llm.Provider
	err      error
}

func (m *stubManager) GetForUser(ctx context.Context, userID string) (llm.Selection, error) {
	if m.err != nil {
		return llm.Selection{}, m.err
	}
	return llm.Selection{Provider: m.provider, Model: "test-model"}, nil
}

func (m *stubManager) GetForUserTiered(ctx context.Context, userID string, tier llm.Tier) (llm.Selection, error) {
	return m.GetForUser(ctx, userID)
}

func (m *stubManager) IsTierEnabled() bool { return false }

func (m *stubManager) TrackUsage(string, string, llm.Usage, llm.Tier) {}

// stubRegistry implements ToolRegistry with canned tool behavior.
type stubRegistry struct {
	mu       sync.Mutex
	defs     []models.ToolDefinition
	executed []models.ToolCall
	reply    string
	execErr  error
}

func (r *stubRegistry) GetToolDefinitions(models.CallerContext) []models.ToolDefinition {
	return r.defs
}

func (r *stubRegistry) ExecuteToolCall(ctx context.Context, caller models.CallerContext, call models.ToolCall) (models.ToolResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, call)
	reply, execErr := r.reply, r.execErr
	r.mu.Unlock()
	if execErr != nil {
		return models.ToolResult{}, execErr
	}
	if reply == "" {
		reply = `{"results":[]}`
	}
	return models.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: reply}, nil
}

func (r *stubRegistry) ToolPolicy(toolName string) (bool, bool, string, bool) {
	for _, def := range r.defs {
		if def.Name == toolName {
			return def.RequiresConfirm, def.Sensitive, "stub", true
		}
	}
	return false, false, "", false
}

func (r *stubRegistry) executedCalls() []models.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ToolCall{}, r.executed...)
}

func newTestOrchestrator(t *testing.T, provider *scriptedProvider, registry *stubRegistry, opts ...Option) (*Orchestrator, *sessions.Store, *confirm.Manager) {
	t.Helper()
	store := sessions.NewStore()
	confirms := confirm.New()
	t.Cleanup(confirms.Close)
	o := New(&stubManager{provider: provider}, registry, store, confirms, ratelimit.NewSlidingLimiter(1024), nil, opts...)
	return o, store, confirms
}

func endTurn(text string) llm.ChatResponse {
	return llm.ChatResponse{Text: text, StopReason: llm.StopEndTurn, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}
}

func toolUse(id, name string, input map[string]any) llm.ChatResponse {
	return llm.ChatResponse{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Input: input}},
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestPlainReply(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{endTurn("hi")}}
	registry := &stubRegistry{}
	o, store, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "hello"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Text != "hi" {
		t.Errorf("expected hi, got %q", res.Text)
	}

	history, _ := store.Load(context.Background(), "u1", "c1")
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles %s/%s", history[0].Role, history[1].Role)
	}
}

func TestSingleToolCall(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "note_search", map[string]any{"query": "api keys"}),
		endTurn("No matching notes."),
	}}
	registry := &stubRegistry{
		defs:  []models.ToolDefinition{{Name: "note_search"}},
		reply: `{"results":[]}`,
	}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "search notes for 'api keys'"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Text != "No matching notes." {
		t.Errorf("unexpected text %q", res.Text)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.callCount())
	}

	// The second call's transcript must end with the assistant tool_use
	// followed by a user message holding the matching tool_result.
	second := provider.requests[1]
	n := len(second.Messages)
	if n < 2 {
		t.Fatalf("expected at least 2 messages, got %d", n)
	}
	assistant, user := second.Messages[n-2], second.Messages[n-1]
	if assistant.Role != llm.RoleAssistant || len(assistant.Blocks) == 0 || assistant.Blocks[0].Type != llm.BlockToolUse {
		t.Errorf("expected assistant tool_use block, got %+v", assistant)
	}
	if user.Role != llm.RoleUser || len(user.Blocks) != 1 || user.Blocks[0].Type != llm.BlockToolResult {
		t.Fatalf("expected user tool_result block, got %+v", user)
	}
	if user.Blocks[0].ToolUseID != "t1" {
		t.Errorf("expected tool_use_id t1, got %q", user.Blocks[0].ToolUseID)
	}

	calls := registry.executedCalls()
	if len(calls) != 1 || calls[0].Name != "note_search" {
		t.Fatalf("expected one executed note_search, got %+v", calls)
	}
}

func TestConfirmationGate(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "unifi_block_device", map[string]any{"mac": "aa:bb"}),
		endTurn("I need your confirmation first."),
	}}
	registry := &stubRegistry{
		defs:  []models.ToolDefinition{{Name: "unifi_block_device", RequiresConfirm: true}},
		reply: "device blocked",
	}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "block that device"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.PendingConfirmation == nil {
		t.Fatal("expected a pending confirmation")
	}
	if len(registry.executedCalls()) != 0 {
		t.Fatal("tool must not execute before confirmation")
	}

	// The tool_result sent back to the model carries the confirmation
	// instructions.
	second := provider.requests[1]
	resultBlock := second.Messages[len(second.Messages)-1].Blocks[0]
	if !strings.HasPrefix(resultBlock.Content, "This action requires confirmation.") {
		t.Errorf("unexpected tool_result %q", resultBlock.Content)
	}
	if !strings.Contains(resultBlock.Content, res.PendingConfirmation.Token) {
		t.Error("tool_result must carry the token")
	}
	if !strings.Contains(resultBlock.Content, `unifi_block_device({"mac":"aa:bb"})`) {
		t.Errorf("tool_result must describe the action, got %q", resultBlock.Content)
	}

	// Confirming executes the tool exactly once and returns its result.
	token := res.PendingConfirmation.Token
	res2, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "confirm " + token})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res2.Text != "device blocked" {
		t.Errorf("expected tool result, got %q", res2.Text)
	}
	if len(registry.executedCalls()) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(registry.executedCalls()))
	}

	// A second confirm of the same token is refused.
	res3, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "confirm " + token})
	if err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	if !strings.Contains(res3.Text, "Invalid or expired") {
		t.Errorf("expected invalid-or-expired response, got %q", res3.Text)
	}
	if len(registry.executedCalls()) != 1 {
		t.Error("token must be single-use")
	}
}

func TestConfirmationWrongUser(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "unifi_block_device", map[string]any{"mac": "aa:bb"}),
		endTurn("Awaiting confirmation."),
	}}
	registry := &stubRegistry{defs: []models.ToolDefinition{{Name: "unifi_block_device", RequiresConfirm: true}}}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "owner", Channel: "c1", Text: "block it"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	res2, err := o.HandleMessage(context.Background(), HandleInput{UserID: "intruder", Channel: "c1", Text: "confirm " + res.PendingConfirmation.Token})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(res2.Text, "Invalid or expired") {
		t.Errorf("wrong user must be refused, got %q", res2.Text)
	}
	if len(registry.executedCalls()) != 0 {
		t.Error("wrong-user confirm must not execute the tool")
	}
}

func TestSensitiveToolPolicyAlwaysConfirm(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "email_read", map[string]any{}),
		endTurn("Needs a confirmation."),
	}}
	registry := &stubRegistry{defs: []models.ToolDefinition{{Name: "email_read", Sensitive: true}}}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "read my email"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.PendingConfirmation == nil {
		t.Fatal("sensitive tool must gate under always_confirm")
	}
	if len(registry.executedCalls()) != 0 {
		t.Error("sensitive tool must not run before confirmation")
	}
}

func TestSensitiveToolPolicyAuditOnly(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "email_read", map[string]any{}),
		endTurn("done"),
	}}
	registry := &stubRegistry{defs: []models.ToolDefinition{{Name: "email_read", Sensitive: true}}, reply: "inbox empty"}
	o, _, _ := newTestOrchestrator(t, provider, registry, WithSensitiveToolPolicy(SensitiveAuditOnly))

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "read my email"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.PendingConfirmation != nil {
		t.Error("audit_only must not gate sensitive tools")
	}
	if len(registry.executedCalls()) != 1 {
		t.Error("expected direct execution under audit_only")
	}
}

func TestMessageLengthCapBeforeAnyLLMCall(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{endTurn("never")}}
	registry := &stubRegistry{}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: strings.Repeat("a", MaxMessageChars+1)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(res.Text, "too long") {
		t.Errorf("expected length refusal, got %q", res.Text)
	}
	if provider.callCount() != 0 {
		t.Error("length cap must trip before any LLM call")
	}
}

func TestLoopCapStopsAtTenExecutions(t *testing.T) {
	// The model asks for a tool on every turn, indefinitely.
	responses := make([]llm.ChatResponse, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, toolUse("t", "note_search", map[string]any{"query": "x"}))
	}
	provider := &scriptedProvider{responses: responses}
	registry := &stubRegistry{defs: []models.ToolDefinition{{Name: "note_search"}}}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "loop forever"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := len(registry.executedCalls()); got != MaxToolIterationsPerTurn {
		t.Errorf("expected exactly %d executions, got %d", MaxToolIterationsPerTurn, got)
	}
	if !regexp.MustCompile(`maximum number of actions`).MatchString(res.Text) {
		t.Errorf("expected maximum-actions response, got %q", res.Text)
	}
}

func TestSessionToolCallCap(t *testing.T) {
	responses := make([]llm.ChatResponse, 0, 8)
	for i := 0; i < 8; i++ {
		responses = append(responses, toolUse("t", "note_search", map[string]any{"query": "x"}))
	}
	provider := &scriptedProvider{responses: responses}
	registry := &stubRegistry{defs: []models.ToolDefinition{{Name: "note_search"}}}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	// Burn the session budget down to 3 remaining calls.
	for i := 0; i < SessionToolCallLimit-3; i++ {
		o.limiter.Check(sessionRateScope, "u1|c1", ratelimit.Limits{
			MaxRequests:   SessionToolCallLimit,
			WindowSeconds: int(SessionToolCallWindow.Seconds()),
		})
	}

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "go"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(res.Text, "cool-down") {
		t.Errorf("expected cool-down response, got %q", res.Text)
	}
	if got := len(registry.executedCalls()); got > 3 {
		t.Errorf("expected at most 3 executions before refusal, got %d", got)
	}
}

func TestTruncationRecoverySingleAttempt(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		{Text: "first half ", StopReason: llm.StopMaxTokens},
		{Text: "still truncated", StopReason: llm.StopMaxTokens},
		endTurn("never reached"),
	}}
	registry := &stubRegistry{}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "long story please"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Exactly one continuation: two provider calls total, concatenated text.
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.callCount())
	}
	if res.Text != "first half still truncated" {
		t.Errorf("expected concatenated text, got %q", res.Text)
	}
	continuation := provider.requests[1]
	last := continuation.Messages[len(continuation.Messages)-1]
	if !strings.Contains(last.Text, "truncated") {
		t.Errorf("continuation request must mention truncation, got %q", last.Text)
	}
}

func TestErrorBoundaryReturnsApology(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("bad things with token=abcd1234secret")}
	registry := &stubRegistry{}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "hello"})
	if err != nil {
		t.Fatalf("boundary must not raise, got %v", err)
	}
	if res.Text != msgInternalApology {
		t.Errorf("expected apology, got %q", res.Text)
	}
}

func TestAllProvidersUnavailableResponse(t *testing.T) {
	registry := &stubRegistry{}
	store := sessions.NewStore()
	confirms := confirm.New()
	defer confirms.Close()
	mgr := &stubManager{err: &llm.ErrAllProvidersUnavailable{Tried: []string{"a", "b"}}}
	o := New(mgr, registry, store, confirms, ratelimit.NewSlidingLimiter(1024), nil)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "hello"})
	if err != nil {
		t.Fatalf("boundary must not raise, got %v", err)
	}
	if res.Text != msgProvidersDown {
		t.Errorf("expected providers-down response, got %q", res.Text)
	}
}

func TestToolErrorSurfacesToModelNotUser(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "note_search", map[string]any{"query": "x"}),
		endTurn("the tool failed, sorry"),
	}}
	registry := &stubRegistry{
		defs:    []models.ToolDefinition{{Name: "note_search"}},
		execErr: errors.New("backend exploded: 404"),
	}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "search"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Text != "the tool failed, sorry" {
		t.Errorf("unexpected text %q", res.Text)
	}

	second := provider.requests[1]
	resultBlock := second.Messages[len(second.Messages)-1].Blocks[0]
	if !strings.HasPrefix(resultBlock.Content, "Error executing note_search:") {
		t.Errorf("expected Error executing prefix, got %q", resultBlock.Content)
	}
	if !resultBlock.IsError {
		t.Error("expected error flag on tool result")
	}
}

func TestTransientToolErrorRetriesOnce(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "note_search", map[string]any{"query": "x"}),
		endTurn("done"),
	}}
	registry := &stubRegistry{
		defs:    []models.ToolDefinition{{Name: "note_search"}},
		execErr: errors.New("connection reset by peer"),
	}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	if _, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "search"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := len(registry.executedCalls()); got != 2 {
		t.Errorf("expected 2 attempts for transient error, got %d", got)
	}
}

func TestOutputFilesExtraction(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.ChatResponse{
		toolUse("t1", "report_render", map[string]any{}),
		endTurn("Here's your report."),
	}}
	registry := &stubRegistry{
		defs:  []models.ToolDefinition{{Name: "report_render"}},
		reply: `{"text":"rendered","output_files":[{"filename":"report.pdf","mime_type":"application/pdf","data":"aGVsbG8="}]}`,
	}
	o, _, _ := newTestOrchestrator(t, provider, registry)

	res, err := o.HandleMessage(context.Background(), HandleInput{UserID: "u1", Channel: "c1", Text: "render the report"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(res.Files))
	}
	f := res.Files[0]
	if f.Filename != "report.pdf" || f.MimeType != "application/pdf" || string(f.Data) != "hello" {
		t.Errorf("unexpected artifact %+v", f)
	}
}

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		text string
		want llm.Tier
	}{
		{"hello", llm.TierLight},
		{"what's the weather", llm.TierLight},
		{"please refactor the session store", llm.TierHeavy},
		{"debug this failure for me", llm.TierHeavy},
		{strings.Repeat("x", 900), llm.TierHeavy},
	}
	for _, tt := range tests {
		if got := classifyTier(tt.text); got != tt.want {
			t.Errorf("classifyTier(%.30q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestRedactSensitive(t *testing.T) {
	in := "failed: token=supersecret123 from 10.0.0.5 bearer abc.def.ghi"
	out := redactSensitive(in)
	for _, leak := range []string{"supersecret123", "10.0.0.5", "abc.def.ghi"} {
		if strings.Contains(out, leak) {
			t.Errorf("expected %q to be redacted in %q", leak, out)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("429 too many requests"), ClassRateLimited},
		{errors.New("connection reset"), ClassTransient},
		{errors.New("401 unauthorized"), ClassAuthExpired},
		{errors.New("invalid json in response"), ClassMalformedOutput},
		{errors.New("required field missing: validation"), ClassSchemaViolation},
		{ErrMaxIterations, ClassResourceExhausted},
		{errors.New("weird"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
