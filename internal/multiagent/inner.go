package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/pkg/models"
)

// toolExecutionTimeout bounds each tool dispatch inside the inner loop,
// independent of the run's wall-clock deadline.
const toolExecutionTimeout = 30 * time.Second

const innerMaxTokens = 4096

// ErrTokenBudgetExceeded terminates an inner loop whose cumulative token
// usage passed the configured budget.
var ErrTokenBudgetExceeded = fmt.Errorf("token budget exceeded")

// ErrToolBudgetExceeded terminates an inner loop that requested more tool
// calls than the run allows.
var ErrToolBudgetExceeded = fmt.Errorf("tool call budget exceeded")

// runInner executes the restricted inner agent loop for runID. The caller
// context it dispatches tools under is always flagged IsSubagent, so the
// registry's mainAgentOnly gate holds even if a tool name slips past the
// visible-list filter.
func (m *Manager) runInner(ctx context.Context, runID string, opts SpawnOptions) (string, error) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("run %s is not tracked", runID)
	}
	run := rs.record
	userID, channel, task := run.UserID, run.Channel, run.Task
	m.mu.Unlock()

	selection, err := m.selectProvider(ctx, userID, opts.PreferredModel)
	if err != nil {
		return "", err
	}
	m.setProvider(runID, selection.Provider.Name(), selection.Model)

	caller := models.CallerContext{
		UserID:        userID,
		Channel:       channel,
		IsSubagent:    true,
		SubagentRunID: runID,
		CorrelationID: runID,
	}

	toolDefs := filterTools(m.tools.GetToolDefinitions(caller), opts.AllowedTools, opts.BlockedTools)

	system := safetyPreamble
	if opts.SystemPrompt != "" {
		system += "\n\n" + opts.SystemPrompt
	}

	messages := []llm.Message{{Role: llm.RoleUser, Text: task}}
	m.appendTranscript(runID, models.TranscriptEntry{Role: models.RoleUser, Content: task, CreatedAt: m.now()})

	var totalTokens, toolCalls int

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, queued := range m.takeQueued(runID) {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Text: queued})
			m.appendTranscript(runID, models.TranscriptEntry{Role: models.RoleUser, Content: queued, CreatedAt: m.now()})
		}

		resp, err := selection.Provider.Chat(ctx, llm.ChatRequest{
			Model:     selection.Model,
			System:    system,
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: innerMaxTokens,
		})
		if err != nil {
			return "", err
		}
		m.providers.TrackUsage(selection.Provider.Name(), selection.Model, resp.Usage, llm.TierLight)
		totalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		m.addUsage(runID, resp.Usage)
		if m.cfg.MaxTokenBudget > 0 && totalTokens > m.cfg.MaxTokenBudget {
			return "", ErrTokenBudgetExceeded
		}

		if resp.Text != "" {
			m.appendTranscript(runID, models.TranscriptEntry{Role: models.RoleAssistant, Content: resp.Text, CreatedAt: m.now()})
		}

		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			if resp.Text == "" {
				return noResponseSentinel, nil
			}
			return resp.Text, nil
		}

		assistantBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls))
		resultBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			toolCalls++
			if m.cfg.MaxToolCalls > 0 && toolCalls > m.cfg.MaxToolCalls {
				return "", ErrToolBudgetExceeded
			}
			m.incrementToolCalls(runID)

			assistantBlocks = append(assistantBlocks, llm.ContentBlock{
				Type:  llm.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Input,
			})

			result := m.executeTool(ctx, caller, tc)
			m.appendTranscript(runID, models.TranscriptEntry{
				Role:      models.RoleTool,
				Content:   result.Content,
				ToolName:  tc.Name,
				CreatedAt: m.now(),
			})
			resultBlocks = append(resultBlocks, llm.ContentBlock{
				Type:      llm.BlockToolResult,
				ToolUseID: tc.ID,
				Content:   result.Content,
				IsError:   result.IsError,
			})
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Blocks: assistantBlocks})
		messages = append(messages, llm.Message{Role: llm.RoleUser, Blocks: resultBlocks})
	}
}

// executeTool dispatches one tool call with its own timeout. Failures come
// back as error tool results so the inner LLM sees the refusal text rather
// than the loop aborting.
func (m *Manager) executeTool(ctx context.Context, caller models.CallerContext, tc llm.ToolCall) models.ToolResult {
	raw, err := json.Marshal(tc.Input)
	if err != nil {
		return models.ToolResult{ToolCallID: tc.ID, ToolName: tc.Name, Content: err.Error(), IsError: true}
	}

	toolCtx, cancel := context.WithTimeout(ctx, toolExecutionTimeout)
	defer cancel()

	result, err := m.tools.ExecuteToolCall(toolCtx, caller, models.ToolCall{ID: tc.ID, Name: tc.Name, Input: raw})
	if err != nil {
		return models.ToolResult{ToolCallID: tc.ID, ToolName: tc.Name, Content: err.Error(), IsError: true}
	}
	return result
}

// selectProvider prefers the caller's model override, then the heavy tier
// when tiering is enabled, then the user's default.
func (m *Manager) selectProvider(ctx context.Context, userID, preferredModel string) (llm.Selection, error) {
	if m.providers.IsTierEnabled() {
		selection, err := m.providers.GetForUserTiered(ctx, userID, llm.TierHeavy)
		if err != nil {
			return llm.Selection{}, err
		}
		if preferredModel != "" {
			selection.Model = preferredModel
		}
		return selection, nil
	}
	selection, err := m.providers.GetForUser(ctx, userID)
	if err != nil {
		return llm.Selection{}, err
	}
	if preferredModel != "" {
		selection.Model = preferredModel
	}
	return selection, nil
}

func filterTools(defs []models.ToolDefinition, allowed, blocked []string) []models.ToolDefinition {
	allowSet := toSet(allowed)
	blockSet := toSet(blocked)
	out := make([]models.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if len(allowSet) > 0 {
			if _, ok := allowSet[def.Name]; !ok {
				continue
			}
		}
		if _, ok := blockSet[def.Name]; ok {
			continue
		}
		out = append(out, def)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (m *Manager) setProvider(runID, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.runs[runID]; ok {
		rs.record.Provider = provider
		rs.record.Model = model
	}
}

func (m *Manager) addUsage(runID string, usage llm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.runs[runID]; ok {
		rs.record.InputTokens += usage.InputTokens
		rs.record.OutputTokens += usage.OutputTokens
	}
}

func (m *Manager) incrementToolCalls(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.runs[runID]; ok {
		rs.record.ToolCallCount++
	}
}

func (m *Manager) appendTranscript(runID string, entry models.TranscriptEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[runID]
	if !ok {
		return
	}
	rs.record.Transcript = append(rs.record.Transcript, entry)
	if limit := m.cfg.TranscriptLimit; limit > 0 && len(rs.record.Transcript) > limit {
		rs.record.Transcript = rs.record.Transcript[len(rs.record.Transcript)-limit:]
	}
}

func (m *Manager) takeQueued(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[runID]
	if !ok || len(rs.queue) == 0 {
		return nil
	}
	queued := rs.queue
	rs.queue = nil
	return queued
}
