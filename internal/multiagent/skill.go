package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhq/conclave/internal/infra"
	"github.com/kestrelhq/conclave/pkg/models"
)

// SkillName is the registry name the sub-agent tools live under.
const SkillName = "sessions"

// Skill exposes the manager as registry tools. Every tool is MainAgentOnly:
// combined with ValidateSpawn's recursion guard this enforces invariant I4
// (a sub-agent cannot spawn another sub-agent) at both the visibility and
// dispatch layers.
type Skill struct {
	manager *Manager
}

// NewSkill wraps manager for registration with internal/skills.Registry.
func NewSkill(manager *Manager) *Skill {
	return &Skill{manager: manager}
}

func (s *Skill) Name() string { return SkillName }

func (s *Skill) ListTools() []models.ToolDefinition {
	taskField := models.SchemaField{Type: models.SchemaString}
	return []models.ToolDefinition{
		{
			Name:        "sessions_spawn",
			Description: "Start a background sub-agent for a long-running task. Returns immediately with a run ID; the result is announced to the channel when the task finishes.",
			InputSchema: models.InputSchema{
				Properties: map[string]models.SchemaField{
					"task":          taskField,
					"model":         taskField,
					"system_prompt": taskField,
					"allowed_tools": {Type: models.SchemaArray, Items: &models.SchemaField{Type: models.SchemaString}},
				},
				Required: []string{"task"},
			},
			PermissionTier: models.TierLocalWrite,
			MainAgentOnly:  true,
		},
		{
			Name:        "sessions_run",
			Description: "Delegate a task to a sub-agent and wait for its result within this turn. Use for focused work that benefits from a fresh context.",
			InputSchema: models.InputSchema{
				Properties: map[string]models.SchemaField{
					"task":          taskField,
					"model":         taskField,
					"system_prompt": taskField,
					"allowed_tools": {Type: models.SchemaArray, Items: &models.SchemaField{Type: models.SchemaString}},
				},
				Required: []string{"task"},
			},
			PermissionTier: models.TierLocalWrite,
			MainAgentOnly:  true,
		},
		{
			Name:           "sessions_list",
			Description:    "List the caller's sub-agent runs and their status.",
			InputSchema:    models.InputSchema{Properties: map[string]models.SchemaField{}},
			PermissionTier: models.TierReadOnly,
			MainAgentOnly:  true,
		},
		{
			Name:        "sessions_status",
			Description: "Get one sub-agent run's status, token usage, and result if finished.",
			InputSchema: models.InputSchema{
				Properties: map[string]models.SchemaField{"run_id": taskField},
				Required:   []string{"run_id"},
			},
			PermissionTier: models.TierReadOnly,
			MainAgentOnly:  true,
		},
		{
			Name:        "sessions_stop",
			Description: "Cancel a running sub-agent.",
			InputSchema: models.InputSchema{
				Properties: map[string]models.SchemaField{"run_id": taskField},
				Required:   []string{"run_id"},
			},
			PermissionTier: models.TierLocalWrite,
			MainAgentOnly:  true,
		},
		{
			Name:        "sessions_send",
			Description: "Send a follow-up message to a running sub-agent.",
			InputSchema: models.InputSchema{
				Properties: map[string]models.SchemaField{
					"run_id":  taskField,
					"message": taskField,
				},
				Required: []string{"run_id", "message"},
			},
			PermissionTier: models.TierLocalWrite,
			MainAgentOnly:  true,
		},
	}
}

// Execute dispatches one tool call. Operational failures (caps, unknown run,
// ownership) come back as plain strings so the LLM can read and relay them;
// the error return is reserved for bugs.
func (s *Skill) Execute(ctx context.Context, toolName string, input map[string]any, caller models.CallerContext) (string, error) {
	switch toolName {
	case "sessions_spawn":
		return s.spawn(ctx, input, caller)
	case "sessions_run":
		return s.run(ctx, input, caller)
	case "sessions_list":
		return s.list(caller)
	case "sessions_status":
		return s.status(input)
	case "sessions_stop":
		return s.stopRun(input, caller)
	case "sessions_send":
		return s.send(input, caller)
	default:
		return "", fmt.Errorf("multiagent: unknown tool %q", toolName)
	}
}

func (s *Skill) spawn(ctx context.Context, input map[string]any, caller models.CallerContext) (string, error) {
	opts := spawnOptionsFrom(input, caller)
	task, _ := input["task"].(string)
	runID, err := s.manager.Spawn(ctx, caller, task, opts)
	if err != nil {
		return err.Error(), nil
	}
	return fmt.Sprintf("Sub-agent accepted (run %s). I'll announce the result here when it finishes.", runID), nil
}

func (s *Skill) run(ctx context.Context, input map[string]any, caller models.CallerContext) (string, error) {
	opts := spawnOptionsFrom(input, caller)
	task, _ := input["task"].(string)
	result, err := s.manager.DelegateSync(ctx, caller, task, opts)
	if err != nil {
		return err.Error(), nil
	}
	return result, nil
}

func (s *Skill) list(caller models.CallerContext) (string, error) {
	runs := s.manager.ListRuns(caller.UserID)
	if len(runs) == 0 {
		return "No sub-agent runs.", nil
	}
	var b strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&b, "- %s [%s/%s] %s\n", run.ID, run.Mode, run.Status, firstLine(run.Task))
	}
	return b.String(), nil
}

func (s *Skill) status(input map[string]any) (string, error) {
	runID, _ := input["run_id"].(string)
	run, ok := s.manager.GetRun(runID)
	if !ok {
		return fmt.Sprintf("No run with ID %s.", runID), nil
	}
	out, err := json.MarshalIndent(map[string]any{
		"id":              run.ID,
		"status":          string(run.Status),
		"mode":            string(run.Mode),
		"task":            run.Task,
		"input_tokens":    run.InputTokens,
		"output_tokens":   run.OutputTokens,
		"tool_call_count": run.ToolCallCount,
		"result":          run.Result,
		"error":           run.Error,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Skill) stopRun(input map[string]any, caller models.CallerContext) (string, error) {
	runID, _ := input["run_id"].(string)
	stopped, err := s.manager.StopRun(caller.UserID, runID)
	if err != nil {
		return err.Error(), nil
	}
	if !stopped {
		return fmt.Sprintf("No active run with ID %s.", runID), nil
	}
	return fmt.Sprintf("Run %s cancelled.", runID), nil
}

func (s *Skill) send(input map[string]any, caller models.CallerContext) (string, error) {
	runID, _ := input["run_id"].(string)
	message, _ := input["message"].(string)
	if s.manager.SendToRun(caller.UserID, runID, message) {
		return fmt.Sprintf("Message queued for run %s.", runID), nil
	}
	return fmt.Sprintf("Run %s is not currently running (or is not yours).", runID), nil
}

func spawnOptionsFrom(input map[string]any, caller models.CallerContext) SpawnOptions {
	opts := SpawnOptions{ParentRunID: caller.CorrelationID}
	if model, ok := input["model"].(string); ok {
		opts.PreferredModel = model
	}
	if prompt, ok := input["system_prompt"].(string); ok {
		opts.SystemPrompt = prompt
	}
	if raw, ok := input["allowed_tools"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok {
				opts.AllowedTools = append(opts.AllowedTools, name)
			}
		}
	}
	return opts
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return infra.TruncateWithEllipsis(s, 120)
}
