package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	exectools "github.com/kestrelhq/conclave/internal/tools/exec"
	"github.com/kestrelhq/conclave/pkg/models"
)

// SkillToolSpec defines one executable tool a discovered markdown skill
// exposes, parsed from its SKILL.md frontmatter.
type SkillToolSpec struct {
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description" yaml:"description"`
	Schema          map[string]any `json:"schema" yaml:"schema"`
	PermissionTier  int            `json:"permission_tier" yaml:"permission_tier"`
	RequiresConfirm bool           `json:"requires_confirmation" yaml:"requires_confirmation"`
	MainAgentOnly   bool           `json:"main_agent_only" yaml:"main_agent_only"`
	Sensitive       bool           `json:"sensitive" yaml:"sensitive"`
	Command         string         `json:"command" yaml:"command"`
	Script          string         `json:"script" yaml:"script"`
	TimeoutSeconds  int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	WorkingDir      string         `json:"cwd" yaml:"cwd"`
}

// ExecSkill adapts one discovered markdown skill's exec-based tools into the
// Registry's Skill contract: each SkillToolSpec becomes a dispatchable
// ToolDefinition, and Execute shells out via exectools.Manager.
type ExecSkill struct {
	entry   *SkillEntry
	manager *exectools.Manager
}

// NewExecSkill wraps skill's declared tools for registration, or returns nil
// if the skill exposes none (no tools, no metadata, or no exec manager).
func NewExecSkill(skill *SkillEntry, execManager *exectools.Manager) *ExecSkill {
	if skill == nil || skill.Metadata == nil || len(skill.Metadata.Tools) == 0 || execManager == nil {
		return nil
	}
	return &ExecSkill{entry: skill, manager: execManager}
}

func (s *ExecSkill) Name() string {
	return s.entry.Name
}

// ListTools renders each declared SkillToolSpec as a models.ToolDefinition.
func (s *ExecSkill) ListTools() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(s.entry.Metadata.Tools))
	for _, spec := range s.entry.Metadata.Tools {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		defs = append(defs, models.ToolDefinition{
			Name:            spec.Name,
			Description:     descriptionOrDefault(spec),
			InputSchema:     schemaFromSpec(spec),
			PermissionTier:  models.PermissionTier(spec.PermissionTier),
			RequiresConfirm: spec.RequiresConfirm,
			MainAgentOnly:   spec.MainAgentOnly,
			Sensitive:       spec.Sensitive,
		})
	}
	return defs
}

// Execute runs the named tool's command or script via the exec manager.
func (s *ExecSkill) Execute(ctx context.Context, toolName string, input map[string]any, _ models.CallerContext) (string, error) {
	spec, ok := findSpec(s.entry.Metadata.Tools, toolName)
	if !ok {
		return "", fmt.Errorf("tool %q not declared by skill %q", toolName, s.entry.Name)
	}
	if s.manager == nil {
		return "", fmt.Errorf("exec manager unavailable for skill %q", s.entry.Name)
	}

	command := strings.TrimSpace(spec.Command)
	script := strings.TrimSpace(spec.Script)
	if command == "" {
		command = "bash"
	}

	rawInput, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode tool input: %w", err)
	}

	stdin := string(rawInput)
	if script != "" {
		scriptPath := filepath.Join(s.entry.Path, script)
		content, err := os.ReadFile(scriptPath)
		if err != nil {
			return "", fmt.Errorf("read script: %w", err)
		}
		stdin = string(content)
	}

	env := map[string]string{
		"CONCLAVE_TOOL_INPUT": string(rawInput),
		"CONCLAVE_TOOL_NAME":  toolName,
		"CONCLAVE_SKILL_NAME": s.entry.Name,
		"CONCLAVE_SKILL_DIR":  s.entry.Path,
	}

	cwd := strings.TrimSpace(spec.WorkingDir)
	if cwd == "" {
		cwd = s.entry.Path
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second

	result, err := s.manager.RunCommand(ctx, command, cwd, env, stdin, timeout)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout + result.Stderr, fmt.Errorf("tool %q exited %d: %s", toolName, result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

func descriptionOrDefault(spec SkillToolSpec) string {
	if spec.Description != "" {
		return spec.Description
	}
	return "Skill tool: " + spec.Name
}

func schemaFromSpec(spec SkillToolSpec) models.InputSchema {
	if spec.Schema == nil {
		return models.InputSchema{}
	}
	payload, err := json.Marshal(spec.Schema)
	if err != nil {
		return models.InputSchema{}
	}
	var schema models.InputSchema
	if err := json.Unmarshal(payload, &schema); err != nil {
		return models.InputSchema{}
	}
	return schema
}

func findSpec(specs []SkillToolSpec, name string) (SkillToolSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return SkillToolSpec{}, false
}
