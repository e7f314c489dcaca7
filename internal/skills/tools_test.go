package skills

import (
	"context"
	"testing"

	exectools "github.com/kestrelhq/conclave/internal/tools/exec"
	"github.com/kestrelhq/conclave/pkg/models"
)

func TestExecSkillListTools(t *testing.T) {
	mgr := exectools.NewManager(t.TempDir(), 0)
	skill := &SkillEntry{
		Name: "test",
		Path: t.TempDir(),
		Metadata: &SkillMetadata{
			Tools: []SkillToolSpec{
				{Name: "tool1", Description: "desc"},
			},
		},
	}

	execSkill := NewExecSkill(skill, mgr)
	if execSkill == nil {
		t.Fatal("expected non-nil ExecSkill")
	}

	defs := execSkill.ListTools()
	if len(defs) != 1 {
		t.Fatalf("expected 1 tool definition, got %d", len(defs))
	}
	if defs[0].Name != "tool1" {
		t.Fatalf("expected tool name %q, got %q", "tool1", defs[0].Name)
	}
}

func TestExecSkillExecuteRunsCommand(t *testing.T) {
	mgr := exectools.NewManager(t.TempDir(), 0)
	skill := &SkillEntry{
		Name: "test",
		Path: t.TempDir(),
		Metadata: &SkillMetadata{
			Tools: []SkillToolSpec{
				{Name: "echo", Command: "cat"},
			},
		},
	}

	execSkill := NewExecSkill(skill, mgr)
	output, err := execSkill.Execute(context.Background(), "echo", map[string]any{"message": "hi"}, models.CallerContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output == "" {
		t.Fatal("expected non-empty output")
	}
}

func TestNewExecSkillReturnsNilWithoutTools(t *testing.T) {
	mgr := exectools.NewManager(t.TempDir(), 0)
	skill := &SkillEntry{Name: "empty", Path: t.TempDir(), Metadata: &SkillMetadata{}}
	if NewExecSkill(skill, mgr) != nil {
		t.Fatal("expected nil ExecSkill for a skill with no declared tools")
	}
}
