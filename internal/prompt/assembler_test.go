package prompt

import (
	"testing"

	"github.com/ruster/ruster/internal/wire"
)

func TestAssembleOrdersSystemSkillsHistoryUser(t *testing.T) {
	t.Parallel()
	skills := map[string]wire.Skill{
		"web-browsing": {
			Name: "web-browsing",
			Body: "Use the browser tool when asked about page state.",
			Tools: []wire.ToolDef{
				{Name: "browser_active", Exec: "echo active"},
			},
		},
	}
	lookup := func(name string) (wire.Skill, bool) {
		sk, ok := skills[name]
		return sk, ok
	}

	history := []wire.Turn{
		{Role: wire.RoleUser, Content: "hello"},
		{Role: wire.RoleAssistant, Content: "hi there"},
		{Role: wire.RoleUser, Content: "check the browser"},
	}

	got := Assemble([]string{"web-browsing"}, lookup, history)

	if len(got.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %+v", len(got.Messages), got.Messages)
	}
	if got.Messages[0].Role != wire.RoleSystem {
		t.Errorf("message 0 role = %q", got.Messages[0].Role)
	}
	if got.Messages[1].Content != skills["web-browsing"].Body {
		t.Errorf("message 1 = %+v", got.Messages[1])
	}
	if got.Messages[2].Content != "hello" || got.Messages[3].Content != "hi there" {
		t.Errorf("history not preserved in order: %+v", got.Messages[2:4])
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != wire.RoleUser || last.Content != "check the browser" {
		t.Errorf("last message = %+v", last)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "browser_active" {
		t.Errorf("Tools = %+v", got.Tools)
	}
	if len(got.Stale) != 0 {
		t.Errorf("Stale = %v", got.Stale)
	}
}

func TestAssembleReportsStaleActiveSkill(t *testing.T) {
	t.Parallel()
	lookup := func(name string) (wire.Skill, bool) { return wire.Skill{}, false }
	history := []wire.Turn{{Role: wire.RoleUser, Content: "hi"}}

	got := Assemble([]string{"gone"}, lookup, history)

	if len(got.Stale) != 1 || got.Stale[0] != "gone" {
		t.Fatalf("Stale = %v", got.Stale)
	}
	// Base system prompt + the pending user message only; the stale
	// skill contributes no body and no tools.
	if len(got.Messages) != 2 {
		t.Fatalf("Messages = %+v", got.Messages)
	}
}

func TestAssemblePreservesToolTurnRole(t *testing.T) {
	t.Parallel()
	lookup := func(name string) (wire.Skill, bool) { return wire.Skill{}, false }
	history := []wire.Turn{
		{Role: wire.RoleTool, Content: "Chromium debug is running at localhost:9222", CallID: "c1", ToolName: "browser_active"},
		{Role: wire.RoleUser, Content: "done?"},
	}

	got := Assemble(nil, lookup, history)

	var sawTool bool
	for _, m := range got.Messages {
		if m.Role == wire.RoleTool {
			sawTool = true
			if m.CallID != "c1" {
				t.Errorf("CallID = %q", m.CallID)
			}
		}
	}
	if !sawTool {
		t.Fatal("expected a preserved tool-role message")
	}
}

func TestStaleWarningFormat(t *testing.T) {
	t.Parallel()
	got := StaleWarning([]string{"a", "b"})
	if got != "active but missing from registry: a, b" {
		t.Errorf("StaleWarning = %q", got)
	}
}
