// Package prompt assembles the ordered message list submitted to the LLM
// Gateway for one inference turn: base system prompt, active-skill bodies,
// declared tools, historical turns, and the pending user message.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ruster/ruster/internal/llm"
	"github.com/ruster/ruster/internal/wire"
)

const baseSystemPrompt = `You are Ruster, a persistent local conversational agent.
You may be given additional instructions below, contributed by skills
currently active for this session. You have access to a built-in tool,
paginate_tool_output, which returns a slice of a previously captured tool
run's stdout/stderr without re-executing it.`

// Assembled is the result of building one turn's prompt: the ordered
// message list plus the tool schema to hand the gateway, and any skills
// that were active but missing from the registry (registry_stale).
type Assembled struct {
	Messages []llm.Message
	Tools    []wire.ToolDef
	Stale    []string
}

// SkillLookup resolves an active skill name to its registry entry. ok is
// false when the skill is active for the session but absent from the
// registry (registry_stale).
type SkillLookup func(name string) (wire.Skill, bool)

// Assemble builds the ordered message list per the assembler contract:
// base system prompt, active-skill bodies in activation order, declared
// tools from all active skills, then historical turns. The pending user
// message is not appended separately — the caller persists it into
// history before assembling, so it is already the trailing entry.
// Stale active skills are skipped from assembly (not an error) and
// reported via Assembled.Stale so the caller can emit skill_warning.
func Assemble(activeSkills []string, lookup SkillLookup, history []wire.Turn) Assembled {
	var out Assembled
	out.Messages = append(out.Messages, llm.Message{Role: wire.RoleSystem, Content: baseSystemPrompt})

	for _, name := range activeSkills {
		sk, ok := lookup(name)
		if !ok {
			out.Stale = append(out.Stale, name)
			continue
		}
		out.Messages = append(out.Messages, llm.Message{Role: wire.RoleSystem, Content: sk.Body})
		out.Tools = append(out.Tools, sk.Tools...)
	}

	for _, t := range history {
		out.Messages = append(out.Messages, turnToMessage(t))
	}

	return out
}

func turnToMessage(t wire.Turn) llm.Message {
	switch t.Role {
	case wire.RoleTool:
		return llm.Message{Role: wire.RoleTool, Content: toolTurnContent(t), CallID: t.CallID}
	case wire.RoleAssistant:
		if len(t.ToolCalls) > 0 {
			return llm.Message{Role: wire.RoleAssistant, Content: t.Content}
		}
		return llm.Message{Role: wire.RoleAssistant, Content: t.Content}
	default:
		return llm.Message{Role: t.Role, Content: t.Content}
	}
}

func toolTurnContent(t wire.Turn) string {
	if t.Error != "" {
		return fmt.Sprintf("[%s] error: %s", t.ToolName, t.Error)
	}
	return t.Content
}

// RoundLimitTurn builds the synthetic tool turn injected when a send
// exceeds max_tool_rounds.
func RoundLimitTurn() wire.Turn {
	return wire.Turn{Role: wire.RoleTool, Content: "round limit reached"}
}

// StaleWarning renders a human-readable skill_warning message body for
// one or more registry_stale skill names.
func StaleWarning(names []string) string {
	return "active but missing from registry: " + strings.Join(names, ", ")
}
