// Package inference drives one send turn: RAG augmentation, prompt
// assembly, streaming completion, tool-call interception and execution,
// and re-entry until a terminal assistant answer or the tool-round
// budget is exhausted.
package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruster/ruster/internal/llm"
	"github.com/ruster/ruster/internal/prompt"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/skill"
	"github.com/ruster/ruster/internal/toolexec"
	"github.com/ruster/ruster/internal/wire"
)

// Registry is the subset of *skill.Registry the loop depends on.
type Registry interface {
	Get(name string) (wire.Skill, bool)
	Search(ctx context.Context, query string, topN int, threshold float64, excluded map[string]struct{}) ([]skill.SearchResult, error)
}

// Config bounds one loop's behavior; mirrors the daemon's whitelisted
// config keys relevant to inference.
type Config struct {
	Model         string
	RAGTopN       int
	RAGThreshold  float64
	MaxToolRounds int
}

// Loop wires together the registry, the gateway, and the tool executor
// to drive one session.send.
type Loop struct {
	Registry Registry
	Gateway  *llm.Gateway
	Executor *toolexec.Executor
	Emit     func(wire.Event)
}

const defaultMaxToolRounds = 8

// Send runs one full turn against s, whose lock the caller must already
// hold, and returns once a terminal response has been streamed and
// persisted (or the turn failed with an upstream error, in which case the
// user turn stays persisted and no assistant turn is).
func (l *Loop) Send(ctx context.Context, s *sessionstore.Session, cfg Config, message string) error {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}

	excluded := map[string]struct{}{}
	for _, name := range s.ActiveSkills() {
		excluded[name] = struct{}{}
	}
	for _, name := range s.BannedSkills() {
		excluded[name] = struct{}{}
	}

	results, err := l.Registry.Search(ctx, message, cfg.RAGTopN, cfg.RAGThreshold, excluded)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s.ActivateSkill(r.Name) {
			l.emit(wire.Event{Event: "skill_used", SessionID: string(s.ID()), Skill: r.Name})
		}
	}
	if err := sessionstore.PersistMeta(s); err != nil {
		return err
	}

	userTurn := wire.Turn{Role: wire.RoleUser, Content: message, SkillsSnapshot: s.ActiveSkills()}
	if err := sessionstore.PersistTurn(s, userTurn); err != nil {
		return err
	}

	model := s.Model()
	if model == "" {
		model = cfg.Model
	}

	for round := 0; round < cfg.MaxToolRounds; round++ {
		assembled := l.assemble(s)
		l.warnStale(s, assembled.Stale)

		text, toolCalls, streamErr := l.stream(ctx, s, model, assembled)
		if streamErr != nil {
			l.emit(wire.Event{Event: "response", SessionID: string(s.ID()), Done: true, Error: streamErr.Error()})
			return nil
		}

		if len(toolCalls) == 0 {
			if err := sessionstore.PersistTurn(s, wire.Turn{Role: wire.RoleAssistant, Content: text}); err != nil {
				return err
			}
			l.emit(wire.Event{Event: "response", SessionID: string(s.ID()), Done: true})
			return nil
		}

		if err := sessionstore.PersistTurn(s, wire.Turn{Role: wire.RoleAssistant, Content: text, ToolCalls: toolCalls}); err != nil {
			return err
		}
		for _, call := range toolCalls {
			if err := l.runToolCall(ctx, s, call); err != nil {
				return err
			}
		}
	}

	// max_tool_rounds exhausted without a terminal answer: inject the
	// synthetic tool turn and stream exactly one more assistant answer,
	// ignoring any further tool calls it requests.
	if err := sessionstore.PersistTurn(s, prompt.RoundLimitTurn()); err != nil {
		return err
	}
	assembled := l.assemble(s)
	l.warnStale(s, assembled.Stale)
	text, _, streamErr := l.stream(ctx, s, model, assembled)
	if streamErr != nil {
		l.emit(wire.Event{Event: "response", SessionID: string(s.ID()), Done: true, Error: streamErr.Error()})
		return nil
	}
	if err := sessionstore.PersistTurn(s, wire.Turn{Role: wire.RoleAssistant, Content: text}); err != nil {
		return err
	}
	l.emit(wire.Event{Event: "response", SessionID: string(s.ID()), Done: true})
	return nil
}

func (l *Loop) assemble(s *sessionstore.Session) prompt.Assembled {
	return prompt.Assemble(s.ActiveSkills(), l.Registry.Get, s.History())
}

func (l *Loop) warnStale(s *sessionstore.Session, stale []string) {
	if len(stale) == 0 {
		return
	}
	for _, name := range stale {
		l.emit(wire.Event{Event: "skill_warning", SessionID: string(s.ID()), Skill: name})
	}
}

// stream consumes one chat_stream to completion, forwarding text deltas
// as response events and collecting any tool calls the model requested.
func (l *Loop) stream(ctx context.Context, s *sessionstore.Session, model string, assembled prompt.Assembled) (string, []wire.ToolCallRequest, error) {
	var text string
	var calls []wire.ToolCallRequest

	for chunk := range l.Gateway.ChatStream(ctx, model, assembled.Messages, assembled.Tools) {
		switch chunk.Kind {
		case llm.ChunkText:
			text += chunk.TextDelta
			l.emit(wire.Event{Event: "response", SessionID: string(s.ID()), Delta: chunk.TextDelta, Done: false})
		case llm.ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
		case llm.ChunkEnd:
			if chunk.Err != nil {
				return "", nil, chunk.Err
			}
		}
	}
	return text, calls, nil
}

// runToolCall resolves and executes one model-requested tool call,
// persisting the resulting tool turn (success, ambiguity, not-found, or
// execution failure all produce a tool turn rather than aborting the
// loop, per the tool_exec_failed error kind).
func (l *Loop) runToolCall(ctx context.Context, s *sessionstore.Session, call wire.ToolCallRequest) error {
	if call.Name == toolexec.PaginateToolOutput {
		return l.runPaginate(s, call)
	}

	var tools []wire.ToolDef
	var skillRoot string
	for _, name := range s.ActiveSkills() {
		sk, ok := l.Registry.Get(name)
		if !ok {
			continue
		}
		for _, t := range sk.Tools {
			tools = append(tools, t)
			if t.Name == call.Name {
				skillRoot = sk.RootDir
			}
		}
	}

	tool, err := toolexec.Resolve(tools, call.Name)
	if err != nil {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: call.Name, Error: err.Error(),
		})
	}
	if skillRoot == "" {
		for _, name := range s.ActiveSkills() {
			sk, ok := l.Registry.Get(name)
			if !ok {
				continue
			}
			for _, t := range sk.Tools {
				if t.Name == tool.Name {
					skillRoot = sk.RootDir
				}
			}
		}
	}

	res, err := l.Executor.Run(ctx, string(s.ID()), call, tool, skillRoot)
	if err != nil {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: tool.Name, Error: err.Error(),
		})
	}

	l.emit(wire.Event{
		Event: "tool_call", SessionID: string(s.ID()), ToolName: tool.Name,
		CallID: call.CallID, ResultPreview: res.Preview,
	})

	content := res.Preview
	if res.Record.TimedOut {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: tool.Name,
			Content: content, Error: "tool_timeout",
		})
	}
	if res.Record.ExitCode != 0 {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: tool.Name,
			Content: content, Error: fmt.Sprintf("tool_exec_failed: exit code %d", res.Record.ExitCode),
		})
	}
	return sessionstore.PersistTurn(s, wire.Turn{
		Role: wire.RoleTool, CallID: call.CallID, ToolName: tool.Name, Content: content + "\n" + res.Reference,
	})
}

func (l *Loop) runPaginate(s *sessionstore.Session, call wire.ToolCallRequest) error {
	var args toolexec.PaginateArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: call.Name, Error: err.Error(),
		})
	}
	out, err := l.Executor.Paginate(args)
	if err != nil {
		return sessionstore.PersistTurn(s, wire.Turn{
			Role: wire.RoleTool, CallID: call.CallID, ToolName: call.Name, Error: err.Error(),
		})
	}
	l.emit(wire.Event{Event: "tool_call", SessionID: string(s.ID()), ToolName: call.Name, CallID: call.CallID, ResultPreview: out})
	return sessionstore.PersistTurn(s, wire.Turn{Role: wire.RoleTool, CallID: call.CallID, ToolName: call.Name, Content: out})
}

func (l *Loop) emit(ev wire.Event) {
	if l.Emit != nil {
		l.Emit(ev)
	}
}
