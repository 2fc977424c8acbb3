package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruster/ruster/internal/eventsink"
	"github.com/ruster/ruster/internal/inference"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/skill"
	"github.com/ruster/ruster/internal/wire"
)

// Sender is the subset of a connection a handler needs to reply directly
// (as opposed to broadcasting through the Event Sink to every
// subscriber of a session).
type Sender interface {
	Send(wire.Event) error
}

// subscriptionTracker is implemented by *conn so the router can record
// which sessions a connection has subscribed to, letting the server
// prune the Event Sink on disconnect. Test doubles that don't care about
// fan-out pruning can simply not implement it.
type subscriptionTracker interface {
	trackSubscription(wire.SessionID)
}

func (rt *Router) subscribe(id wire.SessionID, conn Sender) {
	rt.Sink.Subscribe(id, conn)
	if t, ok := conn.(subscriptionTracker); ok {
		t.trackSubscription(id)
	}
}

// RouterConfig carries the whitelisted config keys the router and
// inference loop need per send.
type RouterConfig struct {
	DefaultModel  string
	RAGTopN       int
	RAGThreshold  float64
	MaxToolRounds int
	InitialSkills []string
	HistoryLimit  int
}

// ConfigStore is the subset of internal/config.Store the router needs to
// serve config.get/set/list.
type ConfigStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	List() map[string]string
}

// Router dispatches normalized commands to the session, skill, and
// config groups.
type Router struct {
	Sessions    *sessionstore.Store
	Registry    *skill.Registry
	Loop        *inference.Loop
	Sink        *eventsink.Sink
	Config      RouterConfig
	ConfigStore ConfigStore
}

// Dispatch parses one line and routes it. Malformed JSON or an unknown
// group produce an error event on conn rather than propagating an error
// that would close the connection.
func (rt *Router) Dispatch(ctx context.Context, conn Sender, line []byte) {
	cmd, err := normalize(line)
	if err != nil {
		conn.Send(wire.Event{Event: "error", Reason: "malformed_input"})
		return
	}

	var groupErr error
	switch cmd.Group {
	case "session":
		groupErr = rt.handleSession(ctx, conn, cmd.Verb, cmd.Body)
	case "skill":
		groupErr = rt.handleSkill(ctx, conn, cmd.Verb, cmd.Body)
	case "config":
		groupErr = rt.handleConfig(conn, cmd.Verb, cmd.Body)
	default:
		conn.Send(wire.Event{Event: "error", Reason: "unknown_command"})
		return
	}
	if groupErr != nil {
		conn.Send(wire.Event{Event: "error", Reason: groupErr.Error()})
	}
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Message   string `json:"message"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (rt *Router) handleSession(ctx context.Context, conn Sender, verb string, body json.RawMessage) error {
	var args sessionArgs
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return fmt.Errorf("malformed_input")
		}
	}

	switch verb {
	case "create":
		knownSkill := func(name string) bool { _, ok := rt.Registry.Get(name); return ok }
		res, err := rt.Sessions.Create(wire.SessionID(args.SessionID), args.Model, rt.Config.DefaultModel, rt.Config.InitialSkills, knownSkill)
		if err != nil {
			return err
		}
		rt.subscribe(res.Session.ID(), conn)
		ev := wire.Event{Event: "created", SessionID: args.SessionID, Model: res.Session.Model()}
		if res.Conflict {
			ev.Warning = "session already exists with a different model"
		}
		return conn.Send(ev)

	case "send":
		s, ok := rt.Sessions.Get(wire.SessionID(args.SessionID))
		if !ok {
			return errors.New("not_found")
		}
		rt.subscribe(s.ID(), conn)
		s.Mu.Lock()
		defer s.Mu.Unlock()
		// Detached from shutdown cancellation so an in-flight turn is not
		// cut off mid-stream; the server waits for it to finish.
		return rt.Loop.Send(context.WithoutCancel(ctx), s, inference.Config{
			Model:         s.Model(),
			RAGTopN:       rt.Config.RAGTopN,
			RAGThreshold:  rt.Config.RAGThreshold,
			MaxToolRounds: rt.Config.MaxToolRounds,
		}, args.Message)

	case "list":
		return conn.Send(wire.Event{Event: "sessions", Items: rt.Sessions.List()})

	case "delete":
		if err := rt.Sessions.Delete(wire.SessionID(args.SessionID)); err != nil {
			return err
		}
		ev := wire.Event{Event: "deleted", SessionID: args.SessionID}
		rt.Sink.Publish(ctx, ev)
		return conn.Send(ev)

	case "history":
		s, ok := rt.Sessions.Get(wire.SessionID(args.SessionID))
		if !ok {
			return errors.New("not_found")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = rt.Config.HistoryLimit
			if limit <= 0 {
				limit = 20
			}
		}
		items := sliceHistory(s.History(), limit, args.Offset)
		return conn.Send(wire.Event{Event: "history", SessionID: args.SessionID, Items: items})

	default:
		return errors.New("unknown_command")
	}
}

func sliceHistory(turns []wire.Turn, limit, offset int) []wire.HistoryItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(turns) {
		return []wire.HistoryItem{}
	}
	end := offset + limit
	if end > len(turns) || limit <= 0 {
		end = len(turns)
	}
	out := make([]wire.HistoryItem, 0, end-offset)
	for _, t := range turns[offset:end] {
		out = append(out, wire.HistoryItem{
			Role: t.Role, Content: t.Content, SkillsSnapshot: t.SkillsSnapshot,
			ToolCalls: t.ToolCalls, CallID: t.CallID, ToolName: t.ToolName, Error: t.Error,
		})
	}
	return out
}

type skillArgs struct {
	Skill string `json:"skill"`
	Query string `json:"query"`
	TopN  int    `json:"top_n"`
}

func (rt *Router) handleSkill(ctx context.Context, conn Sender, verb string, body json.RawMessage) error {
	var args skillArgs
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return fmt.Errorf("malformed_input")
		}
	}

	sessArgs, sessErr := decodeSessionScopedSkillArgs(body)

	switch verb {
	case "search":
		topN := args.TopN
		if topN <= 0 {
			topN = rt.Config.RAGTopN
		}
		results, err := rt.Registry.Search(ctx, args.Query, topN, rt.Config.RAGThreshold, nil)
		if err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "skill_search_results", Items: results})

	case "add", "list", "remove", "ban", "unban":
		if sessErr != nil {
			return sessErr
		}
		s, ok := rt.Sessions.Get(wire.SessionID(sessArgs.SessionID))
		if !ok {
			return errors.New("not_found")
		}
		s.Mu.Lock()
		defer s.Mu.Unlock()
		return rt.applySkillVerb(conn, s, verb, sessArgs.Skill)

	default:
		return errors.New("unknown_command")
	}
}

type sessionScopedSkillArgs struct {
	SessionID string `json:"session_id"`
	Skill     string `json:"skill"`
}

func decodeSessionScopedSkillArgs(body json.RawMessage) (sessionScopedSkillArgs, error) {
	var out sessionScopedSkillArgs
	if len(body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("malformed_input")
	}
	return out, nil
}

func (rt *Router) applySkillVerb(conn Sender, s *sessionstore.Session, verb, name string) error {
	switch verb {
	case "add":
		if _, ok := rt.Registry.Get(name); !ok {
			return errors.New("not_found")
		}
		if !s.IsBanned(name) {
			s.ActivateSkill(name)
		}
		if err := sessionstore.PersistMeta(s); err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "skill_added", Skill: name})

	case "list":
		return conn.Send(wire.Event{Event: "skill_active_list", Items: s.ActiveSkills()})

	case "remove":
		s.DeactivateSkill(name)
		if err := sessionstore.RewriteHistoryRemovingSkill(s, name); err != nil {
			return err
		}
		if err := sessionstore.PersistMeta(s); err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "skill_removed", Skill: name})

	case "ban":
		s.Ban(name)
		s.DeactivateSkill(name)
		if err := sessionstore.RewriteHistoryRemovingSkill(s, name); err != nil {
			return err
		}
		if err := sessionstore.PersistMeta(s); err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "skill_banned", Skill: name})

	case "unban":
		s.Unban(name)
		if err := sessionstore.PersistMeta(s); err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "skill_unbanned", Skill: name})
	}
	return errors.New("unknown_command")
}

type configArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleConfig implements config.get/set/list by delegating to
// ConfigStore (internal/config.Store in cmd/rusterd), which owns the
// whitelisted key set and persistence to <base>/state/config.json.
func (rt *Router) handleConfig(conn Sender, verb string, body json.RawMessage) error {
	var args configArgs
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return fmt.Errorf("malformed_input")
		}
	}
	if rt.ConfigStore == nil {
		return errors.New("config_unavailable")
	}
	switch verb {
	case "get":
		v, ok := rt.ConfigStore.Get(args.Key)
		if !ok {
			return errors.New("not_found")
		}
		return conn.Send(wire.Event{Event: "config_value", Items: map[string]string{"key": args.Key, "value": v}})
	case "set":
		if err := rt.ConfigStore.Set(args.Key, args.Value); err != nil {
			return err
		}
		return conn.Send(wire.Event{Event: "config_set", Items: map[string]string{"key": args.Key, "value": args.Value}})
	case "list":
		return conn.Send(wire.Event{Event: "config_list", Items: rt.ConfigStore.List()})
	}
	return errors.New("unknown_command")
}
