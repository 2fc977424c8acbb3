package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruster/ruster/internal/llm"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/skill"
	"github.com/ruster/ruster/internal/toolexec"
	"github.com/ruster/ruster/internal/wire"
)

type fakeRegistry struct {
	skills  map[string]wire.Skill
	results []skill.SearchResult
}

func (f *fakeRegistry) Get(name string) (wire.Skill, bool) {
	s, ok := f.skills[name]
	return s, ok
}

func (f *fakeRegistry) Search(ctx context.Context, query string, topN int, threshold float64, excluded map[string]struct{}) ([]skill.SearchResult, error) {
	if topN <= 0 {
		return nil, nil
	}
	var out []skill.SearchResult
	for _, r := range f.results {
		if _, banned := excluded[r.Name]; banned {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func newSessionForTest(t *testing.T, initial []string) *sessionstore.Session {
	t.Helper()
	dir := t.TempDir()
	st := sessionstore.New(dir)
	res, err := st.Create("s1", "m1", "default", initial, nil)
	if err != nil {
		t.Fatal(err)
	}
	return res.Session
}

func newStreamGateway(t *testing.T, lines []string) *llm.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return llm.New(srv.URL, srv.Client())
}

func TestSendBrowserCheckScenario(t *testing.T) {
	t.Parallel()
	s := newSessionForTest(t, nil)

	reg := &fakeRegistry{
		skills: map[string]wire.Skill{
			"web-browsing": {
				Name:    "web-browsing",
				Body:    "Use the browser tool.",
				RootDir: t.TempDir(),
				Tools: []wire.ToolDef{
					{Name: "browser_active", Exec: `echo "Chromium debug is running at localhost:9222"`},
				},
			},
		},
		results: []skill.SearchResult{{Name: "web-browsing", Score: 0.9}},
	}

	gw := newStreamGateway(t, []string{
		`{"type":"tool_call_delta","tool_call_delta":{"id":"c1","name":"browser_active","args_chunk":"{}","final":true}}`,
		`{"type":"end","reason":"tool_calls"}`,
	})

	var events []wire.Event
	loop := &Loop{
		Registry: reg,
		Gateway:  gw,
		Executor: toolexec.New(t.TempDir(), 10, 5*time.Second),
		Emit:     func(ev wire.Event) { events = append(events, ev) },
	}

	// The gateway above always answers the same way regardless of round.
	// With MaxToolRounds: 1 the single round runs the tool, then the
	// round-limit turn is injected and the final stream's repeated tool
	// call is ignored, which ends the turn.
	loop.Gateway = gw
	err := loop.Send(context.Background(), s, Config{Model: "default", RAGTopN: 1, RAGThreshold: 0.3, MaxToolRounds: 1}, "check if the browser is active?")
	if err != nil {
		t.Fatal(err)
	}

	var sawSkillUsed, sawToolCall bool
	for _, ev := range events {
		if ev.Event == "skill_used" && ev.Skill == "web-browsing" {
			sawSkillUsed = true
		}
		if ev.Event == "tool_call" && ev.ToolName == "browser_active" {
			sawToolCall = true
			if !contains(ev.ResultPreview, "Chromium debug is running") {
				t.Errorf("ResultPreview = %q", ev.ResultPreview)
			}
		}
	}
	if !sawSkillUsed {
		t.Error("expected a skill_used event")
	}
	if !sawToolCall {
		t.Error("expected a tool_call event")
	}
}

func TestSendTerminalTextResponse(t *testing.T) {
	t.Parallel()
	s := newSessionForTest(t, nil)
	reg := &fakeRegistry{skills: map[string]wire.Skill{}}
	gw := newStreamGateway(t, []string{
		`{"type":"text_delta","text":"hello "}`,
		`{"type":"text_delta","text":"world"}`,
		`{"type":"end","reason":"stop"}`,
	})

	var events []wire.Event
	loop := &Loop{
		Registry: reg,
		Gateway:  gw,
		Executor: toolexec.New(t.TempDir(), 10, 5*time.Second),
		Emit:     func(ev wire.Event) { events = append(events, ev) },
	}

	if err := loop.Send(context.Background(), s, Config{Model: "default"}, "hi"); err != nil {
		t.Fatal(err)
	}

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("History() = %+v", hist)
	}
	if hist[1].Role != wire.RoleAssistant || hist[1].Content != "hello world" {
		t.Errorf("assistant turn = %+v", hist[1])
	}

	var gotDone bool
	for _, ev := range events {
		if ev.Event == "response" && ev.Done {
			gotDone = true
		}
	}
	if !gotDone {
		t.Error("expected a done response event")
	}
}

func TestSendMaxToolRoundsInjectsRoundLimitTurn(t *testing.T) {
	t.Parallel()
	s := newSessionForTest(t, nil)
	reg := &fakeRegistry{
		skills: map[string]wire.Skill{
			"looper": {
				Name:    "looper",
				RootDir: t.TempDir(),
				Tools:   []wire.ToolDef{{Name: "spin", Exec: "echo again"}},
			},
		},
	}
	s.ActivateSkill("looper")

	gw := newStreamGateway(t, []string{
		`{"type":"tool_call_delta","tool_call_delta":{"id":"c1","name":"spin","args_chunk":"{}","final":true}}`,
		`{"type":"end","reason":"tool_calls"}`,
	})

	loop := &Loop{
		Registry: reg,
		Gateway:  gw,
		Executor: toolexec.New(t.TempDir(), 10, 5*time.Second),
		Emit:     func(wire.Event) {},
	}

	if err := loop.Send(context.Background(), s, Config{Model: "default", MaxToolRounds: 1}, "loop please"); err != nil {
		t.Fatal(err)
	}

	var sawRoundLimit bool
	for _, t2 := range s.History() {
		if t2.Role == wire.RoleTool && t2.Content == "round limit reached" {
			sawRoundLimit = true
		}
	}
	if !sawRoundLimit {
		t.Fatalf("expected a round-limit tool turn, got %+v", s.History())
	}
}

func TestSendUpstreamErrorPersistsNoAssistantTurn(t *testing.T) {
	t.Parallel()
	s := newSessionForTest(t, nil)
	reg := &fakeRegistry{skills: map[string]wire.Skill{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	gw := llm.New(srv.URL, srv.Client())

	var events []wire.Event
	loop := &Loop{
		Registry: reg,
		Gateway:  gw,
		Executor: toolexec.New(t.TempDir(), 10, 5*time.Second),
		Emit:     func(ev wire.Event) { events = append(events, ev) },
	}

	if err := loop.Send(context.Background(), s, Config{Model: "default"}, "hi"); err != nil {
		t.Fatal(err)
	}

	hist := s.History()
	if len(hist) != 1 || hist[0].Role != wire.RoleUser {
		t.Fatalf("expected only the user turn to be persisted, got %+v", hist)
	}

	var gotErrorEvent bool
	for _, ev := range events {
		if ev.Event == "response" && ev.Done && ev.Error != "" {
			gotErrorEvent = true
		}
	}
	if !gotErrorEvent {
		t.Error("expected a response event carrying an error")
	}
}

func TestSendPaginateBuiltinDoesNotReexecute(t *testing.T) {
	t.Parallel()
	s := newSessionForTest(t, nil)
	execDir := t.TempDir()
	reg := &fakeRegistry{
		skills: map[string]wire.Skill{
			"web-browsing": {
				Name:    "web-browsing",
				RootDir: t.TempDir(),
				Tools:   []wire.ToolDef{{Name: "lots", Exec: `for i in $(seq 1 20); do echo "line $i"; done`}},
			},
		},
	}
	s.ActivateSkill("web-browsing")

	ex := toolexec.New(execDir, 10, 5*time.Second)
	call := wire.ToolCallRequest{CallID: "c1", Name: "lots"}
	tool, err := toolexec.Resolve(reg.skills["web-browsing"].Tools, "lots")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Run(context.Background(), "s1", call, tool, reg.skills["web-browsing"].RootDir); err != nil {
		t.Fatal(err)
	}

	pageArgs, _ := json.Marshal(toolexec.PaginateArgs{CallID: "c1", OffsetLines: 5, MaxLines: 3})
	gw := newStreamGateway(t, []string{
		`{"type":"tool_call_delta","tool_call_delta":{"id":"p1","name":"paginate_tool_output","args_chunk":` + string(mustJSON(string(pageArgs))) + `,"final":true}}`,
		`{"type":"text_delta","text":"done"}`,
		`{"type":"end","reason":"stop"}`,
	})

	loop := &Loop{Registry: reg, Gateway: gw, Executor: ex, Emit: func(wire.Event) {}}
	if err := loop.Send(context.Background(), s, Config{Model: "default"}, "paginate"); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, t2 := range s.History() {
		if t2.Role == wire.RoleTool && t2.ToolName == "paginate_tool_output" {
			found = true
			if !contains(t2.Content, "line 6") {
				t.Errorf("Content = %q", t2.Content)
			}
		}
	}
	if !found {
		t.Fatal("expected a paginate_tool_output tool turn")
	}
}

func mustJSON(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (s == sub || indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
