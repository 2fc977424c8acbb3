package transport

import (
	"context"
	"os"
	"testing"

	"github.com/ruster/ruster/internal/eventsink"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/skill"
	"github.com/ruster/ruster/internal/wire"
)

type fakeConn struct {
	got []wire.Event
}

func (f *fakeConn) Send(ev wire.Event) error {
	f.got = append(f.got, ev)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *sessionstore.Store) {
	t.Helper()
	store := sessionstore.New(t.TempDir())
	reg := skill.NewRegistry(nil, nil, nil)
	rt := &Router{
		Sessions: store,
		Registry: reg,
		Sink:     eventsink.New(),
		Config:   RouterConfig{DefaultModel: "default-model"},
	}
	return rt, store
}

func TestDispatchUnknownCommandGroup(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}
	rt.Dispatch(context.Background(), c, []byte(`{"command":"nonsense","arguments":{}}`))

	if len(c.got) != 1 || c.got[0].Event != "error" || c.got[0].Reason != "unknown_command" {
		t.Fatalf("got = %+v", c.got)
	}
}

func TestDispatchMalformedInputToleratesConnection(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}
	rt.Dispatch(context.Background(), c, []byte(`{not json`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"list"}}`))

	if len(c.got) != 2 {
		t.Fatalf("got = %+v", c.got)
	}
	if c.got[0].Event != "error" || c.got[0].Reason != "malformed_input" {
		t.Errorf("first event = %+v", c.got[0])
	}
	if c.got[1].Event != "sessions" {
		t.Errorf("second event = %+v", c.got[1])
	}
}

func TestSessionCreateThenList(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}

	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"create","session_id":"s1"}}`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"list"}}`))

	if len(c.got) != 2 {
		t.Fatalf("got = %+v", c.got)
	}
	if c.got[0].Event != "created" || c.got[0].Model != "default-model" {
		t.Errorf("created event = %+v", c.got[0])
	}
	items, ok := c.got[1].Items.([]wire.SessionListItem)
	if !ok || len(items) != 1 || items[0].SessionID != "s1" {
		t.Errorf("sessions event = %+v", c.got[1])
	}
}

func TestSessionCreateConflictingModelWarns(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}

	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"create","session_id":"s1","model":"a"}}`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"create","session_id":"s1","model":"b"}}`))

	if len(c.got) != 2 {
		t.Fatalf("got = %+v", c.got)
	}
	if c.got[1].Warning == "" {
		t.Error("expected a warning on the conflicting create")
	}
}

func TestSessionSendNotFound(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}
	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"send","session_id":"nope","message":"hi"}}`))

	if len(c.got) != 1 || c.got[0].Event != "error" || c.got[0].Reason != "not_found" {
		t.Fatalf("got = %+v", c.got)
	}
}

func TestSkillAddRequiresRegistryPresence(t *testing.T) {
	t.Parallel()
	rt, _ := newTestRouter(t)
	c := &fakeConn{}

	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"create","session_id":"s1"}}`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"skill","arguments":{"action":"add","session_id":"s1","skill":"ghost"}}`))

	if len(c.got) != 2 {
		t.Fatalf("got = %+v", c.got)
	}
	if c.got[1].Event != "error" || c.got[1].Reason != "not_found" {
		t.Errorf("expected not_found for an unregistered skill, got %+v", c.got[1])
	}
}

func TestSkillBanPreventsSubsequentAdd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	skillDir := dir + "/skills/demo"
	if err := writeDemoSkill(skillDir); err != nil {
		t.Fatal(err)
	}
	reg := skill.NewRegistry([]string{dir + "/skills"}, nil, nil)
	if err := reg.Rescan(context.Background()); err != nil {
		t.Fatal(err)
	}

	store := sessionstore.New(t.TempDir())
	rt := &Router{Sessions: store, Registry: reg, Sink: eventsink.New(), Config: RouterConfig{DefaultModel: "m"}}
	c := &fakeConn{}

	rt.Dispatch(context.Background(), c, []byte(`{"command":"session","arguments":{"action":"create","session_id":"s1"}}`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"skill","arguments":{"action":"ban","session_id":"s1","skill":"demo"}}`))
	rt.Dispatch(context.Background(), c, []byte(`{"command":"skill","arguments":{"action":"add","session_id":"s1","skill":"demo"}}`))

	s, _ := store.Get("s1")
	if s.IsActive("demo") {
		t.Error("expected demo to stay inactive after being banned then re-added")
	}
}

func writeDemoSkill(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(dir+"/SKILL.md", []byte("---\nname: demo\ndescription: a demo skill\n---\nBody text.\n"), 0o644)
}
