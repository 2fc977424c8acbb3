// Package sessionstore holds the daemon's per-session state: history,
// model selection, active/banned skills, and the on-disk append log that
// backs them.
package sessionstore

import (
	"slices"
	"sync"

	"github.com/ruster/ruster/internal/wire"
)

// Session is one conversational session. Every field is guarded by Mu;
// callers hold Mu for the duration of any command that mutates state or
// drives the inference loop, per the per-session serialization model.
type Session struct {
	Mu sync.Mutex

	id    wire.SessionID
	dir   string
	model string

	history []wire.Turn

	activeSkills []string
	bannedSkills map[string]struct{}
}

func newSession(id wire.SessionID, dir, model string) *Session {
	return &Session{
		id:           id,
		dir:          dir,
		model:        model,
		bannedSkills: map[string]struct{}{},
	}
}

func (s *Session) ID() wire.SessionID { return s.id }

func (s *Session) Dir() string { return s.dir }

// Model returns the session's current model. Caller must hold Mu.
func (s *Session) Model() string { return s.model }

// SetModel updates the model. Caller must hold Mu.
func (s *Session) SetModel(m string) { s.model = m }

// History returns a defensive copy of the turn sequence. Caller must hold Mu.
func (s *Session) History() []wire.Turn {
	return append([]wire.Turn(nil), s.history...)
}

// AppendTurn appends an in-memory turn. Persistence is the caller's
// responsibility (see PersistTurn) and must happen first, so a
// client never observes a turn that would not survive a crash.
func (s *Session) AppendTurn(t wire.Turn) {
	s.history = append(s.history, t)
}

// ReplaceHistory swaps the in-memory history wholesale; used after a
// skill.remove rewrite of history.jsonl.
func (s *Session) ReplaceHistory(h []wire.Turn) {
	s.history = append([]wire.Turn(nil), h...)
}

// ActiveSkills returns a defensive copy, in activation order.
func (s *Session) ActiveSkills() []string {
	return append([]string(nil), s.activeSkills...)
}

// ActivateSkill appends name to the active set if not already present.
// Returns true if it was newly added.
func (s *Session) ActivateSkill(name string) bool {
	if slices.Contains(s.activeSkills, name) {
		return false
	}
	s.activeSkills = append(s.activeSkills, name)
	return true
}

// DeactivateSkill removes name from the active set. Returns true if it was
// present.
func (s *Session) DeactivateSkill(name string) bool {
	idx := slices.Index(s.activeSkills, name)
	if idx < 0 {
		return false
	}
	s.activeSkills = slices.Delete(s.activeSkills, idx, idx+1)
	return true
}

// IsActive reports whether name is currently active.
func (s *Session) IsActive(name string) bool {
	return slices.Contains(s.activeSkills, name)
}

// BannedSkills returns a defensive copy of the banned set as a sorted-free
// slice (order is not meaningful for a set).
func (s *Session) BannedSkills() []string {
	out := make([]string, 0, len(s.bannedSkills))
	for n := range s.bannedSkills {
		out = append(out, n)
	}
	return out
}

func (s *Session) Ban(name string) {
	s.bannedSkills[name] = struct{}{}
}

func (s *Session) Unban(name string) {
	delete(s.bannedSkills, name)
}

func (s *Session) IsBanned(name string) bool {
	_, ok := s.bannedSkills[name]
	return ok
}

func (s *Session) setBanned(names []string) {
	s.bannedSkills = make(map[string]struct{}, len(names))
	for _, n := range names {
		s.bannedSkills[n] = struct{}{}
	}
}

func (s *Session) meta() wire.SessionMeta {
	return wire.SessionMeta{
		SessionID:    s.id,
		Model:        s.model,
		ActiveSkills: append([]string(nil), s.activeSkills...),
		BannedSkills: s.BannedSkills(),
	}
}
