package sessionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/ruster/ruster/internal/wire"
)

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store keeps the daemon's live session map and owns their on-disk
// directories under <baseDir>/sessions/<id>/.
type Store struct {
	mu      sync.Mutex
	baseDir string
	sessions map[wire.SessionID]*Session
}

func New(baseDir string) *Store {
	return &Store{
		baseDir:  baseDir,
		sessions: map[wire.SessionID]*Session{},
	}
}

func (st *Store) sessionDir(id wire.SessionID) string {
	return filepath.Join(st.baseDir, "sessions", string(id))
}

// ValidateID rejects session IDs that would be unsafe as a filename
// component.
func ValidateID(id wire.SessionID) error {
	s := string(id)
	if s == "" || !validSessionID.MatchString(s) {
		return fmt.Errorf("%w: invalid session_id %q", wire.ErrInvalidArgument, s)
	}
	return nil
}

// CreateResult reports whether Create found the session live, loaded it
// from disk, or created it fresh, and whether the requested model
// conflicted with an existing one (spec's "conflict" error kind).
type CreateResult struct {
	Session  *Session
	Created  bool
	Conflict bool
}

// Create implements session.create's three-way branch: in-memory hit,
// on-disk replay, or a brand new session directory. On the fresh-session
// path, initialSkills is filtered through knownSkill so only names present
// in the registry are seeded active (spec's create step 3); a nil
// knownSkill is only safe to pass when initialSkills is empty.
func (st *Store) Create(id wire.SessionID, model, defaultModel string, initialSkills []string, knownSkill func(name string) bool) (CreateResult, error) {
	if err := ValidateID(id); err != nil {
		return CreateResult{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		conflict := model != "" && model != s.model
		return CreateResult{Session: s, Created: false, Conflict: conflict}, nil
	}

	dir := st.sessionDir(id)
	if _, err := os.Stat(dir); err == nil {
		s, err := st.loadFromDisk(id, dir)
		if err != nil {
			return CreateResult{}, err
		}
		conflict := model != "" && model != s.model
		st.sessions[id] = s
		return CreateResult{Session: s, Created: false, Conflict: conflict}, nil
	}

	effectiveModel := model
	if effectiveModel == "" {
		effectiveModel = defaultModel
	}

	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		return CreateResult{}, err
	}
	if err := os.WriteFile(historyPath(dir), nil, 0o644); err != nil {
		return CreateResult{}, err
	}

	s := newSession(id, dir, effectiveModel)
	for _, name := range initialSkills {
		if knownSkill != nil && !knownSkill(name) {
			continue
		}
		s.ActivateSkill(name)
	}
	if err := writeMeta(dir, s.meta()); err != nil {
		return CreateResult{}, err
	}

	st.sessions[id] = s
	return CreateResult{Session: s, Created: true}, nil
}

func (st *Store) loadFromDisk(id wire.SessionID, dir string) (*Session, error) {
	turns, err := replayHistory(dir)
	if err != nil {
		return nil, err
	}
	meta, ok, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	s := newSession(id, dir, "")
	if ok {
		s.model = meta.Model
		for _, name := range meta.ActiveSkills {
			s.ActivateSkill(name)
		}
		s.setBanned(meta.BannedSkills)
	}
	s.ReplaceHistory(turns)
	return s, nil
}

// Get returns the live session for id, if any.
func (st *Store) Get(id wire.SessionID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns every live session's id and model, sorted by id.
func (st *Store) List() []wire.SessionListItem {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]wire.SessionListItem, 0, len(st.sessions))
	for id, s := range st.sessions {
		out = append(out, wire.SessionListItem{SessionID: string(id), Model: s.model})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Delete removes a session's directory and its in-memory entry.
func (st *Store) Delete(id wire.SessionID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.sessions, id)
	dir := st.sessionDir(id)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PersistTurn flushes t to the session's append-only log, then (only on
// success) appends it to in-memory history. On write failure the caller
// observes an error and the in-memory state is left untouched, satisfying
// the persistence_error contract.
func PersistTurn(s *Session, t wire.Turn) error {
	if err := appendTurn(s.dir, t); err != nil {
		return err
	}
	s.AppendTurn(t)
	return nil
}

// PersistMeta rewrites meta.json from the session's current in-memory
// state (model, active/banned skills).
func PersistMeta(s *Session) error {
	return writeMeta(s.dir, s.meta())
}

// RewriteHistoryRemovingSkill implements skill.remove's history rewrite:
// for every user turn, drop name from its skills_snapshot. The caller
// must hold s.Mu across this call.
func RewriteHistoryRemovingSkill(s *Session, name string) error {
	next := make([]wire.Turn, 0, len(s.history))
	for _, t := range s.history {
		if t.Role == wire.RoleUser && len(t.SkillsSnapshot) > 0 {
			t.SkillsSnapshot = removeString(t.SkillsSnapshot, name)
		}
		next = append(next, t)
	}
	if err := rewriteHistory(s.dir, next); err != nil {
		return err
	}
	s.ReplaceHistory(next)
	return nil
}

func removeString(in []string, v string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
