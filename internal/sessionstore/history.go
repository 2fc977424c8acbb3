package sessionstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruster/ruster/internal/wire"
)

const historyFileName = "history.jsonl"
const metaFileName = "meta.json"

func historyPath(dir string) string { return filepath.Join(dir, historyFileName) }
func metaPath(dir string) string    { return filepath.Join(dir, metaFileName) }

// replayHistory reads every JSON line of history.jsonl in order. A missing
// file replays to an empty history (a freshly created session).
func replayHistory(dir string) ([]wire.Turn, error) {
	f, err := os.Open(historyPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var turns []wire.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t wire.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("replaying %s: %w", historyPath(dir), err)
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

// appendTurn flushes one turn to the append-only log before the caller is
// allowed to emit the corresponding event, so a client never observes a
// message that would not survive a crash (spec's persistence_error rule:
// on failure here, the caller must roll back its in-memory append).
func appendTurn(dir string, t wire.Turn) error {
	f, err := os.OpenFile(historyPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// rewriteHistory atomically replaces history.jsonl with turns, via a
// sibling temp file + rename. This is the only operation that breaks the
// append-only discipline (used by skill.remove); callers must hold the
// session lock across the call.
func rewriteHistory(dir string, turns []wire.Turn) error {
	tmp, err := os.CreateTemp(dir, "history-*.jsonl.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(b); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, historyPath(dir))
}

func writeMeta(dir string, m wire.SessionMeta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "meta-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, metaPath(dir))
}

func readMeta(dir string) (wire.SessionMeta, bool, error) {
	b, err := os.ReadFile(metaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return wire.SessionMeta{}, false, nil
		}
		return wire.SessionMeta{}, false, err
	}
	var m wire.SessionMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return wire.SessionMeta{}, false, err
	}
	return m, true, nil
}
