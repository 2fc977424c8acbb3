package toolexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruster/ruster/internal/wire"
)

func TestResolveExactMatchWinsOverSuffix(t *testing.T) {
	t.Parallel()
	tools := []wire.ToolDef{
		{Name: "browser_active"},
		{Name: "web-browsing.browser_active"},
	}
	got, err := Resolve(tools, "browser_active")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "browser_active" {
		t.Errorf("Resolve picked %q, want exact match", got.Name)
	}
}

func TestResolveUnambiguousSuffixMatch(t *testing.T) {
	t.Parallel()
	tools := []wire.ToolDef{{Name: "web-browsing.browser_active"}}
	got, err := Resolve(tools, "browser_active")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "web-browsing.browser_active" {
		t.Errorf("Resolve = %q", got.Name)
	}
}

func TestResolveAmbiguousSuffixIsError(t *testing.T) {
	t.Parallel()
	tools := []wire.ToolDef{
		{Name: "a.browser_active"},
		{Name: "b.browser_active"},
	}
	_, err := Resolve(tools, "browser_active")
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	_, err := Resolve(nil, "missing")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRunCapturesStdoutAndPreview(t *testing.T) {
	t.Parallel()
	runDir := t.TempDir()
	skillDir := t.TempDir()
	ex := New(runDir, 10, 5*time.Second)

	tool := wire.ToolDef{Name: "browser_active", Exec: `echo "Chromium debug is running at localhost:9222"`}
	call := wire.ToolCallRequest{CallID: "c1", Name: "browser_active", Arguments: json.RawMessage(`{}`)}

	res, err := ex.Run(context.Background(), "sess1", call, tool, skillDir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.Record.ExitCode)
	}
	if res.Reference != "tool://c1" {
		t.Errorf("Reference = %q", res.Reference)
	}
	if res.Preview != "Chromium debug is running at localhost:9222" {
		t.Errorf("Preview = %q", res.Preview)
	}

	if _, err := os.Stat(filepath.Join(runDir, "c1", "call.json")); err != nil {
		t.Errorf("call.json missing: %v", err)
	}
}

func TestRunTruncatesPreviewToOutputLines(t *testing.T) {
	t.Parallel()
	runDir := t.TempDir()
	skillDir := t.TempDir()
	ex := New(runDir, 3, 5*time.Second)

	tool := wire.ToolDef{Name: "lots", Exec: `for i in $(seq 1 100); do echo "line $i"; done`}
	call := wire.ToolCallRequest{CallID: "c2", Name: "lots"}

	res, err := ex.Run(context.Background(), "sess1", call, tool, skillDir)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(splitLines(res.Preview)); got != 3 {
		t.Errorf("preview line count = %d, want 3", got)
	}
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()
	runDir := t.TempDir()
	skillDir := t.TempDir()
	ex := New(runDir, 10, 200*time.Millisecond)
	ex.KillGrace = 200 * time.Millisecond

	tool := wire.ToolDef{Name: "slow", Exec: "sleep 5"}
	call := wire.ToolCallRequest{CallID: "c3", Name: "slow"}

	res, err := ex.Run(context.Background(), "sess1", call, tool, skillDir)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Record.TimedOut {
		t.Error("expected TimedOut = true")
	}
	if res.Record.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.Record.ExitCode)
	}
}

func TestPaginateReturnsSliceWithoutReexec(t *testing.T) {
	t.Parallel()
	runDir := t.TempDir()
	skillDir := t.TempDir()
	ex := New(runDir, 10, 5*time.Second)

	tool := wire.ToolDef{Name: "lots", Exec: `for i in $(seq 1 100); do echo "line $i"; done`}
	call := wire.ToolCallRequest{CallID: "c4", Name: "lots"}
	if _, err := ex.Run(context.Background(), "sess1", call, tool, skillDir); err != nil {
		t.Fatal(err)
	}

	out, err := ex.Paginate(PaginateArgs{CallID: "c4", OffsetLines: 50, MaxLines: 5})
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(out)
	if len(lines) != 5 || lines[0] != "line 51" || lines[4] != "line 55" {
		t.Errorf("Paginate = %v", lines)
	}
}

func TestPaginateRejectsPathEscape(t *testing.T) {
	t.Parallel()
	ex := New(t.TempDir(), 10, 5*time.Second)
	if _, err := ex.Paginate(PaginateArgs{CallID: "../etc"}); err == nil {
		t.Fatal("expected an error for a path-escaping call_id")
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
