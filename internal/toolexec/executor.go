// Package toolexec resolves a model's structured tool_call requests
// against the built-ins and a session's active skills, and executes
// skill tools as sandboxed bash -c subprocesses under a per-call
// directory.
package toolexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ruster/ruster/internal/pathutil"
	"github.com/ruster/ruster/internal/wire"
)

// PaginateToolOutput is the name of the only built-in tool.
const PaginateToolOutput = "paginate_tool_output"

// Executor runs skill tools and the paginate_tool_output built-in under
// tool_run_dir, applying a wall-clock timeout with a SIGTERM-then-SIGKILL
// escalation.
type Executor struct {
	ToolRunDir  string
	OutputLines int
	Timeout     time.Duration
	KillGrace   time.Duration
}

func New(toolRunDir string, outputLines int, timeout time.Duration) *Executor {
	if outputLines <= 0 {
		outputLines = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{ToolRunDir: toolRunDir, OutputLines: outputLines, Timeout: timeout, KillGrace: 3 * time.Second}
}

// Resolve finds the tool named name among the given active-skill tool
// defs, following spec's exact-match-over-suffix-match precedence.
// Built-ins are checked by the caller before calling Resolve.
func Resolve(tools []wire.ToolDef, name string) (wire.ToolDef, error) {
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}

	var matches []wire.ToolDef
	for _, t := range tools {
		if strings.HasSuffix(t.Name, "."+name) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return wire.ToolDef{}, fmt.Errorf("%w: %q", wire.ErrToolNotFound, name)
	case 1:
		return matches[0], nil
	default:
		return wire.ToolDef{}, fmt.Errorf("%w: %q", wire.ErrToolAmbiguous, name)
	}
}

// Result is the outcome of one tool execution: the persisted record, the
// preview text to surface in the tool_call event and tool turn, and a
// stable tool:// reference to the full capture.
type Result struct {
	Record    wire.ToolCallRecord
	Preview   string
	Reference string
}

// Run executes tool.Exec via bash -c inside skillRootDir, with arguments
// passed through RUSTER_TOOL_ARGS, capturing stdout/stderr under
// {tool_run_dir}/{call_id}/. The directory is named by the call's own id;
// a fresh UUID is generated only when the call carries no id.
func (e *Executor) Run(ctx context.Context, sessionID string, call wire.ToolCallRequest, tool wire.ToolDef, skillRootDir string) (Result, error) {
	id := call.CallID
	if id == "" {
		id = uuid.NewString()
	}
	runDir, err := pathutil.JoinUnderRoot(e.ToolRunDir, id)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Result{}, err
	}

	stdoutPath := filepath.Join(runDir, "stdout")
	stderrPath := filepath.Join(runDir, "stderr")
	stdoutF, err := os.Create(stdoutPath)
	if err != nil {
		return Result{}, err
	}
	defer stdoutF.Close()
	stderrF, err := os.Create(stderrPath)
	if err != nil {
		return Result{}, err
	}
	defer stderrF.Close()

	started := time.Now().UTC()
	record := wire.ToolCallRecord{
		CallID:     id,
		Tool:       tool.Name,
		Arguments:  call.Arguments,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		StartedAt:  started.Format(time.RFC3339Nano),
	}
	if err := writeCallJSON(runDir, record); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", tool.Exec)
	cmd.Dir = skillRootDir
	cmd.Stdout = stdoutF
	cmd.Stderr = stderrF
	cmd.Env = append(os.Environ(),
		"RUSTER_TOOL_ARGS="+string(argsOrEmpty(call.Arguments)),
		"RUSTER_CALL_ID="+id,
		"RUSTER_SESSION_ID="+sessionID,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.KillGrace

	runErr := cmd.Run()
	ended := time.Now().UTC()
	record.EndedAt = ended.Format(time.RFC3339Nano)

	timedOut := runCtx.Err() == context.DeadlineExceeded
	record.TimedOut = timedOut
	switch {
	case timedOut:
		record.ExitCode = -1
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			record.ExitCode = exitErr.ExitCode()
		} else {
			record.ExitCode = -1
		}
	default:
		record.ExitCode = 0
	}
	if err := writeCallJSON(runDir, record); err != nil {
		return Result{}, err
	}

	preview, err := headLines(stdoutPath, e.OutputLines)
	if err != nil {
		return Result{}, err
	}
	if timedOut {
		preview = fmt.Sprintf("tool timed out after %s", e.Timeout)
	}

	return Result{
		Record:    record,
		Preview:   preview,
		Reference: "tool://" + id,
	}, nil
}

func argsOrEmpty(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

func writeCallJSON(runDir string, record wire.ToolCallRecord) error {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "call.json"), b, 0o644)
}

func headLines(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() && len(lines) < n {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// Paginate implements the paginate_tool_output built-in: a slice of a
// previously captured run's stdout (or stderr) without re-executing.
type PaginateArgs struct {
	CallID     string `json:"call_id"`
	OffsetLines int   `json:"offset_lines"`
	MaxLines   int    `json:"max_lines"`
	Grep       string `json:"grep,omitempty"`
	Stream     string `json:"stream,omitempty"`
}

func (e *Executor) Paginate(args PaginateArgs) (string, error) {
	stream := args.Stream
	if stream == "" {
		stream = "stdout"
	}
	if stream != "stdout" && stream != "stderr" {
		return "", fmt.Errorf("%w: stream must be stdout or stderr", wire.ErrInvalidArgument)
	}

	runDir, err := pathutil.JoinUnderRoot(e.ToolRunDir, args.CallID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", wire.ErrInvalidArgument, err)
	}
	path := filepath.Join(runDir, stream)

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	maxLines := args.MaxLines
	if maxLines <= 0 {
		maxLines = e.OutputLines
	}

	var buf bytes.Buffer
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var idx int
	var taken int
	for scanner.Scan() {
		if idx < args.OffsetLines {
			idx++
			continue
		}
		if taken >= maxLines {
			break
		}
		line := scanner.Text()
		if args.Grep != "" && !strings.Contains(line, args.Grep) {
			idx++
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		idx++
		taken++
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
