// Package llm implements the Gateway to the upstream chat-completion proxy.
// The proxy is an opaque chat/stream HTTP endpoint (spec.md §1); this
// package owns only message shaping and the streaming channel contract, not
// any vendor-specific wire format.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruster/ruster/internal/wire"
)

// Message is one entry of the ordered prompt submitted to the model.
type Message struct {
	Role    wire.Role `json:"role"`
	Content string    `json:"content"`
	CallID  string    `json:"call_id,omitempty"`
}

// ChunkKind discriminates the items a stream yields.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text_delta"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkEnd      ChunkKind = "end"
)

// Chunk is one item from a chat_stream. Exactly one of TextDelta /
// ToolCall / (FinishReason or Err) is meaningful, selected by Kind.
type Chunk struct {
	Kind ChunkKind

	TextDelta string

	ToolCall wire.ToolCallRequest

	FinishReason string
	Err          error
}

// wireChunk is the newline-framed JSON the opaque proxy emits per spec.md
// §4.7: {type, text?, tool_call_delta?, reason?}.
type wireChunk struct {
	Type          string          `json:"type"`
	Text          string          `json:"text,omitempty"`
	ToolCallDelta *toolCallDelta  `json:"tool_call_delta,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type toolCallDelta struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	ArgsChunk string          `json:"args_chunk,omitempty"`
	Final     bool            `json:"final,omitempty"`
}

// Gateway streams chat completions from the configured proxy.
type Gateway struct {
	proxyURL   string
	httpClient *http.Client
}

func New(proxyURL string, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gateway{proxyURL: proxyURL, httpClient: httpClient}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Tools    []wire.ToolDef `json:"tools,omitempty"`
}

// ChatStream returns a channel of Chunks. The channel is closed once a
// ChunkEnd (possibly carrying Err) has been delivered, or without a
// ChunkEnd if ctx is canceled while a text or tool-call chunk is waiting
// to be delivered; callers should
// range over it rather than watching for a separate done signal, mirroring
// the channel-based provider contract used across the corpus's LLM clients.
func (g *Gateway) ChatStream(
	ctx context.Context,
	model string,
	messages []Message,
	tools []wire.ToolDef,
) <-chan Chunk {
	out := make(chan Chunk, 16)

	go func() {
		defer close(out)

		body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Tools: tools})
		if err != nil {
			out <- Chunk{Kind: ChunkEnd, Err: err}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.proxyURL+"/chat/stream", bytes.NewReader(body))
		if err != nil {
			out <- Chunk{Kind: ChunkEnd, Err: err}
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			out <- Chunk{Kind: ChunkEnd, Err: fmt.Errorf("upstream_stream_error: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			out <- Chunk{Kind: ChunkEnd, Err: fmt.Errorf("upstream_stream_error: proxy returned %s", resp.Status)}
			return
		}

		pending := map[string]*pendingToolCall{}
		order := make([]string, 0, 4)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var wc wireChunk
			if err := json.Unmarshal([]byte(line), &wc); err != nil {
				out <- Chunk{Kind: ChunkEnd, Err: fmt.Errorf("upstream_stream_error: malformed chunk: %w", err)}
				return
			}

			switch wc.Type {
			case "text_delta":
				select {
				case out <- Chunk{Kind: ChunkText, TextDelta: wc.Text}:
				case <-ctx.Done():
					return
				}
			case "tool_call_delta":
				d := wc.ToolCallDelta
				if d == nil {
					continue
				}
				p, ok := pending[d.ID]
				if !ok {
					p = &pendingToolCall{id: d.ID}
					pending[d.ID] = p
					order = append(order, d.ID)
				}
				if d.Name != "" {
					p.name = d.Name
				}
				p.args.WriteString(d.ArgsChunk)
				if d.Final {
					select {
					case out <- Chunk{Kind: ChunkToolCall, ToolCall: p.toRequest()}:
					case <-ctx.Done():
						return
					}
					delete(pending, d.ID)
				}
			case "end":
				// Flush any tool calls whose fragments never received an
				// explicit final marker before the stream closed.
				for _, id := range order {
					if p, ok := pending[id]; ok {
						select {
						case out <- Chunk{Kind: ChunkToolCall, ToolCall: p.toRequest()}:
						case <-ctx.Done():
							return
						}
					}
				}
				var endErr error
				if wc.Error != "" {
					endErr = fmt.Errorf("upstream_stream_error: %s", wc.Error)
				}
				out <- Chunk{Kind: ChunkEnd, FinishReason: wc.Reason, Err: endErr}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			out <- Chunk{Kind: ChunkEnd, Err: fmt.Errorf("upstream_stream_error: %w", err)}
			return
		}

		// Stream closed without an explicit "end" item: flush pending tool
		// calls and signal a normal close.
		for _, id := range order {
			if p, ok := pending[id]; ok {
				out <- Chunk{Kind: ChunkToolCall, ToolCall: p.toRequest()}
			}
		}
		out <- Chunk{Kind: ChunkEnd}
	}()

	return out
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *pendingToolCall) toRequest() wire.ToolCallRequest {
	args := p.args.String()
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return wire.ToolCallRequest{
		CallID:    p.id,
		Name:      p.name,
		Arguments: json.RawMessage(args),
	}
}
