// Package transport binds the UNIX socket, frames connections on '\n',
// and routes each parsed command to the session/skill/config groups.
package transport

import (
	"encoding/json"
	"fmt"
)

// envelope is the outer shape of one inbound frame, covering both the
// nested {command, arguments} form and the legacy flat {action, ...}
// form. Exactly one of Command or Action is populated by a well-formed
// client.
type envelope struct {
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
	Action    string          `json:"action"`
}

// normalized is a shape-normalized command: a group ("session", "skill",
// "config") and a verb ("send", "create", "get", ...), with the
// verb-specific fields left as raw JSON for the group handler to decode.
type normalized struct {
	Group string
	Verb  string
	Body  json.RawMessage
}

// normalize converts either accepted envelope shape into a normalized
// command. The legacy flat form only ever addresses the session group,
// per spec.
func normalize(line []byte) (normalized, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return normalized{}, fmt.Errorf("malformed_input: %w", err)
	}

	if env.Command != "" {
		var verbHeader struct {
			Action string `json:"action"`
		}
		if len(env.Arguments) > 0 {
			if err := json.Unmarshal(env.Arguments, &verbHeader); err != nil {
				return normalized{}, fmt.Errorf("malformed_input: %w", err)
			}
		}
		return normalized{Group: env.Command, Verb: verbHeader.Action, Body: env.Arguments}, nil
	}

	if env.Action != "" {
		return normalized{Group: "session", Verb: env.Action, Body: line}, nil
	}

	return normalized{}, fmt.Errorf("malformed_input: missing command or action")
}
