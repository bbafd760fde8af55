// ABOUTME: Command and Answer envelope types exchanged with remote agents.
// ABOUTME: Defines the OnError policy and the base answer embedded by concrete answers.

package command

import (
	"encoding/json"
	"fmt"
)

// Command is a unit of work sent to an agent.
type Command interface {
	// Kind names the concrete command type on the wire.
	Kind() string
}

// Answer is the result of exactly one Command.
type Answer interface {
	Kind() string
	Result() bool
	Details() string
}

// OnError selects how a bundle reacts to a failed command.
type OnError int

const (
	// Stop halts the bundle at the first failed command.
	Stop OnError = iota
	// Continue runs every command regardless of earlier failures.
	Continue
)

// String returns the wire name of the policy.
func (o OnError) String() string {
	switch o {
	case Stop:
		return "stop"
	case Continue:
		return "continue"
	default:
		return fmt.Sprintf("OnError(%d)", int(o))
	}
}

// ParseOnError converts a wire name back into an OnError.
func ParseOnError(s string) (OnError, error) {
	switch s {
	case "stop", "":
		return Stop, nil
	case "continue":
		return Continue, nil
	default:
		return Stop, fmt.Errorf("unknown on_error policy %q", s)
	}
}

// BaseAnswer carries the result and details shared by every answer.
// Concrete answers embed it.
type BaseAnswer struct {
	Success bool   `json:"result"`
	Detail  string `json:"details,omitempty"`
}

// Result reports whether the command succeeded.
func (a BaseAnswer) Result() bool { return a.Success }

// Details returns the free-form detail text.
func (a BaseAnswer) Details() string { return a.Detail }

// Envelope is the serialized form of a command or answer.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
