// ABOUTME: Error values returned by the agent dispatch layer
// ABOUTME: Transport and timeout failures are kept distinct from business failures of a bundle

package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAgentAlreadyRegistered indicates an agent with the same ID is already connected.
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrAgentUnavailable indicates the target agent is not connected to this node.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrAgentDisconnected indicates the agent went away while a request was outstanding.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrOperationTimedOut indicates no answer arrived within the wait.
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrBadResponse indicates the agent replied with answers that could not be decoded
	// or whose count does not match the commands sent.
	ErrBadResponse = errors.New("bad response from agent")
)

// SendError wraps a failure to transmit a request on an agent stream.
type SendError struct {
	AgentID string
	Seq     int64
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending seq %d to agent %s: %v", e.Seq, e.AgentID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ConnectionError is returned by a listener's ProcessConnect to reject a host.
// The host is put into the Alert state instead of Up.
type ConnectionError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s rejected: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("agent %s rejected: %s", e.AgentID, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTransportError reports whether err means the request never got a usable answer,
// as opposed to a resolved bundle whose answers report failure. A wait abandoned
// through its context counts as a transport failure.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	return errors.As(err, &se) ||
		errors.Is(err, ErrAgentUnavailable) ||
		errors.Is(err, ErrAgentDisconnected) ||
		errors.Is(err, ErrOperationTimedOut) ||
		errors.Is(err, ErrBadResponse) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
