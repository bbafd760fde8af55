// ABOUTME: Message types exchanged on the AgentControl bidirectional stream.
// ABOUTME: Each message carries exactly one populated payload field.

package wire

import "github.com/apache/cloudstack-sub185/internal/command"

// AgentMessage is sent from an agent to the management server.
type AgentMessage struct {
	Register  *Register  `json:"register,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	Request   *Request   `json:"request,omitempty"`
	Response  *Response  `json:"response,omitempty"`
}

// ServerMessage is sent from the management server to an agent.
type ServerMessage struct {
	Welcome  *Welcome  `json:"welcome,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Shutdown *Shutdown `json:"shutdown,omitempty"`
}

// Register is the first message on every agent stream.
type Register struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`

	// Startup describes the host; it is handed to connect listeners.
	Startup command.Envelope `json:"startup"`
}

// Welcome acknowledges a registration.
type Welcome struct {
	ServerID   string `json:"server_id"`
	MSID       int64  `json:"msid"`
	AgentID    string `json:"agent_id"`
	InstanceID string `json:"instance_id"`
}

// Heartbeat tells the server the agent is alive.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// Request carries a bundle of commands correlated by Seq.
type Request struct {
	Seq      int64              `json:"seq"`
	OnError  string             `json:"on_error,omitempty"`
	Control  bool               `json:"control,omitempty"`
	Commands []command.Envelope `json:"commands"`
}

// Response carries the answers for the request with the same Seq.
type Response struct {
	Seq     int64              `json:"seq"`
	Answers []command.Envelope `json:"answers"`
}

// Shutdown asks the agent to close its stream.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}
