// Package wire defines the management-server <-> agent protocol.
//
// The protocol is a single bidirectional gRPC stream,
// agent.v1.AgentControl/AgentStream, carrying JSON-encoded messages:
//
//  1. Agent sends Register (agent id, name, StartupCommand envelope)
//  2. Server replies Welcome (server id, msid, instance id)
//  3. Either side sends Request{seq, commands}; the peer replies with
//     Response{seq, answers} positionally aligned with the commands
//  4. Agent sends Heartbeat periodically; server may send Shutdown
//
// Sequence numbers are scoped to the sending side of one stream. Requests
// flagged Control are routed to control-command listeners.
//
// Clients must select the codec with CallOption (NewAgentControlClient does
// this automatically).
package wire
