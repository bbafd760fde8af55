// Package agent manages connections to hypervisor agents and the commands exchanged with them.
//
// # Overview
//
// Each connected agent is a Connection wrapping its bidirectional stream.
// The Manager tracks connections by agent ID and correlates every command
// bundle it sends with the answers that come back.
//
//	mgr := agent.NewManager(agent.Config{MSID: 1, Logger: logger})
//
// # Sending commands
//
// Commands are sent as a bundle (command.Commands). Every bundle gets a
// sequence number unique within its connection.
//
//   - Send(ctx, agentID, cmds): blocks until the answers arrive, the wait
//     elapses, the agent disconnects, or ctx is done. On success the answers
//     are set on cmds in command order.
//   - SendAsync(agentID, cmds, listener): returns the sequence number at once.
//     Answers go to listener.ProcessAnswers; if none arrive within
//     listener.Timeout seconds, listener.ProcessTimeout fires instead and the
//     registration is removed. Exactly one of the two happens for a
//     non-recurring listener.
//
// A recurring listener stays registered after each answer and its timer
// restarts. Answers arriving for a sequence that already timed out are logged
// as late and dropped.
//
// A reply that does not decode, or carries a different number of answers than
// commands, is rejected with ErrBadResponse. It ends a one-shot wait as a
// transport failure (Send) or a timeout (SendAsync); recurring listeners ignore
// it. IsTransportError also covers waits abandoned through ctx.
//
// # Listeners
//
// Listeners registered with the Listeners registry see host events (connect
// and disconnect) and commands originated by agents. Commands are offered to
// listeners in registration order and the first to claim them answers;
// unclaimed commands get an UnsupportedAnswer. A listener that returns an
// error or panics is logged and skipped.
//
// # Heartbeat Monitoring
//
// Agents send periodic heartbeats. MonitorHeartbeats detaches agents that
// stay silent past the timeout and reports them as Alert.
//
// # Thread Safety
//
// Manager, Connection and Listeners are safe for concurrent use. Races
// between an answer, a timeout and a disconnect are decided by whichever
// removes the sequence from the connection's pending table first.
package agent
