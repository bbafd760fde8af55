// ABOUTME: Listener callbacks for agent host events, agent-originated commands and correlated answers
// ABOUTME: BaseListener gives no-op defaults so listeners only implement what they handle

package agent

import (
	"context"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/store"
)

// Listener timeout sentinels, in seconds.
const (
	WaitForever = -1
	WaitDefault = 0
)

// HostInfo describes a newly connected agent.
type HostInfo struct {
	AgentID    string
	Name       string
	InstanceID string
	Startup    *command.StartupCommand // nil if the agent sent none
}

// Listener receives agent events.
type Listener interface {
	// ProcessAnswers handles answers correlated to a SendAsync. The return value is informational.
	ProcessAnswers(agentID string, seq int64, answers []command.Answer) bool

	// ProcessCommands offers commands sent by an agent. Returning true claims them;
	// answers may be nil or shorter than cmds, missing positions are answered with success.
	ProcessCommands(agentID string, seq int64, cmds []command.Command) ([]command.Answer, bool)

	// ProcessControlCommand handles a control command. A nil answer passes it to the next listener.
	ProcessControlCommand(agentID string, cmd command.Command) command.Answer

	// ProcessConnect is called when an agent attaches. Returning *ConnectionError puts the host into Alert.
	ProcessConnect(ctx context.Context, host HostInfo) error

	// ProcessDisconnect is called when an agent detaches, or for an async registration its agent dropped.
	ProcessDisconnect(agentID string, status store.HostStatus) bool

	// IsRecurring keeps a SendAsync registration alive after each answer.
	IsRecurring() bool

	// Timeout is the async wait in seconds: WaitForever, WaitDefault, or a positive value.
	Timeout() int

	// ProcessTimeout is called when no answer arrived within Timeout. The registration is removed.
	ProcessTimeout(agentID string, seq int64) bool
}

// StatusListener is optionally implemented by host-event listeners that persist the
// outcome of a connect.
type StatusListener interface {
	ProcessStatusChange(ctx context.Context, agentID string, status store.HostStatus)
}

// BaseListener implements Listener with no-ops. Embed it and override what you need.
type BaseListener struct{}

func (BaseListener) ProcessAnswers(string, int64, []command.Answer) bool { return false }

func (BaseListener) ProcessCommands(string, int64, []command.Command) ([]command.Answer, bool) {
	return nil, false
}

func (BaseListener) ProcessControlCommand(string, command.Command) command.Answer { return nil }

func (BaseListener) ProcessConnect(context.Context, HostInfo) error { return nil }

func (BaseListener) ProcessDisconnect(string, store.HostStatus) bool { return false }

func (BaseListener) IsRecurring() bool { return false }

func (BaseListener) Timeout() int { return WaitDefault }

func (BaseListener) ProcessTimeout(string, int64) bool { return false }

// ListenerFuncs adapts functions to a Listener; nil fields fall back to BaseListener.
type ListenerFuncs struct {
	BaseListener

	OnAnswers func(agentID string, seq int64, answers []command.Answer)
	OnTimeout func(agentID string, seq int64)
	Recurring bool
	Wait      int
}

func (f *ListenerFuncs) ProcessAnswers(agentID string, seq int64, answers []command.Answer) bool {
	if f.OnAnswers == nil {
		return false
	}
	f.OnAnswers(agentID, seq, answers)
	return true
}

func (f *ListenerFuncs) ProcessTimeout(agentID string, seq int64) bool {
	if f.OnTimeout == nil {
		return false
	}
	f.OnTimeout(agentID, seq)
	return true
}

func (f *ListenerFuncs) IsRecurring() bool { return f.Recurring }

func (f *ListenerFuncs) Timeout() int { return f.Wait }
