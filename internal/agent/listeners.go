// ABOUTME: Registry of listeners and the dispatch of agent events to them
// ABOUTME: Each callback is isolated: an error or panic is logged and the next listener still runs

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/metrics"
	"github.com/apache/cloudstack-sub185/internal/store"
)

// ListenerOptions selects the event families a registered listener receives.
type ListenerOptions struct {
	HostEvents bool // connect and disconnect
	Commands   bool // agent-originated commands and control commands
}

type registration struct {
	id       int
	listener Listener
	opts     ListenerOptions
}

// Listeners holds registered listeners in registration order.
type Listeners struct {
	mu      sync.RWMutex
	nextID  int
	entries []registration
	logger  *slog.Logger
}

// NewListeners creates an empty listener registry.
func NewListeners(logger *slog.Logger) *Listeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners{logger: logger.With("component", "listeners")}
}

// Register adds l for the selected event families and returns its registration id.
func (ls *Listeners) Register(l Listener, opts ListenerOptions) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.nextID++
	ls.entries = append(ls.entries, registration{id: ls.nextID, listener: l, opts: opts})
	return ls.nextID
}

// Unregister removes a registration. It reports whether the id was registered.
func (ls *Listeners) Unregister(id int) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, r := range ls.entries {
		if r.id == id {
			ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registrations.
func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.entries)
}

func (ls *Listeners) snapshot(keep func(ListenerOptions) bool) []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	out := make([]Listener, 0, len(ls.entries))
	for _, r := range ls.entries {
		if keep(r.opts) {
			out = append(out, r.listener)
		}
	}
	return out
}

func hostEvents(o ListenerOptions) bool { return o.HostEvents }
func commandEvents(o ListenerOptions) bool { return o.Commands }

// guard runs fn, converting a panic into an error. Failures are logged and counted under event.
func (ls *Listeners) guard(event string, l Listener, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %T panicked: %v", l, r)
		}
		if err != nil {
			metrics.ListenerFailures.WithLabelValues(event).Inc()
			ls.logger.Error("listener failed", "event", event, "listener", fmt.Sprintf("%T", l), "error", err)
		}
	}()
	return fn()
}

// DispatchConnect delivers a connect to every host-event listener. The resulting status is
// Up, or Alert when any listener returned *ConnectionError, and is reported to StatusListeners.
// The first *ConnectionError is returned.
func (ls *Listeners) DispatchConnect(ctx context.Context, host HostInfo) (store.HostStatus, error) {
	listeners := ls.snapshot(hostEvents)

	var rejected *ConnectionError
	for _, l := range listeners {
		err := ls.guard("connect", l, func() error { return l.ProcessConnect(ctx, host) })
		var ce *ConnectionError
		if errors.As(err, &ce) && rejected == nil {
			rejected = ce
		}
	}

	status := store.HostStatusUp
	if rejected != nil {
		status = store.HostStatusAlert
	}

	for _, l := range listeners {
		sl, ok := l.(StatusListener)
		if !ok {
			continue
		}
		_ = ls.guard("status", l, func() error {
			sl.ProcessStatusChange(ctx, host.AgentID, status)
			return nil
		})
	}

	if rejected != nil {
		return status, rejected
	}
	return status, nil
}

// DispatchDisconnect delivers a disconnect to every host-event listener.
func (ls *Listeners) DispatchDisconnect(agentID string, status store.HostStatus) {
	for _, l := range ls.snapshot(hostEvents) {
		ls.deliverDisconnect(l, agentID, status)
	}
}

// DispatchCommands offers agent-originated commands to command listeners in order.
// The first listener returning true claims them; if none does every command is unsupported.
// The result always has one answer per command.
func (ls *Listeners) DispatchCommands(agentID string, seq int64, cmds []command.Command) []command.Answer {
	for _, l := range ls.snapshot(commandEvents) {
		var (
			answers []command.Answer
			claimed bool
		)
		err := ls.guard("commands", l, func() error {
			answers, claimed = l.ProcessCommands(agentID, seq, cmds)
			return nil
		})
		if err != nil || !claimed {
			continue
		}
		return fillAnswers(answers, len(cmds))
	}

	answers := make([]command.Answer, len(cmds))
	for i, cmd := range cmds {
		answers[i] = command.NewUnsupportedAnswer(cmd)
	}
	return answers
}

// DispatchControl offers a control command to command listeners; the first non-nil answer wins.
func (ls *Listeners) DispatchControl(agentID string, cmd command.Command) command.Answer {
	for _, l := range ls.snapshot(commandEvents) {
		var answer command.Answer
		_ = ls.guard("control", l, func() error {
			answer = l.ProcessControlCommand(agentID, cmd)
			return nil
		})
		if answer != nil {
			return answer
		}
	}
	return command.NewUnsupportedAnswer(cmd)
}

func (ls *Listeners) deliverAnswers(l Listener, agentID string, seq int64, answers []command.Answer) {
	_ = ls.guard("answers", l, func() error {
		l.ProcessAnswers(agentID, seq, answers)
		return nil
	})
}

func (ls *Listeners) deliverTimeout(l Listener, agentID string, seq int64) {
	_ = ls.guard("timeout", l, func() error {
		l.ProcessTimeout(agentID, seq)
		return nil
	})
}

func (ls *Listeners) deliverDisconnect(l Listener, agentID string, status store.HostStatus) {
	_ = ls.guard("disconnect", l, func() error {
		l.ProcessDisconnect(agentID, status)
		return nil
	})
}

// fillAnswers pads a claimed answer list to n entries with success answers.
func fillAnswers(answers []command.Answer, n int) []command.Answer {
	out := make([]command.Answer, n)
	for i := range out {
		if i < len(answers) && answers[i] != nil {
			out[i] = answers[i]
		} else {
			out[i] = command.NewAnswer(true, "")
		}
	}
	return out
}
