// ABOUTME: Tests for listener registration and event dispatch
// ABOUTME: Covers claiming of agent commands, failure isolation and connect outcomes

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/store"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

// statusRecorder records host events.
type statusRecorder struct {
	BaseListener
	connectErr error

	mu       sync.Mutex
	statuses []store.HostStatus
	dropped  []store.HostStatus
}

func (r *statusRecorder) ProcessConnect(context.Context, HostInfo) error { return r.connectErr }

func (r *statusRecorder) ProcessStatusChange(_ context.Context, _ string, status store.HostStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) ProcessDisconnect(_ string, status store.HostStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, status)
	return true
}

func (r *statusRecorder) disconnects() []store.HostStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.HostStatus(nil), r.dropped...)
}

// claimer claims every bundle and answers the first n commands.
type claimer struct {
	BaseListener
	n     int
	calls int
}

func (c *claimer) ProcessCommands(_ string, _ int64, cmds []command.Command) ([]command.Answer, bool) {
	c.calls++
	answers := make([]command.Answer, 0, c.n)
	for range min(c.n, len(cmds)) {
		answers = append(answers, command.NewAnswer(false, "handled"))
	}
	return answers, true
}

type panicker struct{ BaseListener }

func (panicker) ProcessCommands(string, int64, []command.Command) ([]command.Answer, bool) {
	panic("boom")
}

func (panicker) ProcessControlCommand(string, command.Command) command.Answer {
	panic("boom")
}

func (panicker) ProcessConnect(context.Context, HostInfo) error {
	panic("boom")
}

func TestListeners_RegisterAndUnregister(t *testing.T) {
	ls := NewListeners(nil)
	a := ls.Register(&claimer{}, ListenerOptions{Commands: true})
	b := ls.Register(&claimer{}, ListenerOptions{HostEvents: true})

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, ls.Len())
	assert.True(t, ls.Unregister(a))
	assert.False(t, ls.Unregister(a))
	assert.Equal(t, 1, ls.Len())
}

func TestListeners_FirstClaimWins(t *testing.T) {
	ls := NewListeners(nil)
	first := &claimer{n: 1}
	second := &claimer{n: 2}
	ls.Register(first, ListenerOptions{Commands: true})
	ls.Register(second, ListenerOptions{Commands: true})

	cmds := []command.Command{&command.CheckHealthCommand{}, &command.MaintainCommand{}}
	answers := ls.DispatchCommands("host-1", 7, cmds)

	require.Len(t, answers, 2)
	assert.Equal(t, "handled", answers[0].Details())
	assert.True(t, answers[1].Result(), "missing answers are filled with success")
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestListeners_UnclaimedCommandsAreUnsupported(t *testing.T) {
	ls := NewListeners(nil)
	ls.Register(&BaseListener{}, ListenerOptions{Commands: true})
	ls.Register(&claimer{}, ListenerOptions{HostEvents: true})

	answers := ls.DispatchCommands("host-1", 1, []command.Command{&command.MaintainCommand{}})

	require.Len(t, answers, 1)
	assert.IsType(t, &command.UnsupportedAnswer{}, answers[0])
	assert.False(t, answers[0].Result())
	assert.Contains(t, answers[0].Details(), "MaintainCommand")
}

func TestListeners_PanicIsIsolated(t *testing.T) {
	ls := NewListeners(nil)
	ls.Register(panicker{}, ListenerOptions{Commands: true, HostEvents: true})
	backup := &claimer{n: 1}
	ls.Register(backup, ListenerOptions{Commands: true})

	answers := ls.DispatchCommands("host-1", 1, []command.Command{&command.CheckHealthCommand{}})
	require.Len(t, answers, 1)
	assert.Equal(t, 1, backup.calls)

	answer := ls.DispatchControl("host-1", &command.ShutdownCommand{})
	assert.IsType(t, &command.UnsupportedAnswer{}, answer)

	status, err := ls.DispatchConnect(context.Background(), HostInfo{AgentID: "host-1"})
	assert.NoError(t, err, "a panic is not a rejection")
	assert.Equal(t, store.HostStatusUp, status)
}

func TestListeners_ConnectionErrorPutsHostInAlert(t *testing.T) {
	ls := NewListeners(nil)
	rejecting := &statusRecorder{connectErr: &ConnectionError{AgentID: "host-1", Reason: "unknown zone"}}
	observer := &statusRecorder{connectErr: errors.New("not a rejection")}
	ls.Register(rejecting, ListenerOptions{HostEvents: true})
	ls.Register(observer, ListenerOptions{HostEvents: true})

	status, err := ls.DispatchConnect(context.Background(), HostInfo{AgentID: "host-1"})

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unknown zone", ce.Reason)
	assert.Equal(t, store.HostStatusAlert, status)
	assert.Equal(t, []store.HostStatus{store.HostStatusAlert}, observer.statuses)
}

func TestManager_AgentRequestIsAnsweredInOrder(t *testing.T) {
	m := newTestManager(t)
	m.Listeners().Register(&claimer{n: 1}, ListenerOptions{Commands: true})
	conn, stream := connect(t, m, "host-1")

	good, err := m.Registry().EncodeCommand("", &command.CheckHealthCommand{})
	require.NoError(t, err)
	unknown := command.Envelope{Kind: "FenceCommand"}

	m.HandleMessage(conn, &wire.AgentMessage{Request: &wire.Request{
		Seq:      42,
		Commands: []command.Envelope{unknown, good},
	}})

	msg := stream.next(t)
	require.NotNil(t, msg.Response)
	assert.Equal(t, int64(42), msg.Response.Seq)

	answers, err := m.Registry().DecodeAnswers(msg.Response.Answers)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.IsType(t, &command.UnsupportedAnswer{}, answers[0])
	assert.Equal(t, "handled", answers[1].Details())
}

func TestManager_ControlRequest(t *testing.T) {
	m := newTestManager(t)
	hosts := store.NewMockStore()
	m.Listeners().Register(NewHostStatusListener(hosts, 1, nil), ListenerOptions{Commands: true})
	conn, stream := connect(t, m, "host-1")

	shutdown, err := m.Registry().EncodeCommand("", &command.ShutdownCommand{Reason: "reboot"})
	require.NoError(t, err)
	health, err := m.Registry().EncodeCommand("", &command.CheckHealthCommand{})
	require.NoError(t, err)

	m.HandleMessage(conn, &wire.AgentMessage{Request: &wire.Request{
		Seq:      3,
		Control:  true,
		Commands: []command.Envelope{shutdown, health},
	}})

	answers, err := m.Registry().DecodeAnswers(stream.next(t).Response.Answers)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.True(t, answers[0].Result())
	assert.IsType(t, &command.UnsupportedAnswer{}, answers[1])
}
