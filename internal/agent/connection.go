// ABOUTME: Represents a single connected agent and its bidirectional stream.
// ABOUTME: Assigns sequence numbers and holds the table of requests waiting for answers.

package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

// Stream is the send side of an agent stream.
type Stream interface {
	Send(*wire.ServerMessage) error
}

// result is handed to a synchronous waiter.
type result struct {
	answers []command.Answer
	err     error
}

// pending is one outstanding sequence. Exactly one of done or listener is set.
type pending struct {
	seq    int64
	cmds   *command.Commands
	sentAt time.Time

	done chan result // synchronous send, buffered 1

	listener  Listener
	recurring bool
	wait      time.Duration // 0 waits forever
	timer     *time.Timer
	gen       uint64 // bumped whenever the timer is re-armed
	expire    func(seq int64, gen uint64)
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID         string
	Name       string
	InstanceID string
	Startup    *command.StartupCommand
	Stream     Stream
	Logger     *slog.Logger
}

// Connection represents a connected agent.
type Connection struct {
	ID          string
	Name        string
	InstanceID  string
	Startup     *command.StartupCommand
	ConnectedAt time.Time

	stream Stream
	sendMu sync.Mutex

	seq      atomic.Int64
	lastSeen atomic.Int64 // unix nanos

	mu      sync.Mutex
	pending map[int64]*pending
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	c := &Connection{
		ID:          p.ID,
		Name:        p.Name,
		InstanceID:  p.InstanceID,
		Startup:     p.Startup,
		ConnectedAt: now,
		stream:      p.Stream,
		pending:     make(map[int64]*pending),
		done:        make(chan struct{}),
		logger:      logger,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send transmits a ServerMessage to the agent. Calls are serialized.
func (c *Connection) Send(msg *wire.ServerMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

// Done is closed when the manager detaches the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Touch records agent activity.
func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the time of the last heartbeat or message.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// PendingCount returns the number of outstanding sequences.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// register assigns the next sequence number to p and records it.
func (c *Connection) register(p *pending) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrAgentDisconnected
	}
	p.seq = c.seq.Add(1)
	p.sentAt = time.Now()
	c.pending[p.seq] = p
	c.armLocked(p)
	return p.seq, nil
}

// armLocked (re)starts the timeout of an async registration. Must be called with mu held.
func (c *Connection) armLocked(p *pending) {
	if p.wait <= 0 || p.expire == nil {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	seq, gen, expire := p.seq, p.gen, p.expire
	p.timer = time.AfterFunc(p.wait, func() { expire(seq, gen) })
}

// take removes and returns the registration for seq. Whoever takes it decides its outcome.
func (c *Connection) take(seq int64) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// takeExpired removes seq only if its timer generation is still gen.
func (c *Connection) takeExpired(seq int64, gen uint64) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[seq]
	if !ok || p.gen != gen {
		return nil
	}
	delete(c.pending, seq)
	return p
}

// lookup returns the registration for seq without removing it.
func (c *Connection) lookup(seq int64) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[seq]
}

// claimAnswer looks up seq for an arriving answer. Non-recurring registrations are
// removed and reported as retired; recurring ones stay and their timer is re-armed.
func (c *Connection) claimAnswer(seq int64) (*pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[seq]
	if !ok {
		return nil, false
	}
	if p.recurring {
		c.armLocked(p)
		return p, false
	}
	delete(c.pending, seq)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// close marks the connection closed and returns every outstanding registration.
func (c *Connection) close() []*pending {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	out := make([]*pending, 0, len(c.pending))
	for seq, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
		delete(c.pending, seq)
	}
	return out
}
