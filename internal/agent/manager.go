// ABOUTME: Manages connected agents and correlates command bundles with their answers.
// ABOUTME: Synchronous senders block on a per-sequence channel; async listeners get callbacks or timeouts.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/dedupe"
	"github.com/apache/cloudstack-sub185/internal/metrics"
	"github.com/apache/cloudstack-sub185/internal/store"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultWait          = 2 * time.Minute
	DefaultLateAnswerTTL = 10 * time.Minute
	retiredCacheSize     = 100000
)

// Config configures a Manager.
type Config struct {
	MSID      int64
	Registry  *command.Registry
	Listeners *Listeners
	Logger    *slog.Logger

	// DefaultWait bounds sends whose bundle or listener asks for the system default.
	DefaultWait time.Duration

	// LateAnswerTTL is how long retired sequences are remembered.
	LateAnswerTTL time.Duration
}

// retiredKey identifies a sequence on one connection instance.
type retiredKey struct {
	agentID    string
	instanceID string
	seq        int64
}

// Manager coordinates all connected agents and routes commands to them.
type Manager struct {
	msid        int64
	registry    *command.Registry
	listeners   *Listeners
	defaultWait time.Duration
	retired     *dedupe.Cache[retiredKey]

	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = command.NewDefaultRegistry()
	}
	if cfg.Listeners == nil {
		cfg.Listeners = NewListeners(logger)
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = DefaultWait
	}
	if cfg.LateAnswerTTL <= 0 {
		cfg.LateAnswerTTL = DefaultLateAnswerTTL
	}

	return &Manager{
		msid:        cfg.MSID,
		registry:    cfg.Registry,
		listeners:   cfg.Listeners,
		defaultWait: cfg.DefaultWait,
		retired:     dedupe.New[retiredKey](cfg.LateAnswerTTL, retiredCacheSize),
		agents:      make(map[string]*Connection),
		logger:      logger.With("component", "agent-manager"),
	}
}

// Listeners returns the listener registry events are dispatched to.
func (m *Manager) Listeners() *Listeners {
	return m.listeners
}

// Registry returns the command registry used for the wire encoding.
func (m *Manager) Registry() *command.Registry {
	return m.registry
}

// Attach adds a connection and delivers the connect event to host-event listeners.
// The returned status is Up or Alert; a *ConnectionError explains an Alert.
func (m *Manager) Attach(ctx context.Context, conn *Connection) (store.HostStatus, error) {
	m.mu.Lock()
	if _, exists := m.agents[conn.ID]; exists {
		m.mu.Unlock()
		return "", ErrAgentAlreadyRegistered
	}
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	metrics.AgentsConnected.Inc()
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"instance_id", conn.InstanceID,
		"total_agents", total,
	)

	status, err := m.listeners.DispatchConnect(ctx, HostInfo{
		AgentID:    conn.ID,
		Name:       conn.Name,
		InstanceID: conn.InstanceID,
		Startup:    conn.Startup,
	})
	if err != nil {
		m.logger.Warn("agent connected in alert state", "agent_id", conn.ID, "error", err)
	}
	return status, err
}

// Detach removes a connection. Synchronous waiters fail with ErrAgentDisconnected and
// async registrations get ProcessDisconnect before host-event listeners are told.
func (m *Manager) Detach(conn *Connection, status store.HostStatus) {
	m.mu.Lock()
	cur, ok := m.agents[conn.ID]
	owned := ok && cur == conn
	if owned {
		delete(m.agents, conn.ID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	for _, p := range conn.close() {
		m.retire(conn, p.seq)
		if p.done != nil {
			p.done <- result{err: fmt.Errorf("%w: %s", ErrAgentDisconnected, conn.ID)}
			continue
		}
		m.listeners.deliverDisconnect(p.listener, conn.ID, status)
	}

	if !owned {
		return
	}

	metrics.AgentsConnected.Dec()
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"status", status,
		"total_agents", total,
	)
	m.listeners.DispatchDisconnect(conn.ID, status)
}

// GetAgent retrieves a specific agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	InstanceID  string    `json:"instance_id"`
	Hypervisor  string    `json:"hypervisor,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Pending     int       `json:"pending"`
}

// ListAgents returns information about all connected agents, ordered by ID.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(conns))
	for _, c := range conns {
		info := &AgentInfo{
			ID:          c.ID,
			Name:        c.Name,
			InstanceID:  c.InstanceID,
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.LastSeen(),
			Pending:     c.PendingCount(),
		}
		if c.Startup != nil {
			info.Hypervisor = c.Startup.Hypervisor
		}
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Send transmits cmds to the agent and blocks for the answers. A nil error means cmds is
// resolved; its IsSuccessful reports the business outcome. Transport and timeout failures
// satisfy IsTransportError.
func (m *Manager) Send(ctx context.Context, agentID string, cmds *command.Commands) error {
	conn, envs, err := m.prepare(agentID, cmds)
	if err != nil {
		return err
	}

	p := &pending{cmds: cmds, done: make(chan result, 1)}
	seq, err := conn.register(p)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}

	if err := m.transmit(conn, seq, cmds, envs); err != nil {
		return err
	}
	metrics.RequestsSent.WithLabelValues("sync").Inc()

	wait := cmds.Timeout
	if wait <= 0 {
		wait = m.defaultWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return m.resolve(agentID, seq, cmds, res)

	case <-timer.C:
		if conn.take(seq) != nil {
			m.retire(conn, seq)
			metrics.RequestTimeouts.Inc()
			m.logger.Warn("sequence timed out", "agent_id", agentID, "seq", seq, "wait", wait)
			return fmt.Errorf("%w: agent %s seq %d after %s", ErrOperationTimedOut, agentID, seq, wait)
		}
		// the answer won the race and is already on its way
		return m.resolve(agentID, seq, cmds, <-p.done)

	case <-ctx.Done():
		if conn.take(seq) != nil {
			m.retire(conn, seq)
			return fmt.Errorf("waiting for agent %s seq %d: %w", agentID, seq, ctx.Err())
		}
		return m.resolve(agentID, seq, cmds, <-p.done)
	}
}

// SendAsync transmits cmds and returns the sequence number without waiting. Answers go
// to l.ProcessAnswers, and resolve cmds unless l is recurring; if no usable answer arrives
// within l.Timeout, l.ProcessTimeout fires instead.
func (m *Manager) SendAsync(agentID string, cmds *command.Commands, l Listener) (int64, error) {
	if l == nil {
		return 0, errors.New("agent: listener is required")
	}
	conn, envs, err := m.prepare(agentID, cmds)
	if err != nil {
		return 0, err
	}

	p := &pending{
		cmds:      cmds,
		listener:  l,
		recurring: l.IsRecurring(),
		wait:      m.asyncWait(l.Timeout()),
	}
	p.expire = func(seq int64, gen uint64) { m.expire(conn, seq, gen) }

	seq, err := conn.register(p)
	if err != nil {
		return 0, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if err := m.transmit(conn, seq, cmds, envs); err != nil {
		return 0, err
	}
	metrics.RequestsSent.WithLabelValues("async").Inc()
	return seq, nil
}

func (m *Manager) prepare(agentID string, cmds *command.Commands) (*Connection, []command.Envelope, error) {
	if cmds == nil || cmds.Len() == 0 {
		return nil, nil, errors.New("agent: empty command bundle")
	}
	if cmds.Resolved() {
		return nil, nil, command.ErrAlreadyResolved
	}
	conn, ok := m.GetAgent(agentID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}
	envs, err := m.registry.EncodeCommands(cmds)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding commands for %s: %w", agentID, err)
	}
	return conn, envs, nil
}

func (m *Manager) transmit(conn *Connection, seq int64, cmds *command.Commands, envs []command.Envelope) error {
	err := conn.Send(&wire.ServerMessage{Request: &wire.Request{
		Seq:      seq,
		OnError:  cmds.OnError().String(),
		Commands: envs,
	}})
	if err != nil {
		conn.take(seq)
		return &SendError{AgentID: conn.ID, Seq: seq, Err: err}
	}
	m.logger.Debug("request sent", "agent_id", conn.ID, "seq", seq, "commands", len(envs))
	return nil
}

func (m *Manager) resolve(agentID string, seq int64, cmds *command.Commands, res result) error {
	if res.err != nil {
		return res.err
	}
	if err := cmds.SetAnswers(res.answers); err != nil {
		return fmt.Errorf("%w: agent %s seq %d: %w", ErrBadResponse, agentID, seq, err)
	}
	return nil
}

// asyncWait converts a listener timeout in seconds to a wait; zero means forever.
func (m *Manager) asyncWait(seconds int) time.Duration {
	switch {
	case seconds < 0:
		return 0
	case seconds == 0:
		return m.defaultWait
	default:
		return time.Duration(seconds) * time.Second
	}
}

func (m *Manager) expire(conn *Connection, seq int64, gen uint64) {
	p := conn.takeExpired(seq, gen)
	if p == nil {
		return
	}
	m.retire(conn, seq)
	metrics.RequestTimeouts.Inc()
	m.logger.Info("sequence timed out", "agent_id", conn.ID, "seq", seq, "wait", p.wait)
	m.listeners.deliverTimeout(p.listener, conn.ID, seq)
}

func (m *Manager) retire(conn *Connection, seq int64) {
	m.retired.Mark(retiredKey{agentID: conn.ID, instanceID: conn.InstanceID, seq: seq})
}

// HandleMessage processes one message received on an agent stream.
func (m *Manager) HandleMessage(conn *Connection, msg *wire.AgentMessage) {
	conn.Touch(time.Now())

	switch {
	case msg.Heartbeat != nil:
		m.logger.Debug("received heartbeat", "agent_id", conn.ID, "timestamp_ms", msg.Heartbeat.TimestampMs)

	case msg.Response != nil:
		m.handleResponse(conn, msg.Response)

	case msg.Request != nil:
		m.handleRequest(conn, msg.Request)

	case msg.Register != nil:
		m.logger.Warn("received duplicate registration", "agent_id", conn.ID)

	default:
		m.logger.Warn("received unknown message type", "agent_id", conn.ID)
	}
}

// handleResponse routes answers to the registration waiting on their sequence. A reply that
// does not decode into one answer per command still ends a one-shot wait: synchronous
// senders get ErrBadResponse and async listeners get ProcessTimeout.
func (m *Manager) handleResponse(conn *Connection, resp *wire.Response) {
	p := conn.lookup(resp.Seq)
	if p == nil {
		m.unmatched(conn, resp.Seq)
		return
	}

	answers, err := m.decodeResponse(conn.ID, resp, p.cmds.Len())
	if err != nil {
		metrics.BadResponses.Inc()
		if p.recurring {
			m.logger.Error("ignoring bad response", "agent_id", conn.ID, "seq", resp.Seq, "error", err)
			return
		}
	}

	p, retired := conn.claimAnswer(resp.Seq)
	if p == nil {
		// the timeout won
		m.unmatched(conn, resp.Seq)
		return
	}
	if retired {
		m.retire(conn, resp.Seq)
	}

	if p.done != nil {
		metrics.RequestLatency.Observe(time.Since(p.sentAt).Seconds())
		p.done <- result{answers: answers, err: err}
		return
	}

	if err == nil && !p.recurring {
		err = p.cmds.SetAnswers(answers)
	}
	if err != nil {
		m.logger.Error("bad response ends async wait", "agent_id", conn.ID, "seq", resp.Seq, "error", err)
		m.listeners.deliverTimeout(p.listener, conn.ID, resp.Seq)
		return
	}
	m.listeners.deliverAnswers(p.listener, conn.ID, resp.Seq, answers)
}

// decodeResponse decodes the answers of resp and checks there is one per command.
func (m *Manager) decodeResponse(agentID string, resp *wire.Response, want int) ([]command.Answer, error) {
	answers, err := m.registry.DecodeAnswers(resp.Answers)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s seq %d: %w", ErrBadResponse, agentID, resp.Seq, err)
	}
	if len(answers) != want {
		return nil, fmt.Errorf("%w: agent %s seq %d: %w", ErrBadResponse, agentID, resp.Seq,
			&command.AnswerCountError{Commands: want, Answers: len(answers)})
	}
	return answers, nil
}

func (m *Manager) unmatched(conn *Connection, seq int64) {
	key := retiredKey{agentID: conn.ID, instanceID: conn.InstanceID, seq: seq}
	if m.retired.Contains(key) {
		metrics.UnmatchedAnswers.WithLabelValues("late").Inc()
		m.logger.Warn("late answer discarded", "agent_id", conn.ID, "seq", seq)
		return
	}
	metrics.UnmatchedAnswers.WithLabelValues("unknown").Inc()
	m.logger.Warn("answer for unknown sequence", "agent_id", conn.ID, "seq", seq)
}

// handleRequest answers commands sent by the agent. Every command gets exactly one answer.
func (m *Manager) handleRequest(conn *Connection, req *wire.Request) {
	answers := make([]command.Answer, len(req.Commands))
	decoded := make([]command.Command, 0, len(req.Commands))
	positions := make([]int, 0, len(req.Commands))

	for i, env := range req.Commands {
		cmd, err := m.registry.DecodeCommand(env)
		if err != nil {
			m.logger.Warn("undecodable command from agent", "agent_id", conn.ID, "kind", env.Kind, "error", err)
			answers[i] = &command.UnsupportedAnswer{BaseAnswer: command.BaseAnswer{
				Success: false,
				Detail:  err.Error(),
			}}
			continue
		}
		decoded = append(decoded, cmd)
		positions = append(positions, i)
	}

	if req.Control {
		for j, cmd := range decoded {
			answers[positions[j]] = m.listeners.DispatchControl(conn.ID, cmd)
		}
	} else if len(decoded) > 0 {
		for j, a := range m.listeners.DispatchCommands(conn.ID, req.Seq, decoded) {
			answers[positions[j]] = a
		}
	}

	envs := make([]command.Envelope, 0, len(answers))
	for _, a := range answers {
		env, err := m.registry.EncodeAnswer(a)
		if err != nil {
			m.logger.Error("encoding answer for agent", "agent_id", conn.ID, "seq", req.Seq, "error", err)
			env, _ = m.registry.EncodeAnswer(command.NewAnswer(false, err.Error()))
		}
		envs = append(envs, env)
	}

	if err := conn.Send(&wire.ServerMessage{Response: &wire.Response{Seq: req.Seq, Answers: envs}}); err != nil {
		m.logger.Warn("failed to answer agent request", "agent_id", conn.ID, "seq", req.Seq, "error", err)
	}
}

// MonitorHeartbeats detaches agents silent for longer than timeout, checking every interval,
// until ctx is done. Detached hosts are reported as Alert.
func (m *Manager) MonitorHeartbeats(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.detachSilent(time.Now(), timeout)
		}
	}
}

func (m *Manager) detachSilent(now time.Time, timeout time.Duration) int {
	m.mu.RLock()
	var silent []*Connection
	for _, c := range m.agents {
		if now.Sub(c.LastSeen()) > timeout {
			silent = append(silent, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range silent {
		m.logger.Warn("agent missed heartbeats", "agent_id", c.ID, "last_seen", c.LastSeen())
		m.Detach(c, store.HostStatusAlert)
	}
	return len(silent)
}

// Shutdown asks every agent to close its stream and detaches it.
func (m *Manager) Shutdown(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(&wire.ServerMessage{Shutdown: &wire.Shutdown{Reason: reason}}); err != nil {
			m.logger.Debug("failed to send shutdown", "agent_id", c.ID, "error", err)
		}
		m.Detach(c, store.HostStatusDisconnected)
	}
}

// Close releases background resources.
func (m *Manager) Close() {
	m.retired.Close()
}
