// ABOUTME: Listener that persists host connection state and answers agent pings
// ABOUTME: Registered for host events and commands by the gateway

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/store"
)

const hostStoreTimeout = 5 * time.Second

// HostStatusListener records connect, disconnect and ping activity in a HostStore.
type HostStatusListener struct {
	BaseListener

	hosts  store.HostStore
	msid   int64
	now    func() time.Time
	logger *slog.Logger
}

// NewHostStatusListener creates a listener writing to hosts on behalf of msid.
func NewHostStatusListener(hosts store.HostStore, msid int64, logger *slog.Logger) *HostStatusListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostStatusListener{
		hosts:  hosts,
		msid:   msid,
		now:    time.Now,
		logger: logger.With("component", "host-status"),
	}
}

// ProcessConnect records the host as connecting. A store failure rejects the host.
func (h *HostStatusListener) ProcessConnect(ctx context.Context, host HostInfo) error {
	seen := h.now()
	rec := &store.Host{
		ID:       host.AgentID,
		Name:     host.Name,
		Status:   store.HostStatusConnecting,
		MSID:     h.msid,
		LastSeen: &seen,
	}
	if host.Startup != nil {
		rec.Hypervisor = host.Startup.Hypervisor
		if rec.Name == "" {
			rec.Name = host.Startup.HostName
		}
	}
	if err := h.hosts.UpsertHost(ctx, rec); err != nil {
		return &ConnectionError{AgentID: host.AgentID, Reason: "recording host", Err: err}
	}
	return nil
}

// ProcessStatusChange stores the outcome of the connect.
func (h *HostStatusListener) ProcessStatusChange(ctx context.Context, agentID string, status store.HostStatus) {
	h.setStatus(ctx, agentID, status)
}

func (h *HostStatusListener) ProcessDisconnect(agentID string, status store.HostStatus) bool {
	ctx, cancel := context.WithTimeout(context.Background(), hostStoreTimeout)
	defer cancel()
	return h.setStatus(ctx, agentID, status)
}

// ProcessCommands claims ping bundles and refreshes the host's last-seen time.
func (h *HostStatusListener) ProcessCommands(agentID string, _ int64, cmds []command.Command) ([]command.Answer, bool) {
	for _, cmd := range cmds {
		if _, ok := cmd.(*command.PingCommand); !ok {
			return nil, false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostStoreTimeout)
	defer cancel()

	ok := true
	if err := h.hosts.TouchHost(ctx, agentID, h.now()); err != nil {
		h.logger.Warn("failed to record ping", "agent_id", agentID, "error", err)
		ok = false
	}

	answers := make([]command.Answer, len(cmds))
	for i := range cmds {
		answers[i] = &command.PingAnswer{BaseAnswer: command.BaseAnswer{Success: ok}}
	}
	return answers, true
}

// ProcessControlCommand acknowledges an agent's shutdown notice.
func (h *HostStatusListener) ProcessControlCommand(agentID string, cmd command.Command) command.Answer {
	sc, ok := cmd.(*command.ShutdownCommand)
	if !ok {
		return nil
	}
	h.logger.Info("agent announced shutdown", "agent_id", agentID, "reason", sc.Reason)
	return command.NewAnswer(true, "")
}

func (h *HostStatusListener) setStatus(ctx context.Context, agentID string, status store.HostStatus) bool {
	if err := h.hosts.UpdateHostStatus(ctx, agentID, status, h.msid); err != nil {
		h.logger.Warn("failed to update host status", "agent_id", agentID, "status", status, "error", err)
		return false
	}
	return true
}
