// ABOUTME: HTTP API handlers for health, agent and host listings, and StackMaid inspection
// ABOUTME: POST /api/vms/start runs a guest start under a durable cleanup stack

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/cloudstack-sub185/internal/agent"
	"github.com/apache/cloudstack-sub185/internal/auth"
	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/stackmaid"
	"github.com/apache/cloudstack-sub185/internal/store"
)

const defaultQuarantineLimit = 100

// registerHTTPAPIRoutes adds the /api routes, behind admin auth when a verifier is configured.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	if g.verifier != nil {
		authn := auth.HTTPAuthMiddleware(g.verifier)
		admin := auth.RequireAdminHTTP()
		wrap = func(h http.HandlerFunc) http.Handler { return authn(admin(h)) }
	}

	mux.Handle("GET /api/agents", wrap(g.handleListAgents))
	mux.Handle("GET /api/hosts", wrap(g.handleListHosts))
	mux.Handle("GET /api/stackmaid/leftovers", wrap(g.handleLeftovers))
	mux.Handle("GET /api/stackmaid/quarantine", wrap(g.handleQuarantine))
	mux.Handle("POST /api/vms/start", wrap(g.handleStartVM))
}

// handleHealth returns OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns OK once at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.agentManager.Count() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.agentManager.ListAgents())
}

type hostJSON struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hypervisor string     `json:"hypervisor,omitempty"`
	Status     string     `json:"status"`
	MSID       int64      `json:"msid"`
	Online     bool       `json:"online"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (g *Gateway) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := g.store.ListHosts(r.Context())
	if err != nil {
		g.logger.Error("listing hosts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}

	out := make([]hostJSON, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostJSON{
			ID:         h.ID,
			Name:       h.Name,
			Hypervisor: h.Hypervisor,
			Status:     string(h.Status),
			MSID:       h.MSID,
			Online:     g.agentManager.IsOnline(h.ID),
			LastSeen:   h.LastSeen,
			UpdatedAt:  h.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type stackEntryJSON struct {
	ID        int64          `json:"id"`
	MSID      int64          `json:"msid"`
	ContextID string         `json:"context_id"`
	Seq       int64          `json:"seq"`
	Delegate  string         `json:"delegate"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	Reason        string     `json:"reason,omitempty"`
	QuarantinedAt *time.Time `json:"quarantined_at,omitempty"`
}

func toStackEntryJSON(e *store.StackEntry) stackEntryJSON {
	// an undecodable blob is still listed, just without data
	data, _ := stackmaid.DecodeContext(e.Context)
	return stackEntryJSON{
		ID:        e.ID,
		MSID:      e.MSID,
		ContextID: e.ContextID,
		Seq:       e.Seq,
		Delegate:  e.Delegate,
		Data:      data,
		CreatedAt: e.CreatedAt,
	}
}

func (g *Gateway) handleLeftovers(w http.ResponseWriter, r *http.Request) {
	entries, err := g.stackMaid.Leftovers(r.Context())
	if err != nil {
		g.logger.Error("listing stackmaid leftovers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list leftovers")
		return
	}

	out := make([]stackEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toStackEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	limit := defaultQuarantineLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := g.store.ListQuarantined(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing quarantined entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list quarantine")
		return
	}

	out := make([]stackEntryJSON, 0, len(entries))
	for _, q := range entries {
		e := toStackEntryJSON(&q.StackEntry)
		e.Reason = q.Reason
		at := q.QuarantinedAt
		e.QuarantinedAt = &at
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

// StartVMRequest is the body of POST /api/vms/start.
type StartVMRequest struct {
	HostID   string `json:"host_id"`
	VMName   string `json:"vm_name"`
	VCPUs    int    `json:"vcpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`

	// TimeoutSeconds overrides the agent wait for this start.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// StartVMResponse is the result of a successful start.
type StartVMResponse struct {
	HostID    string `json:"host_id"`
	VMName    string `json:"vm_name"`
	State     string `json:"state,omitempty"`
	ContextID string `json:"context_id"`
}

// handleStartVM starts a guest with a stop pushed beforehand, so a failed or interrupted
// start leaves nothing running.
func (g *Gateway) handleStartVM(w http.ResponseWriter, r *http.Request) {
	var req StartVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == "" || req.VMName == "" {
		writeError(w, http.StatusBadRequest, "host_id and vm_name are required")
		return
	}
	if !g.agentManager.IsOnline(req.HostID) {
		writeError(w, http.StatusServiceUnavailable, "host not connected")
		return
	}

	resp, err := g.startVM(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, agent.ErrAgentUnavailable), errors.Is(err, agent.ErrAgentDisconnected):
			status = http.StatusServiceUnavailable
		case errors.Is(err, agent.ErrOperationTimedOut), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

var errStartFailed = errors.New("start failed")

func (g *Gateway) startVM(ctx context.Context, req StartVMRequest) (*StartVMResponse, error) {
	ctx, stack := g.stackMaid.Begin(ctx)
	log := g.logger.With("host_id", req.HostID, "vm_name", req.VMName, "context_id", stack.ContextID())

	err := stack.Push(ctx, DelegateStopVM, map[string]any{
		"host_id": req.HostID,
		"vm_name": req.VMName,
	})
	if err != nil {
		return nil, err
	}

	cmds := command.NewCommands(command.Stop)
	cmds.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	cmds.Add(&command.StartVMCommand{VMName: req.VMName, VCPUs: req.VCPUs, MemoryMB: req.MemoryMB})

	startErr := g.agentManager.Send(ctx, req.HostID, cmds)
	var answer command.Answer
	if startErr == nil {
		answer, startErr = command.AnswerFor[*command.StartVMCommand](cmds)
	}
	if startErr == nil && !answer.Result() {
		startErr = fmt.Errorf("%w: %s", errStartFailed, answer.Details())
	}

	if startErr != nil {
		log.Warn("guest start failed, unwinding", "error", startErr)
		// a fresh context so a canceled request still unwinds
		unwindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Agents.DefaultWait)
		defer cancel()
		if err := stack.Unwind(unwindCtx); err != nil {
			log.Warn("unwind incomplete, left for gc", "error", err)
		}
		return nil, startErr
	}

	if err := stack.Discard(ctx); err != nil {
		log.Warn("discarding cleanup stack", "error", err)
	}
	resp := &StartVMResponse{HostID: req.HostID, VMName: req.VMName, ContextID: stack.ContextID()}
	if a, ok := answer.(*command.StartVMAnswer); ok {
		resp.State = a.State
	}
	log.Info("guest started", "state", resp.State)
	return resp, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
