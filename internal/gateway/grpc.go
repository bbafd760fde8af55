// ABOUTME: AgentControl gRPC service implementation for agent communication
// ABOUTME: Handles registration, the Ready handshake and routing of agent messages to the manager

package gateway

import (
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apache/cloudstack-sub185/internal/agent"
	"github.com/apache/cloudstack-sub185/internal/auth"
	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/store"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

// agentControlServer implements the AgentControl gRPC service.
type agentControlServer struct {
	wire.UnimplementedAgentControlServer
	gateway *Gateway
	logger  *slog.Logger
}

// newAgentControlServer creates a new AgentControl service instance.
func newAgentControlServer(gw *Gateway, logger *slog.Logger) *agentControlServer {
	return &agentControlServer{
		gateway: gw,
		logger:  logger,
	}
}

// AgentStream handles the bidirectional streaming connection with an agent.
// Protocol flow:
// 1. Agent sends Register
// 2. Server attaches the agent, runs connect listeners and responds with Welcome
// 3. Server sends ReadyCommand when the host came up
// 4. Either side sends Requests; the other answers with a Response of the same seq
func (s *agentControlServer) AgentStream(stream wire.AgentStreamServer) error {
	msg, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	reg := msg.Register
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be Register")
	}
	if reg.AgentID == "" {
		return status.Error(codes.InvalidArgument, "agent_id is required")
	}

	ctx := stream.Context()
	if a := auth.FromContext(ctx); a != nil && !a.MayActAs(reg.AgentID) {
		return status.Errorf(codes.PermissionDenied, "token may not register as agent %s", reg.AgentID)
	}

	startup, err := s.decodeStartup(reg)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding startup: %v", err)
	}

	mgr := s.gateway.agentManager
	conn := agent.NewConnection(agent.ConnectionParams{
		ID:         reg.AgentID,
		Name:       reg.Name,
		InstanceID: uuid.NewString(),
		Startup:    startup,
		Stream:     stream,
		Logger:     s.logger.With("agent_id", reg.AgentID),
	})

	hostStatus, err := mgr.Attach(ctx, conn)
	if errors.Is(err, agent.ErrAgentAlreadyRegistered) {
		return status.Errorf(codes.AlreadyExists, "agent %s already registered", reg.AgentID)
	}
	if err != nil {
		// connect listener failure: the host stays attached in Alert
		s.logger.Warn("connect listener failed", "agent_id", reg.AgentID, "status", hostStatus, "error", err)
	}

	detachStatus := store.HostStatusDisconnected
	defer func() { mgr.Detach(conn, detachStatus) }()

	welcome := &wire.ServerMessage{Welcome: &wire.Welcome{
		ServerID:   s.gateway.serverID,
		MSID:       s.gateway.msid,
		AgentID:    reg.AgentID,
		InstanceID: conn.InstanceID,
	}}
	if err := conn.Send(welcome); err != nil {
		detachStatus = store.HostStatusAlert
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	if hostStatus == store.HostStatusUp {
		s.sendReady(conn)
	}

	msgs := make(chan *wire.AgentMessage)
	recvErr := make(chan error, 1)
	go func() {
		for {
			m, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-conn.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case m := <-msgs:
			if m.Register != nil {
				s.logger.Warn("received duplicate registration", "agent_id", conn.ID)
				continue
			}
			mgr.HandleMessage(conn, m)

		case err := <-recvErr:
			if err == io.EOF {
				s.logger.Info("agent disconnected (EOF)", "agent_id", conn.ID)
				return nil
			}
			if status.Code(err) == codes.Canceled {
				s.logger.Info("agent stream cancelled", "agent_id", conn.ID)
				return nil
			}
			detachStatus = store.HostStatusAlert
			s.logger.Error("receiving message", "error", err, "agent_id", conn.ID)
			return status.Errorf(codes.Internal, "receiving message: %v", err)

		case <-conn.Done():
			// detached elsewhere: heartbeat timeout, shutdown, or a newer stream
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// decodeStartup decodes the optional startup command carried in Register.
func (s *agentControlServer) decodeStartup(reg *wire.Register) (*command.StartupCommand, error) {
	if reg.Startup.Kind == "" {
		return nil, nil
	}
	cmd, err := s.gateway.commands.DecodeCommand(reg.Startup)
	if err != nil {
		return nil, err
	}
	startup, ok := cmd.(*command.StartupCommand)
	if !ok {
		return nil, errors.New("startup envelope holds " + cmd.Kind())
	}
	return startup, nil
}

// sendReady tells the agent it was accepted. The answer is only logged.
func (s *agentControlServer) sendReady(conn *agent.Connection) {
	cmds := command.NewCommands(command.Stop)
	cmds.Add(&command.ReadyCommand{HostID: conn.ID, MSID: s.gateway.msid})

	listener := &agent.ListenerFuncs{
		OnAnswers: func(agentID string, seq int64, answers []command.Answer) {
			for _, a := range answers {
				if !a.Result() {
					s.logger.Warn("agent rejected ready", "agent_id", agentID, "seq", seq, "details", a.Details())
					return
				}
			}
			s.logger.Debug("agent acknowledged ready", "agent_id", agentID, "seq", seq)
		},
		OnTimeout: func(agentID string, seq int64) {
			s.logger.Warn("agent did not acknowledge ready", "agent_id", agentID, "seq", seq)
		},
	}
	if _, err := s.gateway.agentManager.SendAsync(conn.ID, cmds, listener); err != nil {
		s.logger.Warn("sending ready", "agent_id", conn.ID, "error", err)
	}
}
