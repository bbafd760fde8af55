// ABOUTME: Hand-written gRPC service descriptor for agent.v1.AgentControl.
// ABOUTME: Mirrors the shape of generated stubs: server interface, register func, and client.

package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AgentStreamFullMethodName is the fully-qualified method name of the agent stream.
const AgentStreamFullMethodName = "/agent.v1.AgentControl/AgentStream"

// AgentStreamServer is the server side of the agent stream.
type AgentStreamServer = grpc.BidiStreamingServer[AgentMessage, ServerMessage]

// AgentStreamClient is the client side of the agent stream.
type AgentStreamClient = grpc.BidiStreamingClient[AgentMessage, ServerMessage]

// AgentControlServer is implemented by the management server.
type AgentControlServer interface {
	AgentStream(AgentStreamServer) error
}

// UnimplementedAgentControlServer can be embedded for forward compatibility.
type UnimplementedAgentControlServer struct{}

func (UnimplementedAgentControlServer) AgentStream(AgentStreamServer) error {
	return status.Error(codes.Unimplemented, "method AgentStream not implemented")
}

func agentStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentControlServer).AgentStream(&grpc.GenericServerStream[AgentMessage, ServerMessage]{ServerStream: stream})
}

// AgentControlServiceDesc describes the AgentControl service.
var AgentControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "agent.v1.AgentControl",
	HandlerType: (*AgentControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AgentStream",
			Handler:       agentStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "agent/v1/agent_control",
}

// RegisterAgentControlServer registers srv on the given registrar.
func RegisterAgentControlServer(s grpc.ServiceRegistrar, srv AgentControlServer) {
	s.RegisterService(&AgentControlServiceDesc, srv)
}

// AgentControlClient opens agent streams against a management server.
type AgentControlClient interface {
	AgentStream(ctx context.Context, opts ...grpc.CallOption) (AgentStreamClient, error)
}

type agentControlClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentControlClient creates a client on top of an existing connection.
func NewAgentControlClient(cc grpc.ClientConnInterface) AgentControlClient {
	return &agentControlClient{cc: cc}
}

func (c *agentControlClient) AgentStream(ctx context.Context, opts ...grpc.CallOption) (AgentStreamClient, error) {
	callOpts := append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &AgentControlServiceDesc.Streams[0], AgentStreamFullMethodName, callOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[AgentMessage, ServerMessage]{ClientStream: stream}, nil
}
