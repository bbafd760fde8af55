// Package gateway orchestrates the management server components.
//
// # Overview
//
// The gateway package is the central coordinator of the management server.
// It owns the SQLite store, the command registry, the agent manager with its
// listeners, the StackMaid cleanup manager, and the gRPC and HTTP servers.
//
// # gRPC Service
//
// The gateway implements the AgentControl service over the JSON codec:
//
//	service AgentControl {
//	    rpc AgentStream(stream AgentMessage) returns (stream ServerMessage);
//	}
//
// An agent registers, receives a Welcome and, when its host came up, a
// ReadyCommand. Both sides then exchange sequenced Requests and Responses.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /api/agents - Connected agents
//   - GET /api/hosts - Persisted host records
//   - GET /api/stackmaid/leftovers - Cleanup entries owned by this node
//   - GET /api/stackmaid/quarantine - Entries that failed permanently
//   - POST /api/vms/start - Start a guest under a cleanup stack
//
// API routes require an admin token when auth.jwt_secret is set.
//
// # Cleanup Delegates
//
// agent.stop-vm is pushed before a guest start and unwound if the start
// fails, so a crash between the two is repaired by the next recovery sweep.
// Startup recovery runs before any agent can connect, so leftovers from before
// the start are retried each time an agent attaches until none remain.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	cancel() // Run shuts down and returns
package gateway
