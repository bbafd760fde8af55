// ABOUTME: StackMaid cleanup delegates that release resources on agents
// ABOUTME: Delegates receive only their persisted data, so they look agents up by host id

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/cloudstack-sub185/internal/agent"
	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/stackmaid"
)

// DelegateStopVM stops a guest that a failed start left running.
const DelegateStopVM = "agent.stop-vm"

// commandSender is the part of the agent manager delegates need.
type commandSender interface {
	Send(ctx context.Context, agentID string, cmds *command.Commands) error
}

// registerAgentDelegates adds the agent cleanup delegates to r.
func registerAgentDelegates(r *stackmaid.Registry, agents commandSender) error {
	return r.Register(DelegateStopVM, stopVMDelegate(agents))
}

// stopVMDelegate force-stops data["vm_name"] on data["host_id"].
// Missing fields and refused stops are permanent; an unreachable agent is retried.
func stopVMDelegate(agents commandSender) stackmaid.Delegate {
	return func(ctx context.Context, data map[string]any) error {
		hostID, _ := data["host_id"].(string)
		vmName, _ := data["vm_name"].(string)
		if hostID == "" || vmName == "" {
			return stackmaid.Permanent(errors.New("stop-vm needs host_id and vm_name"))
		}

		cmds := command.NewCommands(command.Stop)
		cmds.Add(&command.StopVMCommand{VMName: vmName, Force: true})
		if err := agents.Send(ctx, hostID, cmds); err != nil {
			// the host may come back; leave the entry for the next sweep
			return fmt.Errorf("stopping %s on %s: %w", vmName, hostID, err)
		}

		if !cmds.IsSuccessful() {
			detail := ""
			if answers := cmds.Answers(); len(answers) > 0 {
				detail = answers[0].Details()
			}
			return stackmaid.Permanent(fmt.Errorf("agent %s refused to stop %s: %s", hostID, vmName, detail))
		}
		return nil
	}
}

var _ commandSender = (*agent.Manager)(nil)
