// ABOUTME: Tests for the agent cleanup delegates
// ABOUTME: Checks failure classification against a fake command sender

package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/cloudstack-sub185/internal/agent"
	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/stackmaid"
)

type fakeSender struct {
	err    error
	answer command.Answer
	sent   []command.Command
	hostID string
}

func (f *fakeSender) Send(_ context.Context, agentID string, cmds *command.Commands) error {
	f.hostID = agentID
	f.sent = append(f.sent, cmds.Commands()...)
	if f.err != nil {
		return f.err
	}
	return cmds.SetAnswers([]command.Answer{f.answer})
}

func TestStopVMDelegate(t *testing.T) {
	data := map[string]any{"host_id": "host-1", "vm_name": "i-2-10-VM"}

	tests := []struct {
		name      string
		sender    *fakeSender
		data      map[string]any
		wantErr   bool
		permanent bool
	}{
		{
			name:   "stopped",
			sender: &fakeSender{answer: &command.StopVMAnswer{BaseAnswer: command.BaseAnswer{Success: true}}},
			data:   data,
		},
		{
			name:      "missing fields",
			sender:    &fakeSender{},
			data:      map[string]any{"host_id": "host-1"},
			wantErr:   true,
			permanent: true,
		},
		{
			name:    "agent unavailable is retried",
			sender:  &fakeSender{err: agent.ErrAgentUnavailable},
			data:    data,
			wantErr: true,
		},
		{
			name:      "refused stop is permanent",
			sender:    &fakeSender{answer: command.NewAnswer(false, "domain not found")},
			data:      data,
			wantErr:   true,
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := stopVMDelegate(tt.sender)(context.Background(), tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := stackmaid.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestStopVMDelegate_SendsForcedStop(t *testing.T) {
	s := &fakeSender{answer: &command.StopVMAnswer{BaseAnswer: command.BaseAnswer{Success: true}}}

	if err := stopVMDelegate(s)(context.Background(), map[string]any{"host_id": "host-1", "vm_name": "vm-a"}); err != nil {
		t.Fatalf("delegate failed: %v", err)
	}
	if s.hostID != "host-1" || len(s.sent) != 1 {
		t.Fatalf("sent %v to %s", s.sent, s.hostID)
	}
	stop, ok := s.sent[0].(*command.StopVMCommand)
	if !ok || stop.VMName != "vm-a" || !stop.Force {
		t.Errorf("command = %+v", s.sent[0])
	}
}

func TestRegisterAgentDelegates_Duplicate(t *testing.T) {
	r := stackmaid.NewRegistry()
	if err := registerAgentDelegates(r, &fakeSender{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registerAgentDelegates(r, &fakeSender{}); !errors.Is(err, stackmaid.ErrDuplicateDelegate) {
		t.Errorf("second register err = %v, want ErrDuplicateDelegate", err)
	}
}
