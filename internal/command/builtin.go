// ABOUTME: Built-in commands and answers understood by every hypervisor agent.
// ABOUTME: Includes agent-originated startup, ping and shutdown commands.

package command

// ReadyCommand tells a freshly connected agent that the management server accepted it.
type ReadyCommand struct {
	HostID string `json:"host_id"`
	MSID   int64  `json:"msid"`
}

func (ReadyCommand) Kind() string { return "ReadyCommand" }

// ReadyAnswer acknowledges a ReadyCommand.
type ReadyAnswer struct {
	BaseAnswer
}

func (ReadyAnswer) Kind() string { return "ReadyAnswer" }

// CheckHealthCommand asks the agent for a health check.
type CheckHealthCommand struct{}

func (CheckHealthCommand) Kind() string { return "CheckHealthCommand" }

// CheckHealthAnswer reports the agent's health.
type CheckHealthAnswer struct {
	BaseAnswer
}

func (CheckHealthAnswer) Kind() string { return "CheckHealthAnswer" }

// StartVMCommand starts a guest on the host.
type StartVMCommand struct {
	VMName   string `json:"vm_name"`
	VCPUs    int    `json:"vcpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

func (StartVMCommand) Kind() string { return "StartVMCommand" }

// StartVMAnswer reports the state of the started guest.
type StartVMAnswer struct {
	BaseAnswer
	State string `json:"state,omitempty"`
}

func (StartVMAnswer) Kind() string { return "StartVMAnswer" }

// StopVMCommand stops a guest on the host.
type StopVMCommand struct {
	VMName string `json:"vm_name"`
	Force  bool   `json:"force,omitempty"`
}

func (StopVMCommand) Kind() string { return "StopVMCommand" }

// StopVMAnswer reports the outcome of a stop.
type StopVMAnswer struct {
	BaseAnswer
}

func (StopVMAnswer) Kind() string { return "StopVMAnswer" }

// MaintainCommand puts the host into maintenance.
type MaintainCommand struct{}

func (MaintainCommand) Kind() string { return "MaintainCommand" }

// MaintainAnswer acknowledges maintenance mode.
type MaintainAnswer struct {
	BaseAnswer
}

func (MaintainAnswer) Kind() string { return "MaintainAnswer" }

// StartupCommand describes an agent as it connects.
type StartupCommand struct {
	HostName   string `json:"host_name"`
	Hypervisor string `json:"hypervisor,omitempty"`
	Version    string `json:"version,omitempty"`
	Zone       string `json:"zone,omitempty"`
	Pod        string `json:"pod,omitempty"`
	Cluster    string `json:"cluster,omitempty"`
}

func (StartupCommand) Kind() string { return "StartupCommand" }

// PingCommand is sent periodically by agents with their view of guest states.
type PingCommand struct {
	HostID   string            `json:"host_id"`
	VMStates map[string]string `json:"vm_states,omitempty"`
}

func (PingCommand) Kind() string { return "PingCommand" }

// PingAnswer acknowledges a PingCommand.
type PingAnswer struct {
	BaseAnswer
}

func (PingAnswer) Kind() string { return "PingAnswer" }

// ShutdownCommand is a control command announcing that the agent is going away.
type ShutdownCommand struct {
	Reason string `json:"reason,omitempty"`
}

func (ShutdownCommand) Kind() string { return "ShutdownCommand" }

// UnsupportedAnswer is returned for commands nobody handled.
type UnsupportedAnswer struct {
	BaseAnswer
}

func (UnsupportedAnswer) Kind() string { return "UnsupportedAnswer" }

// NewUnsupportedAnswer builds a failed answer for an unhandled command.
func NewUnsupportedAnswer(cmd Command) *UnsupportedAnswer {
	return &UnsupportedAnswer{BaseAnswer: BaseAnswer{
		Success: false,
		Detail:  "unsupported command: " + cmd.Kind(),
	}}
}

// GenericAnswer holds an answer whose kind is not registered locally.
type GenericAnswer struct {
	BaseAnswer
	AnswerKind string `json:"-"`
}

func (a GenericAnswer) Kind() string { return a.AnswerKind }

// registerBuiltins adds the built-in command set to r.
func registerBuiltins(r *Registry) {
	for _, f := range []func() Command{
		func() Command { return &ReadyCommand{} },
		func() Command { return &CheckHealthCommand{} },
		func() Command { return &StartVMCommand{} },
		func() Command { return &StopVMCommand{} },
		func() Command { return &MaintainCommand{} },
		func() Command { return &StartupCommand{} },
		func() Command { return &PingCommand{} },
		func() Command { return &ShutdownCommand{} },
	} {
		_ = r.RegisterCommand(f)
	}

	for _, f := range []func() Answer{
		func() Answer { return &ReadyAnswer{} },
		func() Answer { return &CheckHealthAnswer{} },
		func() Answer { return &StartVMAnswer{} },
		func() Answer { return &StopVMAnswer{} },
		func() Answer { return &MaintainAnswer{} },
		func() Answer { return &PingAnswer{} },
		func() Answer { return &UnsupportedAnswer{} },
		func() Answer { return &PlainAnswer{} },
	} {
		_ = r.RegisterAnswer(f)
	}
}

// PlainAnswer is an answer with no fields beyond the result and details.
type PlainAnswer struct {
	BaseAnswer
}

func (PlainAnswer) Kind() string { return "Answer" }

// NewAnswer builds a plain answer.
func NewAnswer(success bool, details string) *PlainAnswer {
	return &PlainAnswer{BaseAnswer: BaseAnswer{Success: success, Detail: details}}
}
