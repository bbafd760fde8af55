// ABOUTME: Minimal fake hypervisor agent for E2E testing; keeps guests in memory and answers commands.
// ABOUTME: Usage: fake-agent [-addr localhost:8250] [-id host-1] [-token JWT] [-fail-start]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/apache/cloudstack-sub185/internal/command"
	"github.com/apache/cloudstack-sub185/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:8250", "gRPC server address")
	agentID := flag.String("id", "fake-host-1", "Agent (host) ID")
	name := flag.String("name", "fake-kvm-01", "Host name")
	token := flag.String("token", os.Getenv("CLOUDSTACK_AGENT_TOKEN"), "Agent JWT")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval")
	ping := flag.Duration("ping", 30*time.Second, "PingCommand interval")
	failStart := flag.Bool("fail-start", false, "Refuse every StartVMCommand")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &fakeAgent{
		id:        *agentID,
		name:      *name,
		failStart: *failStart,
		reg:       command.NewDefaultRegistry(),
		vms:       make(map[string]string),
	}
	if err := a.run(ctx, *addr, *token, *heartbeat, *ping); err != nil {
		log.Fatal(err)
	}
}

type fakeAgent struct {
	id        string
	name      string
	failStart bool
	reg       *command.Registry

	stream wire.AgentStreamClient
	sendMu sync.Mutex
	seq    int64

	mu  sync.Mutex
	vms map[string]string // vm name -> state
}

func (a *fakeAgent) run(ctx context.Context, addr, token string, heartbeat, ping time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	streamCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+token)
	}

	a.stream, err = wire.NewAgentControlClient(conn).AgentStream(streamCtx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	startup, err := a.reg.EncodeCommand("", &command.StartupCommand{
		HostName:   a.name,
		Hypervisor: "KVM",
		Version:    "fake",
	})
	if err != nil {
		return err
	}
	if err := a.send(&wire.AgentMessage{Register: &wire.Register{AgentID: a.id, Name: a.name, Startup: startup}}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	msg, err := a.stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if msg.Welcome == nil {
		return fmt.Errorf("expected welcome, got: %+v", msg)
	}
	log.Printf("registered as %s (instance: %s, msid: %d)", msg.Welcome.AgentID, msg.Welcome.InstanceID, msg.Welcome.MSID)

	go a.tick(ctx, heartbeat, ping)

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := a.stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			a.handle(msg)
		}
	}()

	select {
	case err := <-recvErr:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("recv error: %w", err)
	case <-ctx.Done():
		a.sayGoodbye()
		return nil
	}
}

func (a *fakeAgent) send(msg *wire.AgentMessage) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.stream.Send(msg)
}

func (a *fakeAgent) nextSeq() int64 {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	a.seq++
	return a.seq
}

// tick sends heartbeats and PingCommands until ctx is done.
func (a *fakeAgent) tick(ctx context.Context, heartbeat, ping time.Duration) {
	hb := time.NewTicker(heartbeat)
	defer hb.Stop()
	pt := time.NewTicker(ping)
	defer pt.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-hb.C:
			if err := a.send(&wire.AgentMessage{Heartbeat: &wire.Heartbeat{TimestampMs: now.UnixMilli()}}); err != nil {
				log.Printf("heartbeat: %v", err)
			}
		case <-pt.C:
			a.mu.Lock()
			states := make(map[string]string, len(a.vms))
			for vm, s := range a.vms {
				states[vm] = s
			}
			a.mu.Unlock()

			env, err := a.reg.EncodeCommand("", &command.PingCommand{HostID: a.id, VMStates: states})
			if err != nil {
				log.Printf("encoding ping: %v", err)
				continue
			}
			if err := a.send(&wire.AgentMessage{Request: &wire.Request{Seq: a.nextSeq(), Commands: []command.Envelope{env}}}); err != nil {
				log.Printf("ping: %v", err)
			}
		}
	}
}

func (a *fakeAgent) handle(msg *wire.ServerMessage) {
	switch {
	case msg.Shutdown != nil:
		log.Printf("server asked us to leave: %s", msg.Shutdown.Reason)
		_ = a.stream.CloseSend()
	case msg.Response != nil:
		log.Printf("answers for seq %d: %d", msg.Response.Seq, len(msg.Response.Answers))
	case msg.Request != nil:
		a.answer(msg.Request)
	}
}

// answer executes a request. Under the Stop policy commands after a failure are not run.
func (a *fakeAgent) answer(req *wire.Request) {
	onError, err := command.ParseOnError(req.OnError)
	if err != nil {
		onError = command.Stop
	}

	failed := false
	answers := make([]command.Envelope, 0, len(req.Commands))
	for _, env := range req.Commands {
		var ans command.Answer
		cmd, err := a.reg.DecodeCommand(env)
		switch {
		case err != nil:
			ans = command.NewAnswer(false, err.Error())
		case failed && onError == command.Stop:
			ans = command.NewAnswer(false, "skipped after earlier failure")
		default:
			ans = a.execute(cmd)
		}
		if !ans.Result() {
			failed = true
		}

		out, err := a.reg.EncodeAnswer(ans)
		if err != nil {
			log.Printf("encoding answer: %v", err)
			return
		}
		out.ID = env.ID
		answers = append(answers, out)
	}

	if err := a.send(&wire.AgentMessage{Response: &wire.Response{Seq: req.Seq, Answers: answers}}); err != nil {
		log.Printf("sending response %d: %v", req.Seq, err)
	}
}

func (a *fakeAgent) execute(cmd command.Command) command.Answer {
	ok := command.BaseAnswer{Success: true}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch c := cmd.(type) {
	case *command.ReadyCommand:
		log.Printf("ready from msid %d", c.MSID)
		return &command.ReadyAnswer{BaseAnswer: ok}
	case *command.CheckHealthCommand:
		return &command.CheckHealthAnswer{BaseAnswer: ok}
	case *command.MaintainCommand:
		return &command.MaintainAnswer{BaseAnswer: ok}
	case *command.StartVMCommand:
		if a.failStart {
			return &command.StartVMAnswer{BaseAnswer: command.BaseAnswer{Detail: "insufficient capacity"}}
		}
		a.vms[c.VMName] = "Running"
		log.Printf("started %s", c.VMName)
		return &command.StartVMAnswer{BaseAnswer: ok, State: "Running"}
	case *command.StopVMCommand:
		delete(a.vms, c.VMName)
		log.Printf("stopped %s (force=%t)", c.VMName, c.Force)
		return &command.StopVMAnswer{BaseAnswer: ok}
	default:
		return command.NewUnsupportedAnswer(cmd)
	}
}

// sayGoodbye announces the shutdown as a control request and closes the stream.
func (a *fakeAgent) sayGoodbye() {
	env, err := a.reg.EncodeCommand("", &command.ShutdownCommand{Reason: "agent stopping"})
	if err == nil {
		_ = a.send(&wire.AgentMessage{Request: &wire.Request{Seq: a.nextSeq(), Control: true, Commands: []command.Envelope{env}}})
	}
	_ = a.stream.CloseSend()
}
