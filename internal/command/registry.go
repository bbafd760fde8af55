// ABOUTME: Kind registry mapping wire names to command and answer factories.
// ABOUTME: Encodes and decodes commands/answers to Envelopes without reflection-based loading.

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownKind is returned when decoding a command whose kind is not registered.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("kind already registered")
)

// Registry maps kind names to factories for commands and answers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]func() Command
	answers  map[string]func() Answer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]func() Command),
		answers:  make(map[string]func() Answer),
	}
}

// NewDefaultRegistry creates a Registry with the built-in command set registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// RegisterCommand registers a factory returning a fresh pointer to a command type.
func (r *Registry) RegisterCommand(factory func() Command) error {
	kind := factory().Kind()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[kind]; exists {
		return fmt.Errorf("%w: command %s", ErrDuplicateKind, kind)
	}
	r.commands[kind] = factory
	return nil
}

// RegisterAnswer registers a factory returning a fresh pointer to an answer type.
func (r *Registry) RegisterAnswer(factory func() Answer) error {
	kind := factory().Kind()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.answers[kind]; exists {
		return fmt.Errorf("%w: answer %s", ErrDuplicateKind, kind)
	}
	r.answers[kind] = factory
	return nil
}

// EncodeCommand serializes a command into an Envelope.
func (r *Registry) EncodeCommand(id string, cmd Command) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding command %s: %w", cmd.Kind(), err)
	}
	return Envelope{ID: id, Kind: cmd.Kind(), Payload: payload}, nil
}

// DecodeCommand rebuilds a command from an Envelope.
func (r *Registry) DecodeCommand(env Envelope) (Command, error) {
	r.mu.RLock()
	factory, ok := r.commands[env.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: command %q", ErrUnknownKind, env.Kind)
	}

	cmd := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, cmd); err != nil {
			return nil, fmt.Errorf("decoding command %s: %w", env.Kind, err)
		}
	}
	return cmd, nil
}

// EncodeAnswer serializes an answer into an Envelope.
func (r *Registry) EncodeAnswer(ans Answer) (Envelope, error) {
	payload, err := json.Marshal(ans)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding answer %s: %w", ans.Kind(), err)
	}
	return Envelope{Kind: ans.Kind(), Payload: payload}, nil
}

// DecodeAnswer rebuilds an answer from an Envelope.
// Unregistered kinds decode into a GenericAnswer so the result and details survive.
func (r *Registry) DecodeAnswer(env Envelope) (Answer, error) {
	r.mu.RLock()
	factory, ok := r.answers[env.Kind]
	r.mu.RUnlock()

	var ans Answer
	if ok {
		ans = factory()
	} else {
		ans = &GenericAnswer{AnswerKind: env.Kind}
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ans); err != nil {
			return nil, fmt.Errorf("decoding answer %s: %w", env.Kind, err)
		}
	}
	return ans, nil
}

// EncodeCommands serializes every command of a bundle in order.
func (r *Registry) EncodeCommands(cmds *Commands) ([]Envelope, error) {
	envs := make([]Envelope, 0, cmds.Len())
	for i, cmd := range cmds.Commands() {
		env, err := r.EncodeCommand(cmds.ID(i), cmd)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// DecodeAnswers rebuilds answers in order.
func (r *Registry) DecodeAnswers(envs []Envelope) ([]Answer, error) {
	answers := make([]Answer, 0, len(envs))
	for _, env := range envs {
		ans, err := r.DecodeAnswer(env)
		if err != nil {
			return nil, err
		}
		answers = append(answers, ans)
	}
	return answers, nil
}
