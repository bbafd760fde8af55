// ABOUTME: Commands bundle - an ordered list of commands plus an error policy.
// ABOUTME: Resolved once with positionally aligned answers; implements the success rules.

package command

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrAlreadyResolved is returned when SetAnswers is called on a resolved bundle.
	ErrAlreadyResolved = errors.New("commands already resolved")

	// ErrAmbiguousAnswerType is returned when AnswerOf is asked for an interface type
	// or more than one answer has the requested type.
	ErrAmbiguousAnswerType = errors.New("ambiguous answer type")

	// ErrAnswerNotFound is returned when no answer matches a lookup.
	ErrAnswerNotFound = errors.New("answer not found")

	// ErrCommandNotFound is returned when no command matches a lookup.
	ErrCommandNotFound = errors.New("command not found")
)

// AnswerCountError reports a SetAnswers call whose length does not match the commands.
type AnswerCountError struct {
	Commands int
	Answers  int
}

func (e *AnswerCountError) Error() string {
	return fmt.Sprintf("answer count mismatch: %d commands, %d answers", e.Commands, e.Answers)
}

type entry struct {
	id  string
	cmd Command
}

// Commands is an ordered bundle of commands sent to one agent in one request.
// It is not safe for concurrent mutation; the dispatch layer owns it until resolved.
type Commands struct {
	entries []entry
	answers []Answer
	onError OnError

	// Timeout bounds a synchronous send. Zero uses the dispatcher default.
	Timeout time.Duration
}

// NewCommands creates an empty bundle with the given error policy.
func NewCommands(onError OnError) *Commands {
	return &Commands{onError: onError}
}

// Add appends a command without an id.
func (c *Commands) Add(cmd Command) {
	c.entries = append(c.entries, entry{cmd: cmd})
}

// AddWithID appends a command that can later be looked up by id.
func (c *Commands) AddWithID(id string, cmd Command) {
	c.entries = append(c.entries, entry{id: id, cmd: cmd})
}

// OnError returns the bundle's error policy.
func (c *Commands) OnError() OnError {
	return c.onError
}

// Len returns the number of commands.
func (c *Commands) Len() int {
	return len(c.entries)
}

// Commands returns the commands in order.
func (c *Commands) Commands() []Command {
	cmds := make([]Command, len(c.entries))
	for i, e := range c.entries {
		cmds[i] = e.cmd
	}
	return cmds
}

// ID returns the id of the command at position i, or "" if none was given.
func (c *Commands) ID(i int) string {
	if i < 0 || i >= len(c.entries) {
		return ""
	}
	return c.entries[i].id
}

// Answers returns the answers, or nil if the bundle is unresolved.
func (c *Commands) Answers() []Answer {
	return c.answers
}

// Resolved reports whether SetAnswers has been called.
func (c *Commands) Resolved() bool {
	return c.answers != nil
}

// SetAnswers resolves the bundle. The answers must align positionally with the commands.
func (c *Commands) SetAnswers(answers []Answer) error {
	if c.answers != nil {
		return ErrAlreadyResolved
	}
	if len(answers) != len(c.entries) {
		return &AnswerCountError{Commands: len(c.entries), Answers: len(answers)}
	}
	c.answers = make([]Answer, len(answers))
	copy(c.answers, answers)
	return nil
}

// Answer returns the answer for the command added with the given id.
// Returns nil if the id is unknown or the bundle is unresolved.
func (c *Commands) Answer(id string) Answer {
	if c.answers == nil {
		return nil
	}
	for i, e := range c.entries {
		if e.id == id {
			return c.answers[i]
		}
	}
	return nil
}

// IsSuccessful judges the resolved bundle according to its error policy.
func (c *Commands) IsSuccessful() bool {
	if c.answers == nil {
		return false
	}
	if c.onError == Stop {
		for _, a := range c.answers {
			if a == nil || !a.Result() {
				return false
			}
		}
		return true
	}

	// Continue: any success wins; an empty bundle has nothing that failed.
	if len(c.answers) == 0 {
		return true
	}
	for _, a := range c.answers {
		if a != nil && a.Result() {
			return true
		}
	}
	return false
}

// AnswerOf returns the only answer whose dynamic type is exactly T.
// T must be a concrete type; asking for an interface, or finding T twice, returns ErrAmbiguousAnswerType.
func AnswerOf[T Answer](c *Commands) (T, error) {
	var zero T
	if reflect.TypeFor[T]().Kind() == reflect.Interface {
		return zero, ErrAmbiguousAnswerType
	}
	var (
		found T
		n     int
	)
	for _, a := range c.answers {
		if typed, ok := a.(T); ok {
			found = typed
			n++
		}
	}
	switch n {
	case 0:
		return zero, fmt.Errorf("%w: %s", ErrAnswerNotFound, reflect.TypeFor[T]())
	case 1:
		return found, nil
	default:
		return zero, fmt.Errorf("%w: %d answers of %s", ErrAmbiguousAnswerType, n, reflect.TypeFor[T]())
	}
}

// AnswerFor returns the answer aligned with the first command whose dynamic type is exactly T.
func AnswerFor[T Command](c *Commands) (Answer, error) {
	if reflect.TypeFor[T]().Kind() == reflect.Interface {
		return nil, fmt.Errorf("%w: interface command type", ErrCommandNotFound)
	}
	if c.answers == nil {
		return nil, fmt.Errorf("%w: commands unresolved", ErrAnswerNotFound)
	}
	for i, e := range c.entries {
		if _, ok := e.cmd.(T); ok {
			return c.answers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, reflect.TypeFor[T]())
}
