// Package command defines the units of work exchanged with remote agents.
//
// # Overview
//
// A Command is an imperative request executed by an agent (hypervisor host,
// storage head). Every Command produces exactly one Answer. Commands travel in
// ordered bundles:
//
//	cmds := command.NewCommands(command.Stop)
//	cmds.Add(&command.StopVMCommand{VMName: "i-2-10-VM"})
//	cmds.AddWithID("start", &command.StartVMCommand{VMName: "i-2-10-VM"})
//
// The dispatch layer resolves a bundle exactly once with SetAnswers. Answers are
// positionally aligned with their commands.
//
// # Error Policy
//
// OnError controls both how the agent executes the bundle and how the bundle's
// overall outcome is judged:
//
//   - Stop: the agent stops at the first failure; IsSuccessful requires every
//     answer to succeed.
//   - Continue: the agent runs every command; IsSuccessful requires at least one
//     success. A bundle resolved with zero answers is successful.
//
// # Lookups
//
//   - Answer(id): by the optional string id given to AddWithID
//   - AnswerOf[T]: by the exact dynamic type of the answer
//   - AnswerFor[T]: the answer aligned with the first command of type T
//
// # Wire Encoding
//
// Registry maps kind names to factories and converts commands and answers
// to and from Envelope values. Only pointer types are registered, so decoded
// values are pointers (e.g. *StartVMAnswer).
package command
