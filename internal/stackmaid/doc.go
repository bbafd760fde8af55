// Package stackmaid keeps durable cleanup stacks for long-running operations.
//
// An operation opens a Stack with Manager.Begin and pushes named cleanup
// delegates as it acquires resources. Every push is committed to the database
// before it returns, so if the process dies mid-operation the rows outlive it.
//
//	ctx, stack := maid.Begin(ctx)
//	if err := stack.Push(ctx, "release-ip", map[string]any{"ip": ip}); err != nil {
//		return err
//	}
//	if err := startVM(ctx); err != nil {
//		return errors.Join(err, stack.Unwind(ctx))
//	}
//	return stack.Discard(ctx)
//
// # Recovery and GC
//
// Manager.Start first drains leftovers owned by this node's msid, then runs a
// GC sweep every GCInterval. A sweep holds the "stackmaid-gc" cluster lock and
// drains every row older than CutWindow, whichever node pushed it.
//
// Leftovers are grouped per operation stack and run innermost first. A row is
// deleted only after its delegate succeeds. Transient failures keep the row for
// the next sweep and hold back the outer entries of that stack. Unknown delegate
// names, undecodable contexts, panics and errors wrapped with Permanent move the
// row to quarantine.
//
// Delegates are looked up by name in a Registry constructed at process start.
package stackmaid
