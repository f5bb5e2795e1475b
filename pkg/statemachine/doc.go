// Package statemachine implements guarded finite state machines.
//
// A Table holds the transitions and is shared; a Machine is one run over it:
//
//	var table = statemachine.MustNewTable(
//		statemachine.Transition{From: Draft, To: Review, Event: Submit},
//		statemachine.Transition{From: Review, To: Published, Event: Approve,
//			Guards: []statemachine.Guard{isEditor}},
//	)
//
//	m, _ := table.Start(Draft)
//	if err := m.Fire(ctx, Submit, nil); err != nil {
//		return err
//	}
//
// Several transitions may share a source state and an event; the first one
// whose guards pass wins, which lets guards branch on the data passed to Fire.
// An event with no matching transition returns a *TransitionError wrapping
// ErrNoTransition or ErrTransitionRejected.
package statemachine
