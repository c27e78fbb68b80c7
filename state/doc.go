// Package state holds the session and core state machines as data: typed
// bitsets with pure formatters, a stream-on/off transition table, sub-state
// guard tables and the predicates that gate every client-visible operation.
//
// Nothing here locks or blocks. Callers hold the owning lock, take a
// Snapshot, ask a predicate and then apply the resulting change with
// ApplySubState or NextState.
//
// # Sub-state Changes
//
// Sub-states change only through (clear, set) pairs:
//
//	next, err := state.ApplySubState(cur, state.SubDrc, state.SubInputPause)
//
// Overlapping masks, unknown bits, and results where a last-buffer bit
// outlives its sequence bit are rejected and leave cur untouched.
//
// # Predicates
//
// Predicates return an Allow outcome. Defer and Ignore mean "not yet" and
// "already done"; Disallow means "never in this state".
package state
