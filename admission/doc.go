// Package admission decides whether a new codec session fits on the core.
//
// Every function is pure: callers pass a snapshot of the active sessions'
// loads and the core limits. Check runs, in order, the macroblocks-per-second
// check (which may demote realtime decoders instead of rejecting), the
// macroblocks-per-frame totals, the per-session frame size and the
// resolution tier counts.
//
// AllowDCVS and AllowDecodeBatch evaluate ordered rule lists and report the
// first rule that refused.
package admission
