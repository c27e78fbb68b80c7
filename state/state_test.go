package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApplySubStateMonotonic checks every non-overlapping pair yields
// (old &^ clear) | set, or is refused without change.
func TestApplySubStateMonotonic(t *testing.T) {
	for cur := SubState(0); cur <= SubAll; cur++ {
		for clear := SubState(0); clear <= SubAll; clear++ {
			for set := SubState(0); set <= SubAll; set++ {
				next, err := ApplySubState(cur, clear, set)
				if clear&set != 0 {
					require.ErrorIs(t, err, ErrOverlappingMasks)
					require.Equal(t, cur, next)
					continue
				}
				if err != nil {
					require.ErrorIs(t, err, ErrSubStateInvariant)
					require.Equal(t, cur, next)
					continue
				}
				require.Equal(t, cur&^clear|set, next)
				if next.Has(SubDrainLastBuffer) {
					require.True(t, next.Has(SubDrain), "%s", next)
				}
				if next.Has(SubDrcLastBuffer) {
					require.True(t, next.Has(SubDrc), "%s", next)
				}
			}
		}
	}
}

// TestApplySubStateGuards covers the last-buffer guards.
func TestApplySubStateGuards(t *testing.T) {
	_, err := ApplySubState(SubDrain, SubNone, SubDrainLastBuffer)
	assert.ErrorIs(t, err, ErrSubStateInvariant, "input pause required")

	next, err := ApplySubState(SubDrain|SubInputPause, SubNone, SubDrainLastBuffer|SubOutputPause)
	require.NoError(t, err)
	assert.Equal(t, SubDrain|SubInputPause|SubDrainLastBuffer|SubOutputPause, next)

	_, err = ApplySubState(next, SubDrain, SubNone)
	assert.ErrorIs(t, err, ErrSubStateInvariant, "clearing drain alone orphans the last-buffer bit")

	_, err = ApplySubState(SubNone, SubNone, 0x80)
	assert.ErrorIs(t, err, ErrInvalidSubState)
}

// TestSubStateString checks the pure formatter.
func TestSubStateString(t *testing.T) {
	assert.Equal(t, "NONE", SubNone.String())
	assert.Equal(t, "DRAIN|INPUT_PAUSE", (SubDrain | SubInputPause).String())
	assert.Equal(t, "DRC|0x80", (SubDrc | 0x80).String())
	assert.Equal(t, "POWER_ENABLE|PAGE_FAULT", (CorePowerEnable | CorePageFault).String())
}

// TestStreamTransitions checks the transition table row by row.
func TestStreamTransitions(t *testing.T) {
	tests := []struct {
		from State
		port Port
		on   bool
		want State
		ok   bool
	}{
		{StateOpen, PortInput, true, StateInputStreaming, true},
		{StateOpen, PortOutput, true, StateOutputStreaming, true},
		{StateOpen, PortInput, false, 0, false},
		{StateInputStreaming, PortOutput, true, StateStreaming, true},
		{StateInputStreaming, PortInput, false, StateOpen, true},
		{StateInputStreaming, PortInput, true, 0, false},
		{StateOutputStreaming, PortInput, true, StateStreaming, true},
		{StateOutputStreaming, PortOutput, false, StateOpen, true},
		{StateStreaming, PortInput, false, StateOutputStreaming, true},
		{StateStreaming, PortOutput, false, StateInputStreaming, true},
		{StateStreaming, PortOutput, true, 0, false},
		{StateError, PortInput, true, 0, false},
	}
	for _, tt := range tests {
		got, ok := NextState(tt.from, tt.port, tt.on)
		assert.Equal(t, tt.ok, ok, "%s %s on=%v", tt.from, tt.port, tt.on)
		assert.Equal(t, tt.want, got, "%s %s on=%v", tt.from, tt.port, tt.on)
	}
}

// TestStateChangeAllowed checks error stickiness and direct changes.
func TestStateChangeAllowed(t *testing.T) {
	assert.True(t, StateChangeAllowed(StateOpen, StateInputStreaming))
	assert.False(t, StateChangeAllowed(StateOpen, StateStreaming))
	assert.True(t, StateChangeAllowed(StateStreaming, StateError))
	assert.False(t, StateChangeAllowed(StateError, StateOpen))
	assert.True(t, StateChangeAllowed(StateError, StateClose))
	assert.False(t, StateChangeAllowed(StateClose, StateError))
}

// TestAllowQBuf checks the defer rules.
func TestAllowQBuf(t *testing.T) {
	all := PortSet(0).With(PortInput).With(PortOutput).With(PortInputMeta)

	s := Snapshot{State: StateOpen}
	assert.Equal(t, Defer, s.AllowQBuf(PortInput), "port not streaming")

	s = Snapshot{State: StateInputStreaming, Streaming: all}
	assert.Equal(t, Permit, s.AllowQBuf(PortInput))
	assert.Equal(t, Defer, s.AllowQBuf(PortOutput))
	assert.Equal(t, Defer, s.AllowQBuf(PortInputMeta))

	s = Snapshot{State: StateOutputStreaming, Streaming: all}
	assert.Equal(t, Defer, s.AllowQBuf(PortInput))
	assert.Equal(t, Permit, s.AllowQBuf(PortOutput))

	s = Snapshot{State: StateError, Streaming: all}
	assert.Equal(t, Disallow, s.AllowQBuf(PortInput))
}

// TestAllowStreamOff checks ignore and meta rules.
func TestAllowStreamOff(t *testing.T) {
	s := Snapshot{State: StateStreaming, Streaming: PortSet(0).With(PortInput).With(PortInputMeta)}
	assert.Equal(t, Ignore, s.AllowStreamOff(PortOutput))
	assert.Equal(t, Disallow, s.AllowStreamOff(PortInputMeta))
	assert.Equal(t, Permit, s.AllowStreamOff(PortInput))

	s.Streaming = s.Streaming.Without(PortInput)
	assert.Equal(t, Permit, s.AllowStreamOff(PortInputMeta))
}

// TestAllowStreamOn checks per-port state requirements.
func TestAllowStreamOn(t *testing.T) {
	assert.True(t, Snapshot{State: StateOpen}.AllowStreamOn(PortInput))
	assert.True(t, Snapshot{State: StateOutputStreaming}.AllowStreamOn(PortInput))
	assert.False(t, Snapshot{State: StateInputStreaming}.AllowStreamOn(PortInput))
	assert.True(t, Snapshot{State: StateInputStreaming}.AllowStreamOn(PortOutput))
	assert.False(t, Snapshot{State: StateError}.AllowStreamOn(PortOutput))
	assert.False(t, Snapshot{State: StateOpen, Streaming: PortSet(0).With(PortOutputMeta)}.AllowStreamOn(PortOutputMeta))
}

// TestDrainPredicates walks the drain sequence through the predicates.
func TestDrainPredicates(t *testing.T) {
	s := Snapshot{State: StateStreaming}
	assert.Equal(t, Permit, s.AllowStop())
	assert.False(t, s.AllowStart())

	s.Sub = SubDrain
	assert.Equal(t, Disallow, s.AllowStop(), "drain already pending")
	assert.False(t, s.AllowDrainLastFlag(), "input not paused yet")

	s.Sub |= SubInputPause
	assert.True(t, s.AllowDrainLastFlag())

	s.Sub |= SubDrainLastBuffer | SubOutputPause
	assert.False(t, s.AllowDrainLastFlag())
	assert.True(t, s.AllowStart())

	assert.Equal(t, Ignore, Snapshot{State: StateOpen}.AllowStop())
	assert.Equal(t, Disallow, Snapshot{State: StateOutputStreaming}.AllowStop())
}

// TestDRCPredicates checks port-settings-change gating.
func TestDRCPredicates(t *testing.T) {
	s := Snapshot{State: StateStreaming}
	assert.Equal(t, Permit, s.AllowInputPSC())
	s.Sub = SubDrc | SubInputPause
	assert.Equal(t, Disallow, s.AllowInputPSC())
	assert.True(t, s.AllowPSCLastFlag())
	s.Sub |= SubDrcLastBuffer
	assert.False(t, s.AllowPSCLastFlag())
	assert.True(t, s.AllowStart())
}

// TestAllowReqBufs checks reallocation windows.
func TestAllowReqBufs(t *testing.T) {
	assert.True(t, Snapshot{State: StateOpen}.AllowReqBufs(PortInput))
	assert.True(t, Snapshot{State: StateInputStreaming}.AllowReqBufs(PortOutput))
	assert.True(t, Snapshot{State: StateInputStreaming}.AllowReqBufs(PortOutputMeta))
	assert.False(t, Snapshot{State: StateInputStreaming}.AllowReqBufs(PortInput))
	assert.True(t, Snapshot{State: StateOutputStreaming}.AllowReqBufs(PortInputMeta))
	assert.False(t, Snapshot{State: StateStreaming}.AllowReqBufs(PortOutput))
}

// TestCoreSubState checks core sub-state application and suspend gating.
func TestCoreSubState(t *testing.T) {
	sub, err := ApplyCoreSubState(CoreSubNone, CoreSubNone, CorePowerEnable|CorePageFault)
	require.NoError(t, err)
	assert.True(t, sub.Has(CorePageFault))

	_, err = ApplyCoreSubState(sub, CorePageFault, CorePageFault)
	assert.ErrorIs(t, err, ErrOverlappingMasks)

	_, err = ApplyCoreSubState(sub, 0, 0x8000)
	assert.ErrorIs(t, err, ErrInvalidSubState)

	assert.True(t, AllowPMSuspend(CoreInit, sub))
	assert.False(t, AllowPMSuspend(CoreDeinit, sub))
	assert.False(t, AllowPMSuspend(CoreInit, CorePageFault))
}

// TestCoreTransitions checks the core lifecycle table.
func TestCoreTransitions(t *testing.T) {
	assert.True(t, CoreTransitionAllowed(CoreDeinit, CoreInitWait))
	assert.True(t, CoreTransitionAllowed(CoreInitWait, CoreInit))
	assert.True(t, CoreTransitionAllowed(CoreInitWait, CoreDeinit))
	assert.True(t, CoreTransitionAllowed(CoreInit, CoreDeinit))
	assert.False(t, CoreTransitionAllowed(CoreDeinit, CoreInit))
	assert.True(t, CoreInit.Valid())
	assert.False(t, CoreDeinit.Valid())
}
