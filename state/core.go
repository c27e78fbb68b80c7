package state

import "fmt"

// CoreState is the core lifecycle state.
type CoreState uint8

const (
	CoreUninit CoreState = iota
	CoreDeinit
	CoreInitWait
	CoreInit
)

// String returns the state name.
func (s CoreState) String() string {
	switch s {
	case CoreUninit:
		return "CORE_UNINIT"
	case CoreDeinit:
		return "CORE_DEINIT"
	case CoreInitWait:
		return "CORE_INIT_WAIT"
	case CoreInit:
		return "CORE_INIT"
	default:
		return fmt.Sprintf("CORE_STATE(%d)", uint8(s))
	}
}

// Valid reports whether commands may be submitted in this state.
func (s CoreState) Valid() bool {
	return s == CoreInit || s == CoreInitWait
}

var coreTransitions = map[CoreState][]CoreState{
	CoreUninit:   {CoreDeinit},
	CoreDeinit:   {CoreInitWait},
	CoreInitWait: {CoreInit, CoreDeinit},
	CoreInit:     {CoreDeinit},
}

// CoreTransitionAllowed reports whether from -> to appears in the core
// transition table. Staying in place is always allowed.
func CoreTransitionAllowed(from, to CoreState) bool {
	if from == to {
		return true
	}
	for _, next := range coreTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CoreSubState is the set of orthogonal core flags.
type CoreSubState uint16

const (
	CorePowerEnable CoreSubState = 1 << iota
	CorePmSuspend
	CorePageFault
	CoreCPUWatchdog
	CoreVideoUnresponsive
	CoreGdscHandoff
	CoreFwPwrCtrl

	CoreSubNone CoreSubState = 0
	CoreSubAll               = CorePowerEnable | CorePmSuspend | CorePageFault | CoreCPUWatchdog |
		CoreVideoUnresponsive | CoreGdscHandoff | CoreFwPwrCtrl
)

var coreSubNames = []struct {
	bit  CoreSubState
	name string
}{
	{CorePowerEnable, "POWER_ENABLE"},
	{CorePmSuspend, "PM_SUSPEND"},
	{CorePageFault, "PAGE_FAULT"},
	{CoreCPUWatchdog, "CPU_WATCHDOG"},
	{CoreVideoUnresponsive, "VIDEO_UNRESPONSIVE"},
	{CoreGdscHandoff, "GDSC_HANDOFF"},
	{CoreFwPwrCtrl, "FW_PWR_CTRL"},
}

// Has reports whether every bit of b is set.
func (s CoreSubState) Has(b CoreSubState) bool { return s&b == b }

// String formats the set as NAME|NAME, or NONE.
func (s CoreSubState) String() string {
	return formatBits(uint32(s), len(coreSubNames), func(i int) (uint32, string) {
		return uint32(coreSubNames[i].bit), coreSubNames[i].name
	})
}

// ApplyCoreSubState computes (cur &^ clear) | set, rejecting overlapping
// masks and unknown bits without changing cur.
func ApplyCoreSubState(cur, clear, set CoreSubState) (CoreSubState, error) {
	if clear == CoreSubNone && set == CoreSubNone {
		return cur, nil
	}
	if clear&set != 0 {
		return cur, fmt.Errorf("%w: clear %s set %s", ErrOverlappingMasks, clear, set)
	}
	if (clear|set)&^CoreSubAll != 0 {
		return cur, fmt.Errorf("%w: clear %#x set %#x", ErrInvalidSubState, uint16(clear), uint16(set))
	}
	return cur&^clear | set, nil
}

// AllowPMSuspend reports whether the core may power collapse.
func AllowPMSuspend(s CoreState, sub CoreSubState) bool {
	return s.Valid() && sub.Has(CorePowerEnable)
}
