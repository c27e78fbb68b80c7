package admission

import (
	"fmt"

	"github.com/opd-ai/vidcore/interfaces"
)

// Load is the admission-relevant view of one session.
type Load struct {
	ID            uint32
	Domain        interfaces.Domain
	Width         uint32
	Height        uint32
	FrameRate     uint32
	OperatingRate uint32
	Critical      bool
	Realtime      bool
	Thumbnail     bool
	Image         bool
	LowLatency    bool
	Secure        bool
	Error         bool
}

// MacroblocksPerFrame returns the number of 16x16 macroblocks covering a
// width x height frame.
func MacroblocksPerFrame(width, height uint32) uint32 {
	return ((width + 15) >> 4) * ((height + 15) >> 4)
}

// ResolutionAbove reports whether width x height exceeds the reference
// either in macroblock count or along any side.
func ResolutionAbove(width, height, refWidth, refHeight uint32) bool {
	maxSide := max(refWidth, refHeight)
	return MacroblocksPerFrame(width, height) > MacroblocksPerFrame(refWidth, refHeight) ||
		width > maxSide || height > maxSide
}

// MBPF returns the session's macroblocks per frame.
func (l Load) MBPF() uint32 { return MacroblocksPerFrame(l.Width, l.Height) }

// FPS returns the larger of the frame rate and the operating rate.
func (l Load) FPS() uint32 { return max(l.FrameRate, l.OperatingRate) }

// MBPS returns the session's macroblocks per second.
func (l Load) MBPS() uint32 { return l.MBPF() * l.FPS() }

// Ignored reports whether the session is left out of load totals:
// non-realtime, thumbnail and image sessions.
func (l Load) Ignored() bool { return !l.Realtime || l.Thumbnail || l.Image }

// String formats the load for logs.
func (l Load) String() string {
	return fmt.Sprintf("%s %d %dx%d@%d mbps %d", l.Domain, l.ID, l.Width, l.Height, l.FPS(), l.MBPS())
}
