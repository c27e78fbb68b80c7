package admission

import (
	"fmt"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/sirupsen/logrus"
)

// Limits are the core-wide admission limits. A zero limit is unlimited.
type Limits struct {
	MaxMBPS        uint32 `yaml:"max_mbps"`
	MaxMBPF        uint32 `yaml:"max_mbpf"`
	MaxImageMBPF   uint32 `yaml:"max_image_mbpf"`
	MaxRTMBPF      uint32 `yaml:"max_rt_mbpf"`
	MaxSessionMBPF uint32 `yaml:"max_session_mbpf"`
	MaxSessions    uint32 `yaml:"max_sessions"`
	Max8K          uint32 `yaml:"max_8k_sessions"`
	Max4K          uint32 `yaml:"max_4k_sessions"`
	Max1080p       uint32 `yaml:"max_1080p_sessions"`
}

// Decision is the outcome of an admitted check.
type Decision struct {
	// Demote lists realtime decode sessions whose priority must drop so
	// the candidate fits.
	Demote []uint32
	// TotalMBPS is the counted load including the candidate.
	TotalMBPS uint32
}

func exceeds(v, limit uint32) bool { return limit != 0 && v > limit }

// CheckMBPS evaluates the macroblock-per-second load of candidate against
// the active sessions, which must not include it.
func CheckMBPS(candidate Load, active []Load, lim Limits) (Decision, error) {
	var d Decision
	if candidate.Ignored() {
		return d, nil
	}
	all := append(append(make([]Load, 0, len(active)+1), active...), candidate)

	var critical uint32
	for _, l := range all {
		if l.Critical {
			critical += l.MBPS()
		}
	}
	if exceeds(critical, lim.MaxMBPS) {
		logrus.WithFields(logrus.Fields{
			"function": "CheckMBPS",
			"needed":   critical,
			"max":      lim.MaxMBPS,
		}).Error("Hardware overloaded with critical sessions")
		return d, fmt.Errorf("%w: critical mbps %d exceeds %d", ErrOverloaded, critical, lim.MaxMBPS)
	}

	var total, enc uint32
	for _, l := range all {
		if l.Error || l.Ignored() {
			continue
		}
		total += l.MBPS()
		if l.Domain == interfaces.DomainEncoder {
			enc += l.MBPS()
		}
	}
	d.TotalMBPS = total

	switch candidate.Domain {
	case interfaces.DomainEncoder:
		if exceeds(enc, lim.MaxMBPS) {
			return d, fmt.Errorf("%w: encoder mbps %d exceeds %d", ErrOverloaded, enc, lim.MaxMBPS)
		}
		if exceeds(total, lim.MaxMBPS) {
			for _, l := range active {
				if l.Domain == interfaces.DomainDecoder && l.Realtime {
					d.Demote = append(d.Demote, l.ID)
				}
			}
		}
	case interfaces.DomainDecoder:
		if exceeds(total, lim.MaxMBPS) {
			d.Demote = append(d.Demote, candidate.ID)
		}
	}
	if len(d.Demote) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CheckMBPS",
			"needed":   total,
			"max":      lim.MaxMBPS,
			"demote":   d.Demote,
		}).Info("Lowering realtime decoder priority to admit session")
	}
	return d, nil
}

// CheckMBPF evaluates the macroblock-per-frame totals.
func CheckMBPF(candidate Load, active []Load, lim Limits) error {
	all := append(append(make([]Load, 0, len(active)+1), active...), candidate)

	var critical, video, image, realtime uint32
	for _, l := range all {
		mbpf := l.MBPF()
		if l.Critical {
			critical += mbpf
		}
		if !l.Thumbnail {
			if l.Image {
				image += mbpf
			} else {
				video += mbpf
			}
		}
		if !l.Ignored() {
			realtime += mbpf
		}
	}

	switch {
	case exceeds(critical, lim.MaxMBPF):
		return fmt.Errorf("%w: critical mbpf %d exceeds %d", ErrOverloaded, critical, lim.MaxMBPF)
	case exceeds(video, lim.MaxMBPF):
		return fmt.Errorf("%w: video mbpf %d exceeds %d", ErrOverloaded, video, lim.MaxMBPF)
	case exceeds(image, lim.MaxImageMBPF):
		return fmt.Errorf("%w: image mbpf %d exceeds %d", ErrOverloaded, image, lim.MaxImageMBPF)
	case exceeds(realtime, lim.MaxRTMBPF):
		return fmt.Errorf("%w: realtime mbpf %d exceeds %d", ErrOverloaded, realtime, lim.MaxRTMBPF)
	}
	return nil
}

// CheckSessionMBPF rejects a single session larger than the per-session limit.
func CheckSessionMBPF(candidate Load, lim Limits) error {
	if exceeds(candidate.MBPF(), lim.MaxSessionMBPF) {
		return fmt.Errorf("%w: session mbpf %d exceeds %d", ErrOverloaded, candidate.MBPF(), lim.MaxSessionMBPF)
	}
	return nil
}

// Tiers is the weighted session count per resolution class.
type Tiers struct {
	Sessions uint32
	N8K      uint32
	N4K      uint32
	N1080p   uint32
}

// CountTiers weights each non-image session by resolution: an 8K session
// counts as one 8K, two 4K and four 1080p; a 4K session as one 4K and two
// 1080p; a 1080p session as one 1080p. Classes start at one and a half
// times the next lower class.
func CountTiers(loads []Load) Tiers {
	var t Tiers
	for _, l := range loads {
		t.Sessions++
		if l.Image {
			continue
		}
		switch {
		case ResolutionAbove(l.Width, l.Height, 4096+4096>>1, 2176+2176>>1):
			t.N8K++
			t.N4K += 2
			t.N1080p += 4
		case ResolutionAbove(l.Width, l.Height, 1920+1920>>1, 1088+1088>>1):
			t.N4K++
			t.N1080p += 2
		case ResolutionAbove(l.Width, l.Height, 1280+1280>>1, 736+736>>1):
			t.N1080p++
		}
	}
	return t
}

// CheckMaxSessions evaluates the session count and resolution tiers with the
// candidate included.
func CheckMaxSessions(candidate Load, active []Load, lim Limits) error {
	all := append(append(make([]Load, 0, len(active)+1), active...), candidate)
	t := CountTiers(all)

	switch {
	case exceeds(t.Sessions, lim.MaxSessions):
		return fmt.Errorf("%w: %d sessions, max %d", ErrTooManySessions, t.Sessions, lim.MaxSessions)
	case exceeds(t.N8K, lim.Max8K):
		return fmt.Errorf("%w: 8K weight %d, max %d", ErrTooManySessions, t.N8K, lim.Max8K)
	case exceeds(t.N4K, lim.Max4K):
		return fmt.Errorf("%w: 4K weight %d, max %d", ErrTooManySessions, t.N4K, lim.Max4K)
	case exceeds(t.N1080p, lim.Max1080p):
		return fmt.Errorf("%w: 1080p weight %d, max %d", ErrTooManySessions, t.N1080p, lim.Max1080p)
	}
	return nil
}

// Check runs every admission check in order and returns the first failure.
func Check(candidate Load, active []Load, lim Limits) (Decision, error) {
	if candidate.Image && candidate.Secure {
		return Decision{}, fmt.Errorf("%w: secure image session", ErrUnsupported)
	}
	d, err := CheckMBPS(candidate, active, lim)
	if err == nil {
		err = CheckMBPF(candidate, active, lim)
	}
	if err == nil {
		err = CheckSessionMBPF(candidate, lim)
	}
	if err == nil {
		err = CheckMaxSessions(candidate, active, lim)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Check",
			"candidate": candidate.String(),
			"active":    len(active),
			"error":     err.Error(),
		}).Warn("Session not admitted")
		return Decision{}, err
	}
	return d, nil
}
