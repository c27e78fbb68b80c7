package admission

import "github.com/opd-ai/vidcore/interfaces"

// PolicyInput is everything the DCVS and decode-batch policies look at.
type PolicyInput struct {
	Load
	// FixedClock is set when clock voting is overridden for debugging.
	FixedClock      bool
	CoreDCVS        bool
	CoreDecodeBatch bool
	BatchEnabled    bool
	SuperBuffer     bool
	SingleSession   bool
	// MaxFrameRate is the session's frame-rate capability maximum.
	MaxFrameRate uint32
	BatchFPS     uint32
	BatchMBPF    uint32
}

// Verdict is a policy outcome. Reason names the first rule that refused.
type Verdict struct {
	Allowed bool
	Reason  string
}

type rule struct {
	reason string
	ok     func(in PolicyInput) bool
}

func evaluate(rules []rule, in PolicyInput) Verdict {
	for _, r := range rules {
		if !r.ok(in) {
			return Verdict{Reason: r.reason}
		}
	}
	return Verdict{Allowed: true}
}

var dcvsRules = []rule{
	{"fixed clock voting", func(in PolicyInput) bool { return !in.FixedClock }},
	{"core does not support dcvs", func(in PolicyInput) bool { return in.CoreDCVS }},
	{"decode batching enabled", func(in PolicyInput) bool { return !in.BatchEnabled }},
	{"encode super buffer enabled", func(in PolicyInput) bool { return !in.SuperBuffer }},
	{"thumbnail session", func(in PolicyInput) bool { return !in.Thumbnail }},
	{"non-realtime session", func(in PolicyInput) bool { return in.Realtime }},
	{"critical priority session", func(in PolicyInput) bool { return !in.Critical }},
	{"image session", func(in PolicyInput) bool { return !in.Image }},
	{"low latency session", func(in PolicyInput) bool { return !in.LowLatency }},
	{"unsupported fps", func(in PolicyInput) bool {
		return in.Domain != interfaces.DomainDecoder || in.FPS() < in.MaxFrameRate
	}},
}

var batchRules = []rule{
	{"batching disabled", func(in PolicyInput) bool { return in.BatchEnabled }},
	{"core does not support batching", func(in PolicyInput) bool { return in.CoreDecodeBatch }},
	{"multiple sessions running", func(in PolicyInput) bool { return in.SingleSession }},
	{"not a decoder session", func(in PolicyInput) bool { return in.Domain == interfaces.DomainDecoder }},
	{"thumbnail session", func(in PolicyInput) bool { return !in.Thumbnail }},
	{"image session", func(in PolicyInput) bool { return !in.Image }},
	{"non-realtime session", func(in PolicyInput) bool { return in.Realtime }},
	{"low latency session", func(in PolicyInput) bool { return !in.LowLatency }},
	{"unsupported fps", func(in PolicyInput) bool { return in.FPS() < in.BatchFPS }},
	{"unsupported mbpf", func(in PolicyInput) bool { return in.MBPF() < in.BatchMBPF }},
}

// AllowDCVS decides whether dynamic clock and voltage scaling may run for
// a session.
func AllowDCVS(in PolicyInput) Verdict { return evaluate(dcvsRules, in) }

// AllowDecodeBatch decides whether decoder output may be batched.
func AllowDecodeBatch(in PolicyInput) Verdict { return evaluate(batchRules, in) }
