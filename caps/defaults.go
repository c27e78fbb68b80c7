package caps

import "github.com/opd-ai/vidcore/interfaces"

// Platform carries the per-SoC ceilings the default table is built from.
type Platform struct {
	MaxFrameRate int32
	BatchFPS     int32
	BatchMBPF    int32
}

// Defaults returns the capability definitions of a new session in domain.
func Defaults(domain interfaces.Domain, p Platform) []Entry {
	maxFPS := max(p.MaxFrameRate, 1)
	defs := []Entry{
		{ID: FrameRate, Min: 1, Max: maxFPS, Step: 1, Value: 30, Flags: FlagDynamic},
		{ID: OperatingRate, Min: 0, Max: maxFPS, Step: 1, Value: 0, Flags: FlagDynamic},
		{ID: Priority, Min: 0, Max: 1, Step: 1, Value: 0, Flags: FlagDynamic},
		{ID: CriticalPriority, Min: 0, Max: 1, Step: 1},
		{
			ID: Realtime, Min: 0, Max: 1,
			Parents: []ID{Priority, CriticalPriority},
			Adjust: func(t *Table) int32 {
				if t.Bool(CriticalPriority) || t.Value(Priority) == 0 {
					return 1
				}
				return 0
			},
		},
		{ID: LowLatency, Min: 0, Max: 1, Step: 1, Flags: FlagDynamic},
		{ID: Image, Min: 0, Max: 1, Step: 1},
		{ID: Secure, Min: 0, Max: 1, Step: 1},
		{ID: MetaInput, Min: 0, Max: 1, Step: 1},
		{ID: MetaOutput, Min: 0, Max: 1, Step: 1},
		{ID: InputRate, Min: 0, Max: 1 << 15, Flags: FlagInternal},
		{ID: TimestampRate, Min: 0, Max: 1 << 15, Flags: FlagInternal},
	}
	if domain != interfaces.DomainDecoder {
		return defs
	}
	return append(defs,
		Entry{ID: Thumbnail, Min: 0, Max: 1, Step: 1},
		Entry{ID: CodecConfig, Min: 0, Max: 1, Step: 1, Flags: FlagDynamic},
		Entry{ID: BatchFPS, Min: 0, Max: 1 << 15, Value: p.BatchFPS, Flags: FlagInternal},
		Entry{ID: BatchMBPF, Min: 0, Max: 1 << 30, Value: p.BatchMBPF, Flags: FlagInternal},
		Entry{
			ID: DecodeBatch, Min: 0, Max: 1,
			Parents: []ID{LowLatency, Thumbnail, Realtime, Image},
			Adjust: func(t *Table) int32 {
				if t.Bool(LowLatency) || t.Bool(Thumbnail) || t.Bool(Image) || !t.Bool(Realtime) {
					return 0
				}
				return 1
			},
		},
	)
}

// New builds the default table for domain.
func New(domain interfaces.Domain, p Platform) (*Table, error) {
	return NewTable(Defaults(domain, p))
}
