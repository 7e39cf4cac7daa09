package mode

// DefaultLLCSize is the parameter value meaning "no explicit LLC request".
const DefaultLLCSize = 0xFFFFFFFF

// llcWayShift positions the way count in the firmware's second parameter.
const llcWayShift = 19

// LLCPolicy converts LLC size requests into cache ways.
type LLCPolicy struct {
	ChunkSize uint32 // bytes per way
	MaxWays   uint32
	Budgets   map[Mode]uint32 // KiB per mode
}

// Ways converts a KiB request into ways. Requests are capped at 512 KiB per
// available way; the default sentinel means no ways.
func (p LLCPolicy) Ways(sizeKB uint32) uint32 {
	if sizeKB == DefaultLLCSize || p.ChunkSize == 0 {
		return 0
	}

	limit := uint64(512) * uint64(p.MaxWays)
	size := uint64(sizeKB)
	if size > limit {
		size = limit
	}

	return uint32(size * 1024 / uint64(p.ChunkSize))
}

// BudgetFor returns the configured size for mode, or DefaultLLCSize.
func (p LLCPolicy) BudgetFor(m Mode) uint32 {
	if kb, ok := p.Budgets[m]; ok {
		return kb
	}

	return DefaultLLCSize
}

// Params builds the two-word firmware payload for a mode change.
func (LLCPolicy) Params(m Mode, ways uint32) (uint32, uint32) {
	return uint32(m), (ways & 0xFF) << llcWayShift
}
