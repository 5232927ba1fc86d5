package api

// VerbosityLevel selects how much of a process descriptor is shown.
type VerbosityLevel int

const (
	// VerbosityBrief shows pid, livello, corpo, rip and the extra fields,
	// as in process lists.
	VerbosityBrief VerbosityLevel = 0
	// VerbosityFull adds the priority, the interrupt frame, the saved
	// registers, cr3 and the next instruction.
	VerbosityFull VerbosityLevel = 3
)

func (v VerbosityLevel) full() bool {
	return v > 2
}
