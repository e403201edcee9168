package turn

// BargeIn watches caller speech while the agent is talking. It keeps its own
// hysteresis counter so it can be more sensitive than the main gate. It is
// owned by the machine's event loop.
type BargeIn struct {
	startFrames int

	armed    bool
	run      int
	runStart uint64
}

func NewBargeIn(startFrames int) *BargeIn {
	if startFrames < 1 {
		startFrames = 1
	}
	return &BargeIn{startFrames: startFrames}
}

// Arm starts watching. Any partial run from before is forgotten.
func (b *BargeIn) Arm() {
	b.armed = true
	b.run = 0
}

func (b *BargeIn) Disarm() {
	b.armed = false
	b.run = 0
}

func (b *BargeIn) Armed() bool { return b.armed }

// Observe feeds one classified frame. It fires at most once per Arm and
// returns the sequence number of the first frame of the speech run.
func (b *BargeIn) Observe(seq uint64, speech bool) (uint64, bool) {
	if !b.armed {
		return 0, false
	}
	if !speech {
		b.run = 0
		return 0, false
	}
	if b.run == 0 {
		b.runStart = seq
	}
	b.run++
	if b.run < b.startFrames {
		return 0, false
	}
	b.armed = false
	b.run = 0
	return b.runStart, true
}
