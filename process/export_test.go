package process

// Cleanups reports how many times p was finalized.
func (p *Process) Cleanups() int { return p.cleanups }

// ChannelState exposes the read state of a stream.
func (p *Process) ChannelState(s Stream) string { return p.channel(s).state.String() }

// Cleanup runs the finalization path directly.
func (p *Process) Cleanup(raw int) { p.cleanup(raw) }
