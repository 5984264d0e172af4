package reactor

import "sync"

// DebugProbes is a named registry of read-only diagnostic functions, not
// part of the core event-handling contract. Adapted from
// momentics-hioload-ws/control/debug.go's DebugProbes{mu, probes}.
type DebugProbes struct {
	mu     sync.Mutex
	probes map[string]func() any
}

// NewDebugProbes returns an empty probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{probes: make(map[string]func() any)}
}

// RegisterProbe adds or replaces a named probe.
func (d *DebugProbes) RegisterProbe(name string, probe func() any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes[name] = probe
}

// DumpState runs every registered probe and returns its results by name.
func (d *DebugProbes) DumpState() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.probes))
	for name, probe := range d.probes {
		out[name] = probe()
	}
	return out
}
