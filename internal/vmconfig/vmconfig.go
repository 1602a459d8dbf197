// Package vmconfig holds the plain options struct the CLI and embedders
// fill in before constructing a VM — call depth, register/frame pool
// sizes, GC thresholds, and debug-build strictness, mirroring the
// teacher's flat `RegisterVM` tunables (maxCallDepth, jitThreshold) but
// trimmed to what the spec's core actually exposes (no JIT knobs).
package vmconfig

import "time"

// Options configures a freshly constructed VM. Zero value is valid;
// Options.WithDefaults fills in the production defaults.
type Options struct {
	// Verbose gates diag.Logger output (§6.2 execute(verbose)).
	Verbose bool

	// MaxCallDepth bounds the native call stack; exceeding it is a fatal
	// assertion (the compiler is expected to have proven recursion is
	// bounded or tail-called, per §4.F/§7).
	MaxCallDepth int

	// InitialRegisters is the per-frame register vector's starting size
	// before any zero-filled growth (§4.F).
	InitialRegisters int

	// FramePoolSize is how many CallFrame objects are pre-allocated,
	// matching the teacher's `frames []*CallFrame` pre-allocation idiom.
	FramePoolSize int

	// DebugBuild is not read by the VM; heap invariant violations are
	// handled the same way whether it is set or not.
	DebugBuild bool

	// GCFrameBudget is not read by the VM; setting it does not change how
	// cycle collection runs. Time-sliced collection is driven only through
	// VM.BeginFrame and VM.StepGC.
	GCFrameBudget time.Duration

	// OutputFlushThreshold is the shared print buffer's byte threshold
	// (§4.G "Output buffering").
	OutputFlushThreshold int

	// HostLibraryPaths is not read by the VM; CFFI symbol resolution does
	// not consult it.
	HostLibraryPaths []string
}

// WithDefaults returns a copy of o with zero fields replaced by the
// production defaults.
func (o Options) WithDefaults() Options {
	if o.MaxCallDepth == 0 {
		o.MaxCallDepth = 2000
	}
	if o.InitialRegisters == 0 {
		o.InitialRegisters = 256
	}
	if o.FramePoolSize == 0 {
		o.FramePoolSize = 256
	}
	if o.OutputFlushThreshold == 0 {
		o.OutputFlushThreshold = 4096
	}
	return o
}
