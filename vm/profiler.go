package vm

// Profiler observes the baseline interpreter's instruction stream. The
// hotpath package provides the tracing implementation.
//
// Jump is called for every taken control transfer after the frame's PC has
// been set to the target. It may run a trace that rewrites the state, so the
// interpreter re-reads the top frame after every Jump.
type Profiler interface {
	// Trace is called before every instruction.
	Trace(at Location, st *State)

	// Jump is called after a taken branch, goto or switch.
	Jump(from, to Location, st *State)

	// Invoke is called before a call pushes the callee frame, and before
	// a native routine runs.
	Invoke(target *Routine, st *State)
}

// Abandoner is implemented by profilers that keep state across the
// instructions of one execution. Abandon is called when an execution
// driven by the profiler ends, normally or through an uncaught exception or
// fatal error, so nothing carries over into the next one.
type Abandoner interface {
	Abandon()
}

// NopProfiler ignores every event.
type NopProfiler struct{}

func (NopProfiler) Trace(Location, *State)         {}
func (NopProfiler) Jump(Location, Location, *State) {}
func (NopProfiler) Invoke(*Routine, *State)         {}

// Invoker calls a resolved routine and returns its result. depth is the
// number of frames the caller already holds; they count against the
// callee's frame limit. An uncaught exception comes back as an *Exception
// error.
type Invoker interface {
	Invoke(target *Routine, args []Value, depth int) (Value, error)
}
