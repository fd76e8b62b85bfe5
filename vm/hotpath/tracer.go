package hotpath

import (
	"fmt"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/trace"
	"github.com/tliron/commonlog"
)

// Compiler turns an observed iteration into a trace. Begin, Bytecode,
// Invoke and TraceCall return false to abort the recording.
type Compiler interface {
	Begin(at vm.Location, st *vm.State) bool
	Bytecode(at vm.Location, st *vm.State) bool
	Invoke(target *vm.Routine, st *vm.State) bool
	TraceCall(t *trace.Trace, exit *trace.Guard, st *vm.State) bool

	// Finish completes the recording. next is the root trace a side trace
	// continues into, nil for a root trace.
	Finish(next *trace.Trace) (*trace.Trace, error)
	Abort()
}

// Executor runs a trace against the live state and returns the guard it
// left through. The state has been restored to that guard's exit.
type Executor interface {
	Execute(t *trace.Trace, st *vm.State) (*trace.Guard, error)
}

// Mode is the tracer's state.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeRecording
	ModeRunning
)

var modeNames = [...]string{ModeIdle: "idle", ModeRecording: "recording", ModeRunning: "running"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

// Tracer implements Visitor. It is the explicit tracing context of one
// interpreter thread and is not safe for concurrent use.
type Tracer struct {
	Compiler    Compiler
	Executor    Executor
	Policy      Policy
	MaxFailures uint64 // aborted recordings before an anchor is blacklisted; 0 never blacklists

	mode    Mode
	anchor  *Anchor      // anchor of a root recording
	side    *trace.Guard // guard of a side recording
	closing vm.Location  // anchor that completes the recording
	depth   int          // frame depth of the recording
	traces  []*trace.Trace

	stats TracerStats
	log   commonlog.Logger
}

// TracerStats counts the tracer's activity.
type TracerStats struct {
	Recordings     uint64 // root recordings started
	SideRecordings uint64 // side recordings started
	Aborts         uint64
	Abandoned      uint64 // recordings cut short by the end of an execution
	Traces         uint64 // root traces installed
	SideTraces     uint64 // side traces linked to a guard
	Runs           uint64 // trace tree evaluations
	TraceCalls     uint64 // inner traces run while recording
}

// NewTracer creates an idle tracer.
func NewTracer(c Compiler, e Executor, p Policy) *Tracer {
	return &Tracer{
		Compiler:    c,
		Executor:    e,
		Policy:      p,
		MaxFailures: DefaultMaxFailures,
		log:         commonlog.GetLogger("metavm.hotpath"),
	}
}

// Mode returns the current state.
func (t *Tracer) Mode() Mode {
	return t.mode
}

// Stats returns the tracer's counters.
func (t *Tracer) Stats() TracerStats {
	return t.stats
}

// Traces returns every trace installed so far, in installation order.
func (t *Tracer) Traces() []*trace.Trace {
	return t.traces
}

// ---------------------------------------------------------------------------
// Visitor
// ---------------------------------------------------------------------------

// VisitAnchor handles a backward jump to a.
func (t *Tracer) VisitAnchor(a *Anchor, st *vm.State) bool {
	switch t.mode {
	case ModeRunning:
		return false
	case ModeRecording:
		d := st.Depth()
		if d > t.depth {
			return true
		}
		if d == t.depth && a.Location == t.closing {
			return t.close(a, st)
		}
		if d == t.depth && a.Trace != nil {
			g := t.evaluate(a.Trace, st)
			t.stats.TraceCalls++
			if t.Compiler.TraceCall(a.Trace, g, st) {
				return true
			}
			t.abort(fmt.Sprintf("trace %d cannot be called", a.Trace.ID))
			return false
		}
		t.abort(fmt.Sprintf("reached %s", a.Location))
	}
	return t.idle(a, st)
}

// VisitBytecode forwards an instruction to the compiler.
func (t *Tracer) VisitBytecode(at vm.Location, st *vm.State) bool {
	if t.mode != ModeRecording {
		return false
	}
	if !t.Compiler.Bytecode(at, st) {
		t.abort(fmt.Sprintf("%s rejected", at))
		return false
	}
	return true
}

// VisitInvoke forwards a call to the compiler.
func (t *Tracer) VisitInvoke(target *vm.Routine, st *vm.State) bool {
	if t.mode != ModeRecording {
		return false
	}
	if !t.Compiler.Invoke(target, st) {
		t.abort(fmt.Sprintf("call to %s rejected", target))
		return false
	}
	return true
}

// Abandon drops a recording whose execution ended before it reached its
// closing anchor. The anchor is not charged with a failure.
func (t *Tracer) Abandon() {
	if t.mode != ModeRecording {
		return
	}
	t.Compiler.Abort()
	t.stats.Abandoned++
	t.log.Debugf("recording at %s abandoned", t.closing)
	t.reset()
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func (t *Tracer) idle(a *Anchor, st *vm.State) bool {
	a.Visits++
	switch {
	case a.Blacklisted:
		return false
	case a.Trace != nil:
		return t.run(a.Trace, st)
	case !t.Policy.ShouldRecord(a):
		return false
	}
	return t.begin(a, st)
}

func (t *Tracer) begin(a *Anchor, st *vm.State) bool {
	a.Shape = shape(st.Top())
	a.Recordings++
	if !t.Compiler.Begin(a.Location, st) {
		t.failed(a)
		return false
	}
	t.mode, t.anchor, t.side = ModeRecording, a, nil
	t.closing, t.depth = a.Location, st.Depth()
	t.stats.Recordings++
	t.log.Debugf("recording at %s after %d visits", a.Location, a.Visits)
	return true
}

// beginSide starts recording from the exit of g, which the baseline is
// about to resume.
func (t *Tracer) beginSide(g *trace.Guard, st *vm.State) bool {
	at := st.Top().Location()
	if !t.Compiler.Begin(at, st) {
		g.Blacklisted = true
		return false
	}
	t.mode, t.anchor, t.side = ModeRecording, nil, g
	t.closing, t.depth = g.Trace.Root().Anchor, st.Depth()
	t.stats.SideRecordings++
	t.log.Debugf("side recording at %s from trace %d after %d exits", at, g.Trace.ID, g.Exits)
	return true
}

// close finishes the recording at its closing anchor, installs the trace
// and runs it at once.
func (t *Tracer) close(a *Anchor, st *vm.State) bool {
	var next *trace.Trace
	if t.side != nil {
		next = t.side.Trace.Root()
	}
	tr, err := t.Compiler.Finish(next)
	anchor, side := t.anchor, t.side
	t.reset()
	if err != nil {
		t.log.Debugf("finish at %s: %v", a.Location, err)
		t.stats.Aborts++
		if side != nil {
			side.Blacklisted = true
		} else {
			t.failed(anchor)
		}
		return false
	}

	t.traces = append(t.traces, tr)
	if side != nil {
		side.Target = tr
		t.stats.SideTraces++
		t.log.Infof("side trace %d linked to trace %d", tr.ID, side.Trace.ID)
	} else {
		anchor.Trace = tr
		t.stats.Traces++
		t.log.Infof("trace %d installed at %s", tr.ID, a.Location)
	}
	if a.Trace == nil {
		return false
	}
	return t.run(a.Trace, st)
}

// abort drops the current recording and charges it to its anchor or guard.
func (t *Tracer) abort(reason string) {
	t.Compiler.Abort()
	t.stats.Aborts++
	switch {
	case t.side != nil:
		t.side.Blacklisted = true
		t.log.Debugf("side recording from trace %d aborted: %s", t.side.Trace.ID, reason)
	case t.anchor != nil:
		t.log.Debugf("recording at %s aborted: %s", t.anchor.Location, reason)
		t.failed(t.anchor)
	}
	t.reset()
}

func (t *Tracer) failed(a *Anchor) {
	a.Failures++
	if t.MaxFailures > 0 && a.Failures >= t.MaxFailures && !a.Blacklisted {
		a.Blacklisted = true
		t.log.Infof("blacklisted %s after %d failed recordings", a.Location, a.Failures)
	}
}

func (t *Tracer) reset() {
	t.mode, t.anchor, t.side = ModeIdle, nil, nil
	t.closing, t.depth = vm.Location{}, 0
}

// ---------------------------------------------------------------------------
// Trace evaluation
// ---------------------------------------------------------------------------

// evaluate runs tr on the live state and returns its exit guard. Executor
// errors end the whole execution.
func (t *Tracer) evaluate(tr *trace.Trace, st *vm.State) *trace.Guard {
	prev := t.mode
	t.mode = ModeRunning
	defer func() { t.mode = prev }()

	t.stats.Runs++
	g, err := t.Executor.Execute(tr, st)
	if err != nil {
		vm.Abort(fmt.Errorf("trace %d at %s: %w", tr.ID, tr.Anchor, err))
	}
	return g
}

// run evaluates the trace tree rooted at tr and returns whether a side
// recording started from its exit.
func (t *Tracer) run(tr *trace.Trace, st *vm.State) bool {
	g := t.evaluate(tr, st)
	if g.Target != nil || g == g.Trace.Back || g.Blacklisted {
		return false
	}
	if len(g.Exit.Stack) != 0 || len(g.Exit.Frames) != 0 || st.Top().Height() != 0 {
		return false
	}
	if !t.Policy.ShouldRecordSide(g) {
		return false
	}
	return t.beginSide(g, st)
}
