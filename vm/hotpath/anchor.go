// Package hotpath finds hot loops in the baseline interpreter and drives
// their recording into traces and the execution of those traces.
//
// The Profiler sits behind vm.Profiler and watches backward jumps. Each
// jump target becomes an Anchor. The Tracer decides per anchor visit
// whether to count, record or run, and owns the recording state machine.
package hotpath

import (
	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/profile"
	"github.com/chazu/metavm/vm/trace"
)

// Anchor is a candidate loop header: the target of a backward jump.
type Anchor struct {
	Location    vm.Location
	Visits      uint64 // backward jumps that reached it while idle
	Recordings  uint64 // recordings started here
	Failures    uint64 // recordings aborted here
	Blacklisted bool   // no further recording attempts
	Shape       []vm.Kind
	Trace       *trace.Trace
}

// record converts the anchor's counters to a persistable record.
func (a *Anchor) record() *profile.Record {
	rec := &profile.Record{
		Routine:     a.Location.Routine.Signature(),
		PC:          a.Location.PC,
		Visits:      a.Visits,
		Recordings:  a.Recordings,
		Failures:    a.Failures,
		Blacklisted: a.Blacklisted,
	}
	for _, k := range a.Shape {
		rec.Shape = append(rec.Shape, k.String())
	}
	if a.Trace != nil {
		rec.TraceLength = a.Trace.Len()
		rec.Guards = len(a.Trace.Guards())
	}
	return rec
}

// restore seeds the counters from a persisted record. The trace itself is
// not persisted; a restored anchor records again once the policy agrees.
func (a *Anchor) restore(rec *profile.Record) {
	a.Visits = rec.Visits
	a.Recordings = rec.Recordings
	a.Failures = rec.Failures
	a.Blacklisted = rec.Blacklisted
}

// shape captures the kinds of the frame's local slots. Undefined slots are
// recorded as KindVoid; filler slots are skipped.
func shape(f *vm.Frame) []vm.Kind {
	var kinds []vm.Kind
	for i := 0; i < f.Routine.MaxLocals; i++ {
		v := f.Slot(i)
		switch {
		case v.IsFiller():
		case v.IsUndefined():
			kinds = append(kinds, vm.KindVoid)
		default:
			kinds = append(kinds, v.Kind())
		}
	}
	return kinds
}
