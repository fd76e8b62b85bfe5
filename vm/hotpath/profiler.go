package hotpath

import (
	"sort"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/profile"
	"github.com/tliron/commonlog"
)

// Visitor receives the profiler's events. The Tracer is the production
// implementation. Each method returns whether tracing continues.
type Visitor interface {
	VisitAnchor(a *Anchor, st *vm.State) bool
	VisitBytecode(at vm.Location, st *vm.State) bool
	VisitInvoke(target *vm.Routine, st *vm.State) bool

	// Abandon is called when the execution ends. Any recording in
	// progress is dropped.
	Abandon()
}

// Profiler implements vm.Profiler. It turns backward jumps into anchor
// visits and, while the visitor is tracing, forwards every instruction and
// call to it.
type Profiler struct {
	visitor   Visitor
	anchors   map[vm.Location]*Anchor
	isTracing bool
	store     profile.Store // optional, seeds new anchors

	// Statistics
	jumps    uint64
	backward uint64
	skipped  uint64 // backward jumps with operands on the stack

	log commonlog.Logger
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Jumps       uint64 // all reported jumps
	Backward    uint64 // backward jumps within one routine
	Skipped     uint64 // backward jumps ignored for a non-empty stack
	Anchors     int
	Traced      int // anchors owning a trace
	Blacklisted int
}

// NewProfiler creates a profiler reporting to v. store may be nil.
func NewProfiler(v Visitor, store profile.Store) *Profiler {
	return &Profiler{
		visitor: v,
		anchors: make(map[vm.Location]*Anchor),
		store:   store,
		log:     commonlog.GetLogger("metavm.hotpath"),
	}
}

// Trace forwards the instruction about to execute while tracing.
func (p *Profiler) Trace(at vm.Location, st *vm.State) {
	if p.isTracing {
		p.setTracing(p.visitor.VisitBytecode(at, st), at)
	}
}

// Invoke forwards a call about to happen while tracing.
func (p *Profiler) Invoke(target *vm.Routine, st *vm.State) {
	if p.isTracing {
		p.setTracing(p.visitor.VisitInvoke(target, st), st.Top().Location())
	}
}

// Jump reports a control transfer. Only backward jumps within a routine
// reach the visitor, and only when the jumping frame's operand stack is
// empty: traces enter with a bare frame.
func (p *Profiler) Jump(from, to vm.Location, st *vm.State) {
	p.jumps++
	if to.Routine != from.Routine || to.PC >= from.PC {
		return
	}
	p.backward++
	if st.Top().Height() > 0 {
		p.skipped++
		return
	}
	a := p.anchor(to)
	p.setTracing(p.visitor.VisitAnchor(a, st), to)
}

func (p *Profiler) setTracing(on bool, at vm.Location) {
	if on != p.isTracing {
		if on {
			p.log.Debugf("tracing on at %s", at)
		} else {
			p.log.Debugf("tracing off at %s", at)
		}
	}
	p.isTracing = on
}

// Abandon implements vm.Abandoner.
func (p *Profiler) Abandon() {
	p.visitor.Abandon()
	if p.isTracing {
		p.log.Debugf("tracing off: execution ended")
	}
	p.isTracing = false
}

// IsTracing reports whether events are being forwarded.
func (p *Profiler) IsTracing() bool {
	return p.isTracing
}

// anchor fetches or creates the anchor at loc. New anchors are seeded from
// the store.
func (p *Profiler) anchor(loc vm.Location) *Anchor {
	if a, ok := p.anchors[loc]; ok {
		return a
	}
	a := &Anchor{Location: loc}
	p.anchors[loc] = a
	if p.store != nil {
		rec, ok, err := p.store.Load(profile.KeyFor(loc))
		switch {
		case err != nil:
			p.log.Warningf("load profile of %s: %v", loc, err)
		case ok:
			a.restore(rec)
			p.log.Debugf("restored %s: %d visits, %d failures", loc, a.Visits, a.Failures)
		}
	}
	return a
}

// Anchor returns the anchor at loc, or nil.
func (p *Profiler) Anchor(loc vm.Location) *Anchor {
	return p.anchors[loc]
}

// Anchors returns every anchor seen so far.
func (p *Profiler) Anchors() []*Anchor {
	out := make([]*Anchor, 0, len(p.anchors))
	for _, a := range p.anchors {
		out = append(out, a)
	}
	return out
}

// TopAnchors returns the n most visited anchors. Ties are ordered by
// location.
func (p *Profiler) TopAnchors(n int) []*Anchor {
	all := p.Anchors()
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Visits != b.Visits {
			return a.Visits > b.Visits
		}
		if a.Location.Routine != b.Location.Routine {
			return a.Location.Routine.Signature() < b.Location.Routine.Signature()
		}
		return a.Location.PC < b.Location.PC
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	stats := ProfilerStats{
		Jumps:    p.jumps,
		Backward: p.backward,
		Skipped:  p.skipped,
		Anchors:  len(p.anchors),
	}
	for _, a := range p.anchors {
		if a.Trace != nil {
			stats.Traced++
		}
		if a.Blacklisted {
			stats.Blacklisted++
		}
	}
	return stats
}

// Persist saves every anchor's counters to store.
func (p *Profiler) Persist(store profile.Store) error {
	for loc, a := range p.anchors {
		if err := store.Save(profile.KeyFor(loc), a.record()); err != nil {
			return err
		}
	}
	p.log.Infof("persisted %d anchors", len(p.anchors))
	return nil
}
