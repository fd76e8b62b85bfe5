package hotpath

import "github.com/chazu/metavm/vm/trace"

// Policy decides when the tracer starts a recording.
type Policy interface {
	// ShouldRecord is asked on every idle visit of an anchor without a
	// trace. Visits has already been incremented.
	ShouldRecord(a *Anchor) bool

	// ShouldRecordSide is asked when a trace exits through g. Exits has
	// already been incremented.
	ShouldRecordSide(g *trace.Guard) bool
}

const (
	DefaultHotThreshold      = 2
	DefaultSideExitThreshold = 8
	DefaultMaxFailures       = 3
)

// ThresholdPolicy records an anchor once it has been visited Hot times and
// a side trace once its guard failed SideExits times. A zero SideExits
// disables side traces.
type ThresholdPolicy struct {
	Hot       uint64
	SideExits uint64
}

// DefaultPolicy returns the thresholds used when nothing is configured.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{Hot: DefaultHotThreshold, SideExits: DefaultSideExitThreshold}
}

func (p ThresholdPolicy) ShouldRecord(a *Anchor) bool {
	return a.Visits >= p.Hot
}

func (p ThresholdPolicy) ShouldRecordSide(g *trace.Guard) bool {
	return p.SideExits > 0 && g.Exits >= p.SideExits
}

// ForcePolicy records at the first opportunity, side traces included.
type ForcePolicy struct{}

func (ForcePolicy) ShouldRecord(*Anchor) bool          { return true }
func (ForcePolicy) ShouldRecordSide(*trace.Guard) bool { return true }

// NeverPolicy disables recording; existing traces still run.
type NeverPolicy struct{}

func (NeverPolicy) ShouldRecord(*Anchor) bool          { return false }
func (NeverPolicy) ShouldRecordSide(*trace.Guard) bool { return false }
