package trace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/metavm/vm"
)

var (
	// ErrTraceSoundness reports a fault while executing a trace: an
	// exception from an invoked routine, a faulting builtin or a value the
	// trace needs but never computed. The trace was mis-recorded.
	ErrTraceSoundness = errors.New("trace: soundness fault")

	// ErrStateShape reports an exit or tail that does not match the
	// trace's entry shape.
	ErrStateShape = errors.New("trace: state shape mismatch")
)

// ---------------------------------------------------------------------------
// Trace
// ---------------------------------------------------------------------------

// Trace is one recorded path through a loop, anchored at a loop header (or,
// for a side trace, at a guard's resume position).
type Trace struct {
	ID       int
	Anchor   vm.Location
	Entry    []*Local // one per defined or undefined local slot, fillers excluded
	Prologue []Instr  // loop-invariant instructions, run once per execution
	Body     []Instr
	Tail     []Instr // next-iteration value of each entry local
	Next     *Trace  // root trace a side trace continues into
	Back     *Guard  // synthetic exit at the loop edge
}

// Recording is the raw material a compiler hands to New.
type Recording struct {
	Anchor   vm.Location
	Entry    []*Local
	Prologue []Instr
	Body     []Instr
	Tail     []Instr
	Next     *Trace
}

// New validates a recording and derives the Read and Written flags of its
// entry locals.
func New(id int, rec Recording) (*Trace, error) {
	t := &Trace{
		ID:       id,
		Anchor:   rec.Anchor,
		Entry:    rec.Entry,
		Prologue: rec.Prologue,
		Body:     rec.Body,
		Tail:     rec.Tail,
		Next:     rec.Next,
	}
	if len(t.Tail) != len(t.Entry) {
		return nil, fmt.Errorf("%w: %d tail values for %d entry locals", ErrStateShape, len(t.Tail), len(t.Entry))
	}
	for i, l := range t.Entry {
		if l.Live && t.Tail[i].ResultKind() != l.Kind {
			return nil, fmt.Errorf("%w: local %d enters as %s and loops as %s", ErrStateShape, l.Index, l.Kind, t.Tail[i].ResultKind())
		}
	}

	resume := t.Anchor.PC
	if t.Next != nil {
		resume = t.Next.Anchor.PC
	}
	t.Back = &Guard{
		Op:    vm.CmpEq,
		Left:  &Constant{Value: vm.Int(0)},
		Right: &Constant{Value: vm.Int(0)},
		Exit:  &Snapshot{Locals: t.Tail, PC: resume},
		Trace: t,
	}

	for _, list := range [][]Instr{t.Prologue, t.Body} {
		for _, ins := range list {
			var s *Snapshot
			switch i := ins.(type) {
			case *Guard:
				i.Trace = t
				s = i.Exit
			case *TraceCall:
				s = i.Args
			}
			if s != nil {
				if err := t.checkSnapshot(s); err != nil {
					return nil, err
				}
			}
		}
	}

	t.derive()
	for _, l := range t.Entry {
		if !l.Live && l.Written {
			return nil, fmt.Errorf("%w: local %d is written but undefined at entry", ErrStateShape, l.Index)
		}
	}
	return t, nil
}

// checkSnapshot matches an exit's locals against the entry shape: one value
// per entry local, each of the local's entry kind.
func (t *Trace) checkSnapshot(s *Snapshot) error {
	if len(s.Locals) != len(t.Entry) {
		return fmt.Errorf("%w: snapshot at %d has %d locals for %d entry locals", ErrStateShape, s.PC, len(s.Locals), len(t.Entry))
	}
	for i, v := range s.Locals {
		l := t.Entry[i]
		if v == Instr(l) || !l.Live {
			continue
		}
		if k := v.ResultKind(); k != l.Kind {
			return fmt.Errorf("%w: snapshot at %d gives local %d a %s, it enters as %s", ErrStateShape, s.PC, l.Index, k, l.Kind)
		}
	}
	return nil
}

// derive computes Read and Written. A local is written when the tail or any
// exit gives it a value other than itself. A local is read when any
// instruction uses it, or when it is written and some exit keeps its entry
// value, which then has to be available at commit.
func (t *Trace) derive() {
	for _, l := range t.Entry {
		l.Read, l.Written = false, false
	}
	unchanged := make(map[*Local]bool)
	read := func(v Instr) {
		if l, ok := v.(*Local); ok {
			l.Read = true
		}
	}
	snapshot := func(s *Snapshot) {
		for i, v := range s.Locals {
			l := t.Entry[i]
			if v == Instr(l) {
				unchanged[l] = true
				continue
			}
			l.Written = true
			read(v)
		}
		s.frameOperands(read)
	}
	walk := func(list []Instr) {
		for _, ins := range list {
			operands(ins, read)
			switch i := ins.(type) {
			case *Guard:
				snapshot(i.Exit)
			case *TraceCall:
				snapshot(i.Args)
			}
		}
	}
	walk(t.Prologue)
	walk(t.Body)
	snapshot(t.Back.Exit)
	for l := range unchanged {
		if l.Written && l.Live {
			l.Read = true
		}
	}
}

// Guards returns the trace's guards in body order, the Back guard excluded.
func (t *Trace) Guards() []*Guard {
	var out []*Guard
	for _, list := range [][]Instr{t.Prologue, t.Body} {
		for _, ins := range list {
			if g, ok := ins.(*Guard); ok {
				out = append(out, g)
			}
		}
	}
	return out
}

// Root returns the trace a side trace ultimately loops back into.
func (t *Trace) Root() *Trace {
	for t.Next != nil {
		t = t.Next
	}
	return t
}

// Len returns the number of recorded instructions.
func (t *Trace) Len() int {
	return len(t.Prologue) + len(t.Body)
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

type printer struct {
	sb    strings.Builder
	names map[Instr]string
	calls map[*TraceCall]int
}

func (p *printer) name(v Instr) string {
	switch i := v.(type) {
	case nil:
		return "_"
	case *Constant:
		return i.Value.String()
	case *Local:
		return fmt.Sprintf("l%d", i.Index)
	case *NestedLocal:
		return fmt.Sprintf("c%d.l%d", p.calls[i.Call], i.Index)
	}
	if n, ok := p.names[v]; ok {
		return n
	}
	return "?"
}

func (p *printer) list(vs []Instr) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = p.name(v)
	}
	return strings.Join(parts, " ")
}

func (p *printer) snapshot(s *Snapshot) string {
	out := fmt.Sprintf("@%d [%s | %s]", s.PC, p.list(s.Locals), p.list(s.Stack))
	for _, f := range s.Frames {
		out += fmt.Sprintf(" +%s@%d[%s | %s]", f.Routine, f.PC, p.list(f.Locals), p.list(f.Stack))
	}
	return out
}

func (p *printer) instr(ins Instr) {
	var text string
	switch i := ins.(type) {
	case *Builtin:
		op := i.Op.String()
		switch i.Op {
		case BuiltinArith:
			op = i.Arith.String()
		case BuiltinConvert, BuiltinNewArray:
			op += " " + i.Elem.String()
		case BuiltinFieldLoad, BuiltinFieldStore, BuiltinStaticLoad, BuiltinStaticStore:
			op += " " + i.Field.String()
		}
		text = fmt.Sprintf("%s %s", op, p.list(i.Args))
	case *Call:
		text = fmt.Sprintf("call %s %s", i.Routine.Signature(), p.list(i.Args))
	case *Alloc:
		text = "alloc " + i.Class.Name
	case *Guard:
		text = fmt.Sprintf("guard %s %s %s -> %s", i.Op, p.name(i.Left), p.name(i.Right), p.snapshot(i.Exit))
		if i.Target != nil {
			text += fmt.Sprintf(" => trace %d", i.Target.ID)
		}
	case *TraceCall:
		text = fmt.Sprintf("calltrace %d %s", i.Trace.ID, p.snapshot(i.Args))
	default:
		text = p.name(ins)
	}
	if ins.ResultKind() == vm.KindVoid {
		fmt.Fprintf(&p.sb, "  %s\n", text)
		return
	}
	fmt.Fprintf(&p.sb, "  %s = %s\n", p.names[ins], text)
}

// String renders the trace as a listing.
func (t *Trace) String() string {
	p := &printer{names: make(map[Instr]string), calls: make(map[*TraceCall]int)}
	n := 0
	for _, list := range [][]Instr{t.Prologue, t.Body} {
		for _, ins := range list {
			if c, ok := ins.(*TraceCall); ok {
				p.calls[c] = len(p.calls)
			}
			if ins.ResultKind() != vm.KindVoid {
				p.names[ins] = fmt.Sprintf("v%d", n)
				n++
			}
		}
	}

	fmt.Fprintf(&p.sb, "trace %d at %s", t.ID, t.Anchor)
	if t.Next != nil {
		fmt.Fprintf(&p.sb, " -> trace %d", t.Next.ID)
	}
	p.sb.WriteString("\nentry:")
	for _, l := range t.Entry {
		flags := ""
		if l.Read {
			flags += "r"
		}
		if l.Written {
			flags += "w"
		}
		if !l.Live {
			flags = "dead"
		}
		fmt.Fprintf(&p.sb, " l%d:%s(%s)", l.Index, l.Kind, flags)
	}
	p.sb.WriteByte('\n')
	if len(t.Prologue) > 0 {
		p.sb.WriteString("prologue:\n")
		for _, ins := range t.Prologue {
			p.instr(ins)
		}
	}
	p.sb.WriteString("body:\n")
	for _, ins := range t.Body {
		p.instr(ins)
	}
	fmt.Fprintf(&p.sb, "tail: %s\n", p.list(t.Tail))
	return p.sb.String()
}
