package vm

// ---------------------------------------------------------------------------
// Frame: locals and operand stack of one routine activation
// ---------------------------------------------------------------------------

// Frame is one activation record. Slots holds the locals followed by the
// operand stack; SP indexes the next free operand slot.
type Frame struct {
	Routine  *Routine // nil for the sentinel frame
	PC       int      // offset of the instruction being executed
	ReturnPC int      // caller PC to resume at when this frame leaves
	Slots    []Value
	SP       int
}

// NewFrame allocates a frame sized to the routine's declared locals and
// operand stack. Every slot starts undefined.
func NewFrame(r *Routine) *Frame {
	slots := make([]Value, r.MaxLocals+r.MaxStack)
	for i := range slots {
		slots[i] = Undefined
	}
	return &Frame{Routine: r, Slots: slots, SP: r.MaxLocals}
}

func newSentinel() *Frame {
	return &Frame{}
}

// IsSentinel reports whether f is a state's bottom frame.
func (f *Frame) IsSentinel() bool {
	return f.Routine == nil
}

// Base returns the index of the first operand-stack slot.
func (f *Frame) Base() int {
	if f.Routine == nil {
		return 0
	}
	return f.Routine.MaxLocals
}

// Height returns the operand stack height in slots.
func (f *Frame) Height() int {
	return f.SP - f.Base()
}

// Location returns the frame's current bytecode position.
func (f *Frame) Location() Location {
	return Location{Routine: f.Routine, PC: f.PC}
}

// Slot returns the raw content of slot i, sentinels included.
func (f *Frame) Slot(i int) Value {
	if i < 0 || i >= len(f.Slots) {
		malformed("slot %d out of range in %s", i, f.Routine)
	}
	return f.Slots[i]
}

func (f *Frame) ensure(n int) {
	if f.SP+n <= len(f.Slots) {
		return
	}
	if f.Routine != nil {
		malformed("operand stack overflow in %s at %d", f.Routine, f.PC)
	}
	for f.SP+n > len(f.Slots) {
		f.Slots = append(f.Slots, Undefined)
	}
}

// Push pushes v with kind k. Sub-word kinds widen to int.
func (f *Frame) Push(k Kind, v Value) {
	sk := k.StackKind()
	w := v.Widen()
	if w.kind != sk {
		malformed("push %s: got %s", sk, w.kind)
	}
	n := sk.Width()
	f.ensure(n)
	f.Slots[f.SP] = w
	if n == 2 {
		f.Slots[f.SP+1] = Filler
	}
	f.SP += n
}

// Pop removes and returns the top value, which must have kind k.
func (f *Frame) Pop(k Kind) Value {
	sk := k.StackKind()
	n := sk.Width()
	if f.SP-n < f.Base() {
		malformed("operand stack underflow in %s at %d", f.Routine, f.PC)
	}
	f.SP -= n
	v := f.Slots[f.SP]
	if v.kind != sk || (n == 2 && !f.Slots[f.SP+1].IsFiller()) {
		malformed("pop %s: got %s in %s at %d", sk, v.kind, f.Routine, f.PC)
	}
	for i := 0; i < n; i++ {
		f.Slots[f.SP+i] = Undefined
	}
	return v
}

// Peek returns the value of kind k whose top slot lies depth slots below
// the top of the stack.
func (f *Frame) Peek(k Kind, depth int) Value {
	sk := k.StackKind()
	i := f.SP - depth - sk.Width()
	if i < f.Base() {
		malformed("peek below stack base in %s", f.Routine)
	}
	v := f.Slots[i]
	if v.kind != sk {
		malformed("peek %s: got %s", sk, v.kind)
	}
	return v
}

// pushSlot and popSlot move raw slots for the untyped stack instructions
// (dup, swap, pop2 ...). Fillers travel with their value.
func (f *Frame) pushSlot(v Value) {
	f.ensure(1)
	f.Slots[f.SP] = v
	f.SP++
}

func (f *Frame) popSlot() Value {
	if f.SP <= f.Base() {
		malformed("operand stack underflow in %s at %d", f.Routine, f.PC)
	}
	f.SP--
	v := f.Slots[f.SP]
	f.Slots[f.SP] = Undefined
	return v
}

// ClearStack empties the operand stack.
func (f *Frame) ClearStack() {
	for i := f.Base(); i < f.SP; i++ {
		f.Slots[i] = Undefined
	}
	f.SP = f.Base()
}

// Store writes v into local i. Overwriting either half of a 2-word local
// invalidates the other half.
func (f *Frame) Store(k Kind, i int, v Value) {
	sk := k.StackKind()
	w := v.Widen()
	if w.kind != sk {
		malformed("store %s into local %d: got %s", sk, i, w.kind)
	}
	n := sk.Width()
	if i < 0 || i+n > f.Base() {
		malformed("local %d out of range in %s", i, f.Routine)
	}
	if f.Slots[i].IsFiller() && i > 0 {
		f.Slots[i-1] = Undefined
	}
	last := i + n - 1
	if f.Slots[last].kind.IsWide() && last+1 < f.Base() {
		f.Slots[last+1] = Undefined
	}
	f.Slots[i] = w
	if n == 2 {
		f.Slots[i+1] = Filler
	}
}

// Load reads local i, which must hold a value of kind k.
func (f *Frame) Load(k Kind, i int) Value {
	sk := k.StackKind()
	if i < 0 || i >= f.Base() {
		malformed("local %d out of range in %s", i, f.Routine)
	}
	v := f.Slots[i]
	if v.kind != sk {
		malformed("load %s from local %d: holds %s in %s at %d", sk, i, v.kind, f.Routine, f.PC)
	}
	return v
}

// top returns the top value of any kind, skipping a trailing filler.
func (f *Frame) top() (Value, bool) {
	if f.SP <= f.Base() {
		return Void, false
	}
	v := f.Slots[f.SP-1]
	if v.IsFiller() {
		v = f.Slots[f.SP-2]
	}
	return v, true
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Slots = make([]Value, len(f.Slots))
	copy(c.Slots, f.Slots)
	return &c
}

// ---------------------------------------------------------------------------
// State: the frame stack shared by both interpretation tiers
// ---------------------------------------------------------------------------

// State is the execution state. It is owned by exactly one tier at a time;
// Clone and Slice produce new owned states that share nothing with the
// original.
type State struct {
	frames []*Frame
}

// NewState returns a state holding only the sentinel frame, which receives
// arguments for the first real frame and the final result.
func NewState() *State {
	return &State{frames: []*Frame{newSentinel()}}
}

// Depth returns the number of frames, sentinel included.
func (s *State) Depth() int {
	return len(s.frames)
}

// Top returns the current frame.
func (s *State) Top() *Frame {
	return s.frames[len(s.frames)-1]
}

// Frame returns frame i counted from the bottom.
func (s *State) Frame(i int) *Frame {
	return s.frames[i]
}

// Frames returns the frames bottom first. The slice is a copy; the frames
// are not.
func (s *State) Frames() []*Frame {
	out := make([]*Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Push pushes onto the current frame's operand stack.
func (s *State) Push(k Kind, v Value) { s.Top().Push(k, v) }

// Pop pops from the current frame's operand stack.
func (s *State) Pop(k Kind) Value { return s.Top().Pop(k) }

// Peek reads the current frame's operand stack without popping.
func (s *State) Peek(k Kind, depth int) Value { return s.Top().Peek(k, depth) }

// Store writes a local of the current frame.
func (s *State) Store(k Kind, i int, v Value) { s.Top().Store(k, i, v) }

// Load reads a local of the current frame.
func (s *State) Load(k Kind, i int) Value { return s.Top().Load(k, i) }

// Slots returns a copy of count slots of the current frame starting at from.
func (s *State) Slots(from, count int) []Value {
	f := s.Top()
	if from < 0 || from+count > len(f.Slots) {
		malformed("slot range [%d,%d) out of range in %s", from, from+count, f.Routine)
	}
	out := make([]Value, count)
	copy(out, f.Slots[from:from+count])
	return out
}

// Enter pushes a frame for r. The argument slots move from the caller's
// operand stack into the callee's first locals; returnPC is where the
// caller resumes after Leave.
func (s *State) Enter(r *Routine, returnPC int) *Frame {
	caller := s.Top()
	n := r.ArgSlots()
	if n > r.MaxLocals {
		malformed("%s declares %d locals for %d argument slots", r, r.MaxLocals, n)
	}
	if caller.Height() < n {
		malformed("calling %s: %d argument slots on the stack, need %d", r, caller.Height(), n)
	}
	callee := NewFrame(r)
	callee.ReturnPC = returnPC
	caller.SP -= n
	copy(callee.Slots[:n], caller.Slots[caller.SP:caller.SP+n])
	for i := caller.SP; i < caller.SP+n; i++ {
		caller.Slots[i] = Undefined
	}
	s.frames = append(s.frames, callee)
	return callee
}

// Leave pops the current frame, resumes the caller at the frame's return
// position and pushes the result onto the caller's stack if the routine
// returns a value.
func (s *State) Leave() {
	if len(s.frames) < 2 {
		malformed("leave on the sentinel frame")
	}
	callee := s.Top()
	rk := callee.Routine.Result.StackKind()
	var result Value
	if rk != KindVoid {
		result = callee.Pop(rk)
	}
	s.pop()
	caller := s.Top()
	caller.PC = callee.ReturnPC
	if rk != KindVoid {
		caller.Push(rk, result)
	}
}

// LeaveWithoutReturn pops the current frame without touching the caller,
// used while unwinding an exception.
func (s *State) LeaveWithoutReturn() {
	if len(s.frames) < 2 {
		malformed("leave on the sentinel frame")
	}
	s.pop()
}

func (s *State) pop() {
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
}

// Append pushes frames on top of the state. The state takes ownership of
// them.
func (s *State) Append(frames ...*Frame) {
	s.frames = append(s.frames, frames...)
}

// Truncate drops every frame above depth.
func (s *State) Truncate(depth int) {
	if depth < 0 || depth > len(s.frames) {
		malformed("truncate to depth %d of %d", depth, len(s.frames))
	}
	for i := depth; i < len(s.frames); i++ {
		s.frames[i] = nil
	}
	s.frames = s.frames[:depth]
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{frames: make([]*Frame, len(s.frames))}
	for i, f := range s.frames {
		c.frames[i] = f.Clone()
	}
	return c
}

// Slice returns a new state holding deep copies of the n most recent
// frames.
func (s *State) Slice(n int) *State {
	if n < 1 || n > len(s.frames) {
		malformed("slice of %d frames from a state of depth %d", n, len(s.frames))
	}
	c := &State{frames: make([]*Frame, n)}
	for i, f := range s.frames[len(s.frames)-n:] {
		c.frames[i] = f.Clone()
	}
	return c
}
