package record

import "github.com/chazu/metavm/vm/trace"

// hoist splits a recorded body into a prologue of pure builtins whose
// operands never change across iterations and the remaining loop body.
// Instruction order is preserved within both lists.
func hoist(entry []*trace.Local, body, tail []trace.Instr) (prologue, rest []trace.Instr) {
	invariant := make(map[trace.Instr]bool)
	for i, l := range entry {
		if l.Live && tail[i] == trace.Instr(l) {
			invariant[l] = true
		}
	}
	stable := func(v trace.Instr) bool {
		if _, ok := v.(*trace.Constant); ok {
			return true
		}
		return invariant[v]
	}

	for _, ins := range body {
		b, ok := ins.(*trace.Builtin)
		if !ok || !b.Pure() {
			rest = append(rest, ins)
			continue
		}
		movable := true
		for _, a := range b.Args {
			if !stable(a) {
				movable = false
				break
			}
		}
		if !movable {
			rest = append(rest, ins)
			continue
		}
		invariant[b] = true
		prologue = append(prologue, b)
	}
	return prologue, rest
}
