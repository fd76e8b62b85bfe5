// Package vm implements the baseline tier of the metavm interpretation core.
//
// This package contains:
//   - Typed tagged values and the JVM-shaped kind system
//   - The execution state (frame stack, local and operand slots)
//   - A minimal class model (routines, constant pools, handler tables)
//   - The bytecode instruction set and a disassembler
//   - The baseline interpreter with its table-driven dispatch loop
//   - The profiler hooks the hotpath tier observes
//
// The trace tier lives in the trace, hotpath and record subpackages. Both
// tiers share the arithmetic, comparison and conversion helpers in
// arith.go so that a value computed by a trace is bit-for-bit the value the
// baseline interpreter would have produced.
package vm
