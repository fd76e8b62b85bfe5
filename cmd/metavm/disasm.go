package main

import (
	"errors"
	"fmt"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/sample"
	"github.com/spf13/cobra"
)

var (
	disasmTraces bool
	disasmList   bool
)

var disasmCmd = &cobra.Command{
	Use:   "disasm [sample]",
	Short: "Print a sample's bytecode, and optionally the traces a run records",
	Args:  cobra.MaximumNArgs(1),
	RunE:  disasmSample,
}

func init() {
	disasmCmd.Flags().BoolVar(&disasmTraces, "traces", false, "run the sample and print the recorded traces")
	disasmCmd.Flags().BoolVar(&disasmList, "list", false, "list the available samples")
	disasmCmd.Flags().Int32VarP(&runN, "size", "n", 100, "size parameter for --traces")
}

func disasmSample(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if disasmList || len(args) == 0 {
		for _, smp := range samples() {
			fmt.Fprintf(out, "%-10s %s\n", smp.Name, smp.Description)
		}
		return nil
	}

	s, err := newSession(cfg, nil)
	if err != nil {
		return err
	}
	smp, err := s.sample(args[0])
	if err != nil {
		return err
	}
	for _, r := range reachable(smp.Entry) {
		fmt.Fprintln(out, vm.Disassemble(r))
	}
	if !disasmTraces {
		return nil
	}

	s, err = newSession(cfg, cfg.Policy())
	if err != nil {
		return err
	}
	smp, err = s.sample(args[0])
	if err != nil {
		s.close()
		return err
	}
	if _, err := s.in.Execute(smp.Entry, smp.Args(runN)...); err != nil && !uncaught(err) {
		s.close()
		return err
	}
	traces := s.tracer.Traces()
	if len(traces) == 0 {
		fmt.Fprintln(out, "; no traces recorded")
	}
	for _, t := range traces {
		fmt.Fprintln(out, t)
	}
	return s.close()
}

func samples() []*sample.Sample {
	return sample.All(vm.NewUniverse())
}

// uncaught reports whether err is an exception that escaped the program,
// as opposed to an interpreter failure.
func uncaught(err error) bool {
	var ex *vm.Exception
	return errors.As(err, &ex)
}

// reachable returns r and every bytecode routine it calls, directly or
// not, in discovery order.
func reachable(r *vm.Routine) []*vm.Routine {
	seen := map[*vm.Routine]bool{r: true}
	out := []*vm.Routine{r}
	for i := 0; i < len(out); i++ {
		if out[i].Pool == nil {
			continue
		}
		for _, callee := range out[i].Pool.Routines {
			if callee == nil || callee.IsNative() || seen[callee] {
				continue
			}
			seen[callee] = true
			out = append(out, callee)
		}
	}
	return out
}
