package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/hotpath"
	"github.com/spf13/cobra"
)

var (
	runN       int32
	runNoTrace bool
	runForce   bool
	runTop     int
)

var runCmd = &cobra.Command{
	Use:   "run <sample>",
	Short: "Run a sample program",
	Args:  cobra.ExactArgs(1),
	RunE:  runSample,
}

func init() {
	runCmd.Flags().Int32VarP(&runN, "size", "n", 100, "size parameter passed to the sample")
	runCmd.Flags().BoolVar(&runNoTrace, "no-trace", false, "run on the baseline interpreter only")
	runCmd.Flags().BoolVar(&runForce, "force", false, "record at the first backward jump")
	runCmd.Flags().IntVar(&runTop, "top", 5, "number of hottest anchors to report")
}

func runSample(cmd *cobra.Command, args []string) error {
	var policy hotpath.Policy
	switch {
	case runNoTrace:
	case runForce:
		policy = hotpath.ForcePolicy{}
	default:
		policy = cfg.Policy()
	}

	s, err := newSession(cfg, policy)
	if err != nil {
		return err
	}
	smp, err := s.sample(args[0])
	if err != nil {
		s.close()
		return err
	}

	start := time.Now()
	result, runErr := s.in.Execute(smp.Entry, smp.Args(runN)...)
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	var ex *vm.Exception
	switch {
	case errors.As(runErr, &ex):
		fmt.Fprintln(out, ex.Error())
	case runErr != nil:
		s.close()
		return runErr
	default:
		fmt.Fprintf(out, "%s(%d) = %s\n", smp.Name, runN, result)
	}
	fmt.Fprintf(out, "time: %s\n", elapsed)

	if s.profiler != nil {
		report(cmd, s)
	}
	return s.close()
}

func report(cmd *cobra.Command, s *session) {
	out := cmd.OutOrStdout()
	ps := s.profiler.Stats()
	fmt.Fprintf(out, "profiler: %d jumps, %d backward, %d skipped, %d anchors (%d traced, %d blacklisted)\n",
		ps.Jumps, ps.Backward, ps.Skipped, ps.Anchors, ps.Traced, ps.Blacklisted)

	ts := s.tracer.Stats()
	fmt.Fprintf(out, "tracer: %d recordings, %d side recordings, %d aborts, %d abandoned, %d traces, %d side traces, %d runs\n",
		ts.Recordings, ts.SideRecordings, ts.Aborts, ts.Abandoned, ts.Traces, ts.SideTraces, ts.Runs)

	xs := s.executor.Stats()
	fmt.Fprintf(out, "trace interpreter: %d iterations, %d bailouts, %d side exits, %d nested calls\n",
		xs.Iterations, xs.Bailouts, xs.SideExits, xs.NestedCalls)

	for _, a := range s.profiler.TopAnchors(runTop) {
		status := "interpreted"
		switch {
		case a.Trace != nil:
			status = fmt.Sprintf("trace %d", a.Trace.ID)
		case a.Blacklisted:
			status = "blacklisted"
		}
		fmt.Fprintf(out, "  %-24s %8d visits  %s\n", a.Location, a.Visits, status)
	}
}
