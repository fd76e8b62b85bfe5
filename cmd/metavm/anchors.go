package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "List the anchor profiles in the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.All()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintf(out, "no anchors in %s store %q\n", cfg.Profile.Backend, cfg.ProfilePath())
			return nil
		}
		for _, rec := range recs {
			status := ""
			switch {
			case rec.Blacklisted:
				status = "blacklisted"
			case rec.TraceLength > 0:
				status = fmt.Sprintf("trace of %d instructions, %d guards", rec.TraceLength, rec.Guards)
			}
			fmt.Fprintf(out, "%-24s %8d visits %3d recordings %3d failures  %v  %s\n",
				rec, rec.Visits, rec.Recordings, rec.Failures, rec.Shape, status)
		}
		return nil
	},
}
