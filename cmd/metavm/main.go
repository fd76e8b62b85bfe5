// metavm runs the sample programs through the baseline interpreter and the
// tracing tier.
package main

import (
	"fmt"
	"os"

	"github.com/chazu/metavm/manifest"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var (
	configDir string
	verbosity int

	cfg *manifest.Manifest
)

var rootCmd = &cobra.Command{
	Use:           "metavm",
	Short:         "Tracing interpreter for a JVM-style bytecode",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(configDir)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Log.Verbosity = verbosity
		}
		commonlog.Configure(cfg.Log.Verbosity, cfg.LogFile())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory holding metavm.toml (default: search upward from the working directory)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "log verbosity (repeat for more)")

	rootCmd.AddCommand(runCmd, disasmCmd, anchorsCmd)
}

// loadConfig loads metavm.toml from dir, or searches upward from the
// working directory when dir is empty. Without a file the defaults apply.
func loadConfig(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(), nil
	}
	return m, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
