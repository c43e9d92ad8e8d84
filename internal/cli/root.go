// Package cli wires the weavectl command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"weavectl/internal/config"
)

var (
	cfgFile string
	debug   bool

	cfg config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "weavectl",
	Short: "weavectl manages the weave mesh: session server, weaver daemon, and device tooling",
	Long: `weavectl is the control-plane tool for the weave mesh. It runs the
session server, runs the weaver reconciliation daemon, and gives device
operators commands for registration and session management.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if debug {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}

		// Commands that create the config file skip loading it.
		if cfgFile == "" || cmd.Annotations["writesConfig"] == "true" {
			return nil
		}
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config %s: %w", cfgFile, err)
		}
		return config.Validate(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the weavectl config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose development logging")
}

func requireSection(name string, present bool) error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required for this command")
	}
	if !present {
		return fmt.Errorf("config %s has no %q section", cfgFile, name)
	}
	return nil
}
