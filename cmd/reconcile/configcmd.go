package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reconcile-labs/reconcile/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective merged configuration as YAML",
	Args:  cobra.NoArgs,
	// No catalog is needed to inspect configuration, so the root's
	// catalog-loading PersistentPreRunE is replaced with a no-op.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := config.Dump(config.Get())
		if err != nil {
			return fmt.Errorf("reconcile: render config: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
