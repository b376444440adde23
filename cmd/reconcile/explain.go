package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var explainCmd = &cobra.Command{
	Use:   "explain <query>",
	Short: "Plan a query without executing it",
	Long: `explain walks the same planning stages 'run' would (intent, rule
selection, grain resolution, pipeline compilation, safety assessment)
and prints each decision with its reasoning, without reading any data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := current.eng.Traverse(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		}

		if state.Clarification != "" {
			fmt.Printf("clarification needed: %s\n", state.Clarification)
		}
		for _, s := range state.Steps {
			fmt.Printf("%-17s %s\n", s.Stage, s.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(explainCmd)
}
