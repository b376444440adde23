package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reconcile-labs/reconcile/internal/intent"
)

var assessCmd = &cobra.Command{
	Use:   "assess <query>",
	Short: "Compile a natural-language query into a typed intent",
	Long: `assess runs the two-phase intent compiler against the query. A
confident query prints its compiled IntentSpec; a low-confidence one
prints the single consolidated clarification question and the partial
understanding extracted so far. Answer with 'reconcile clarify'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := current.eng.Assess(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printIntentResult(res)
	},
}

var clarifyCmd = &cobra.Command{
	Use:   "clarify <query> <answer>",
	Short: "Re-run intent compilation with a clarification answer attached",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := current.eng.Clarify(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printIntentResult(res)
	},
}

func printIntentResult(res intent.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if res.Clarification != nil {
			return enc.Encode(map[string]any{"needs_clarification": res.Clarification})
		}
		return enc.Encode(map[string]any{"intent": res.Spec})
	}

	if c := res.Clarification; c != nil {
		fmt.Println("clarification needed:")
		fmt.Printf("  %s\n", c.Question)
		if len(c.Hints.CandidateMetrics) > 0 {
			fmt.Printf("  candidate metrics: %s\n", strings.Join(c.Hints.CandidateMetrics, ", "))
		}
		if len(c.Hints.CandidateSystems) > 0 {
			fmt.Printf("  candidate systems: %s\n", strings.Join(c.Hints.CandidateSystems, ", "))
		}
		return nil
	}

	s := res.Spec
	fmt.Printf("task:    %s\n", s.TaskType)
	fmt.Printf("metrics: %s\n", strings.Join(s.TargetMetrics, ", "))
	fmt.Printf("systems: %s\n", strings.Join(s.Systems, ", "))
	fmt.Printf("grain:   %s\n", strings.Join(s.Grain, ", "))
	if s.TimeScope != nil && s.TimeScope.IsAsOf() {
		fmt.Printf("as of:   %s\n", s.TimeScope.AsOf)
	}
	for _, j := range s.Joins {
		fmt.Printf("join:    %s (%.2f via %s): %s\n", j.Type, j.Confidence, j.Source, j.Reasoning)
	}
	for _, c := range s.Constraints {
		fmt.Printf("filter:  %s %s %v\n", c.Column, c.Op, c.Value.String)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(clarifyCmd)
}
