package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reconcile-labs/reconcile/internal/engine"
	"github.com/reconcile-labs/reconcile/internal/intent"
)

var (
	runOverride bool
	runWorkers  int
)

var runCmd = &cobra.Command{
	Use:   "run <query>...",
	Short: "Answer one or more reconciliation questions end-to-end",
	Long: `run compiles each query, selects a rule per side, resolves the
common grain, materializes both sides and prints the reconciliation. A
query whose intent needs clarification is reported as such; answer it
with 'reconcile assess' + 'reconcile clarify' first. Multiple queries
run in parallel on a bounded worker pool.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var specs []*intent.IntentSpec
		for _, q := range args {
			res, err := current.eng.Assess(ctx, q)
			if err != nil {
				return err
			}
			if res.Clarification != nil {
				return fmt.Errorf("query %q needs clarification: %s", q, res.Clarification.Question)
			}
			specs = append(specs, res.Spec)
		}

		opts := engine.ExecuteOptions{Override: runOverride}
		if len(specs) == 1 {
			result, err := current.eng.Execute(ctx, specs[0], opts)
			if err != nil {
				return err
			}
			return printResult(result)
		}

		pool := engine.NewPool(current.eng, runWorkers)
		results, errs := pool.ExecuteAll(ctx, specs, opts)
		var firstErr error
		for i, r := range results {
			fmt.Printf("== %s\n", args[i])
			if errs[i] != nil {
				fmt.Printf("failed: %v\n", errs[i])
				if firstErr == nil {
					firstErr = errs[i]
				}
				continue
			}
			if err := printResult(r); err != nil {
				return err
			}
		}
		return firstErr
	},
}

func printResult(r *engine.RCAResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Printf("metric %s at grain [%s], keyed by [%s]\n",
		r.Metric, strings.Join(r.TargetGrain, ", "), strings.Join(r.CanonicalKey, ", "))
	fmt.Printf("left  %s: rule %s (confidence %.2f), %s rows\n",
		r.Left.System, r.Left.Selected.Rule.ID, r.Left.Selected.Confidence, humanize.Comma(int64(r.Left.Rows)))
	fmt.Printf("right %s: rule %s (confidence %.2f), %s rows\n",
		r.Right.System, r.Right.Selected.Rule.ID, r.Right.Selected.Confidence, humanize.Comma(int64(r.Right.Rows)))

	rec := r.Reconciliation
	fmt.Printf("population: %d common, %d only-left, %d only-right\n",
		rec.CommonCount, len(rec.MissingInB), len(rec.MissingInA))
	fmt.Printf("values:     %d match, %d mismatch (tolerance applied)\n",
		rec.MatchCount(), len(rec.Mismatches))
	fmt.Printf("aggregate:  left %.2f, right %.2f, diff %+.2f\n",
		rec.Aggregate.TotalLeft, rec.Aggregate.TotalRight, rec.Aggregate.Diff)

	for _, m := range rec.Mismatches {
		fmt.Printf("  %v: %.2f vs %.2f (diff %+.2f) [%s/%s] %s\n",
			m.Key, m.ValueLeft, m.ValueRight, m.Diff,
			m.Classification.RootCause, m.Classification.Subtype, m.Classification.Description)
	}
	for _, m := range rec.MissingInB {
		fmt.Printf("  %v: only-left [%s/%s] %s\n",
			m.Key, m.Classification.RootCause, m.Classification.Subtype, m.Classification.Description)
	}
	for _, m := range rec.MissingInA {
		fmt.Printf("  %v: only-right [%s/%s] %s\n",
			m.Key, m.Classification.RootCause, m.Classification.Subtype, m.Classification.Description)
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runOverride, "override", false, "run even when the safety guardrail flags the plan")
	runCmd.Flags().IntVar(&runWorkers, "workers", 4, "parallel query workers when multiple queries are given")
	rootCmd.AddCommand(runCmd)
}
