// Command reconcile is the thin CLI shell over the core reconciliation
// pipeline (spec §6 "the shell that calls the core"): it owns process
// wiring (catalog load, logger, config) and nothing else. Every Cobra
// subcommand calls straight into internal/engine, which implements the
// core's contract (assess, clarify, execute, traverse). Grounded on the
// teacher's cmd/bd command tree: one rootCmd in main.go, one file per
// subcommand each registering itself via AddCommand from an init() func.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/catalog/dbsource"
	"github.com/reconcile-labs/reconcile/internal/config"
	"github.com/reconcile-labs/reconcile/internal/engine"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/llm"
	"github.com/reconcile-labs/reconcile/internal/materialize"
	"github.com/reconcile-labs/reconcile/internal/obs"
	"github.com/reconcile-labs/reconcile/internal/telemetry"
)

var (
	catalogSource string
	dataDir       string
	jsonOutput    bool
	traceOutput   bool

	telemetryShutdown func(context.Context) error
)

// app is the one engine instance built from one catalog load, handed to
// every subcommand via package-level state the way the teacher's main.go
// shares one storage.Storage across cmd/bd commands.
type app struct {
	cat *catalog.Catalog
	cfg config.Config
	eng *engine.Engine
}

var current *app

func buildApp(cmd *cobra.Command, _ []string) error {
	cfg := config.Get()
	if catalogSource == "" {
		catalogSource = cfg.CatalogSource
	}
	if catalogSource == "" {
		return fmt.Errorf("reconcile: --catalog is required (no catalog_source configured)")
	}

	var cat *catalog.Catalog
	var err error
	if strings.Contains(catalogSource, "://") {
		cat, err = dbsource.Load(catalogSource)
	} else {
		cat, err = catalog.LoadDir(catalogSource)
	}
	if err != nil {
		return fmt.Errorf("reconcile: load catalog: %w", err)
	}
	hg := hypergraph.Build(cat)

	format := "text"
	if jsonOutput {
		format = "json"
	}
	logger := obs.New(format, os.Stderr)

	if traceOutput {
		shutdown, err := telemetry.InitStdout()
		if err != nil {
			return fmt.Errorf("reconcile: init telemetry: %w", err)
		}
		telemetryShutdown = shutdown
	}

	var llmClient *llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient, _ = llm.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.UpstreamModelTimeout)
	}

	if dataDir == "" {
		dataDir = catalogSource
	}

	current = &app{
		cat: cat,
		cfg: cfg,
		eng: engine.New(cat, hg, cfg, materialize.NewCSVSource(dataDir), llmClient, logger),
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Deterministic cross-system reconciliation and root-cause analysis",
	Long: `reconcile answers natural-language questions about why two systems'
numbers for the same business facts disagree, by compiling the question
into a typed intent, materializing both sides at a common grain, and
diffing and classifying the result.`,
	PersistentPreRunE: buildApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogSource, "catalog", "", "catalog directory or dialect://dsn relational source")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory containing table data files (defaults to --catalog)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of text")
	rootCmd.PersistentFlags().BoolVar(&traceOutput, "trace", false, "emit OpenTelemetry traces and metrics to stdout")
}

func main() {
	err := rootCmd.Execute()
	if telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetryShutdown(ctx)
		cancel()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
