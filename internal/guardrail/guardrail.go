// Package guardrail implements the Safety Guardrail (spec §4.8): a
// pre-execution cost estimator that walks a compiled Pipeline and either
// blesses it or refuses to run it. Grounded on the teacher's internal/safety
// package's pre-flight-check-then-refuse shape, generalized from command
// allowlisting to row/memory/join-explosion cost estimation.
package guardrail

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/reconcile-labs/reconcile/internal/config"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "guardrail"

const (
	unknownRowCountDefault = 10_000
	bytesPerRow            = 100
	mibDivisor              = 1024 * 1024
)

// Join-explosion risk weights (spec §4.8).
const (
	riskOneKey    = 0.1
	riskMultiKey  = 0.3
	riskCartesian = 1.0
)

// SafetyAssessment is the guardrail's verdict on one compiled pipeline.
type SafetyAssessment struct {
	EstimatedRowsScanned       int64
	EstimatedJoinExplosionRisk float64
	EstimatedMemoryMB          float64
	RequiresOverride           bool
	Reasons                    []string
	CartesianBlocked           bool
}

// Guardrail estimates cost against one hypergraph's row-count statistics and
// the active configuration's thresholds.
type Guardrail struct {
	hg *hypergraph.Hypergraph
}

// New builds a Guardrail.
func New(hg *hypergraph.Hypergraph) *Guardrail {
	return &Guardrail{hg: hg}
}

// Assess walks p and produces a SafetyAssessment per spec §4.8.
func (g *Guardrail) Assess(p *pipeline.Pipeline, cfg config.Config) SafetyAssessment {
	var a SafetyAssessment

	for i, op := range p.Ops {
		if op.Kind != pipeline.KindScan {
			continue
		}
		rows := g.rowCount(op.Scan.Table)
		discount := math.Pow(0.5, float64(p.FilterCountForScanIndex(i)))
		a.EstimatedRowsScanned += int64(float64(rows) * discount)
	}

	for _, op := range p.Ops {
		if op.Kind != pipeline.KindJoin {
			continue
		}
		risk := joinRisk(len(op.Join.On))
		if risk == riskCartesian {
			a.CartesianBlocked = true
		}
		if risk > a.EstimatedJoinExplosionRisk {
			a.EstimatedJoinExplosionRisk = risk
		}
	}

	a.EstimatedMemoryMB = float64(a.EstimatedRowsScanned) * bytesPerRow / mibDivisor

	if a.CartesianBlocked {
		a.RequiresOverride = true
		a.Reasons = append(a.Reasons, "plan contains a join with no keys (Cartesian product); hard-blocked without an explicit override")
	}
	if a.EstimatedRowsScanned > cfg.MaxEstimatedRows {
		a.RequiresOverride = true
		a.Reasons = append(a.Reasons, fmt.Sprintf("estimated rows scanned %s exceeds threshold %s",
			humanize.Comma(a.EstimatedRowsScanned), humanize.Comma(cfg.MaxEstimatedRows)))
	}
	if int64(a.EstimatedMemoryMB) > cfg.MaxEstimatedMemMiB {
		a.RequiresOverride = true
		a.Reasons = append(a.Reasons, fmt.Sprintf("estimated peak memory %s exceeds threshold %s",
			humanize.IBytes(uint64(a.EstimatedMemoryMB)*mibDivisor),
			humanize.IBytes(uint64(cfg.MaxEstimatedMemMiB)*mibDivisor)))
	}
	if a.EstimatedJoinExplosionRisk > cfg.MaxJoinRisk {
		a.RequiresOverride = true
		a.Reasons = append(a.Reasons, fmt.Sprintf("estimated join explosion risk %.2f exceeds threshold %.2f",
			a.EstimatedJoinExplosionRisk, cfg.MaxJoinRisk))
	}

	return a
}

// Check runs Assess and returns a SafetyRefusal error when the plan is
// blocked and override is false (spec §4.8 "Refusal without override is a
// hard error").
func (g *Guardrail) Check(p *pipeline.Pipeline, cfg config.Config, override bool) (SafetyAssessment, error) {
	a := g.Assess(p, cfg)
	if a.RequiresOverride && !override {
		return a, rcaerrors.New(stageName, rcaerrors.KindSafetyRefusal, nil,
			map[string]any{"reasons": a.Reasons, "estimated_rows_scanned": a.EstimatedRowsScanned,
				"estimated_memory_mb": a.EstimatedMemoryMB, "estimated_join_explosion_risk": a.EstimatedJoinExplosionRisk})
	}
	return a, nil
}

func (g *Guardrail) rowCount(table string) int64 {
	n := g.hg.GetTableNode(table)
	if n == nil || n.Stats.RowCount == 0 {
		return unknownRowCountDefault
	}
	return n.Stats.RowCount
}

func joinRisk(keyCount int) float64 {
	switch {
	case keyCount == 0:
		return riskCartesian
	case keyCount == 1:
		return riskOneKey
	default:
		return riskMultiKey
	}
}
