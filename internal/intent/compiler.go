package intent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "intent"

// Compiler implements the two-phase fail-fast intent compiler (spec §4.3).
type Compiler struct {
	cat       *catalog.Catalog
	hg        *hypergraph.Hypergraph
	threshold float64
}

// New builds a Compiler bound to one catalog generation and its derived
// hypergraph. threshold is the Phase A confidence cutoff; pass 0 to use
// the spec default of 0.7.
func New(cat *catalog.Catalog, hg *hypergraph.Hypergraph, threshold float64) *Compiler {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Compiler{cat: cat, hg: hg, threshold: threshold}
}

// Result is the union Assess/Clarify return: exactly one of Spec or
// Clarification is non-nil (spec §6 "assess(query) → Success(IntentSpec) |
// NeedsClarification(...) | Failed(message)"; Failed is the error return).
type Result struct {
	Spec          *IntentSpec
	Clarification *ClarificationNeeded
}

// Assess runs Phase A (confidence assessment) and, if confident enough,
// Phase B (compilation) in one call, per spec §4.3.
func (c *Compiler) Assess(rawQuery string) (Result, error) {
	return c.run(rawQuery)
}

// Clarify re-invokes the compiler with the user's answer concatenated onto
// the original query, satisfying testable property 7 (the compiler's
// output is independent of whether it sees query+answer in one call or
// two): concatenation is the entire "state" carried between calls.
func (c *Compiler) Clarify(rawQuery, answer string) (Result, error) {
	return c.run(rawQuery + " " + answer)
}

func (c *Compiler) run(rawQuery string) (Result, error) {
	if strings.TrimSpace(rawQuery) == "" {
		return Result{}, rcaerrors.New(stageName, rcaerrors.KindUnresolvableEntity, nil,
			map[string]any{"reason": "empty_query"})
	}

	ex := c.extract(rawQuery)
	total, missing := ex.score(c.cat)

	if total < c.threshold {
		return Result{Clarification: c.buildClarification(ex, missing)}, nil
	}

	spec, err := c.compile(ex)
	if err != nil {
		return Result{}, err
	}
	return Result{Spec: spec}, nil
}

func (c *Compiler) buildClarification(ex extraction, missing []string) *ClarificationNeeded {
	sort.Strings(missing)
	var parts []string
	for _, m := range missing {
		switch m {
		case "metric":
			parts = append(parts, "which metric you mean")
		case "systems":
			parts = append(parts, "which two systems to compare")
		case "target_grain":
			parts = append(parts, "what entity/grain to compare at")
		case "time_scope":
			parts = append(parts, "what date or time window applies")
		}
	}
	question := fmt.Sprintf("To answer this I need to know: %s.", strings.Join(parts, "; "))

	var candidateMetrics []string
	for _, m := range c.cat.Metrics {
		candidateMetrics = append(candidateMetrics, m.ID)
	}
	var candidateSystems []string
	seen := map[string]bool{}
	for _, t := range c.cat.Tables {
		if !seen[t.System] {
			candidateSystems = append(candidateSystems, t.System)
			seen[t.System] = true
		}
	}
	sort.Strings(candidateMetrics)
	sort.Strings(candidateSystems)

	return &ClarificationNeeded{
		Question: question,
		Missing:  missing,
		Partial: PartialUnderstanding{
			Metrics:   ex.metrics,
			Systems:   ex.systems,
			Entities:  ex.entities,
			Grain:     ex.grain,
			TimeScope: ex.timeScope,
		},
		Hints: ResponseHints{
			CandidateMetrics: candidateMetrics,
			CandidateSystems: candidateSystems,
		},
	}
}
