package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/reasoner"
	"github.com/reconcile-labs/reconcile/internal/rulecompiler"
)

// TraversalStep is one stage of the explanatory walk.
type TraversalStep struct {
	Stage       string
	Description string
}

// TraversalState is the explanatory path of spec §6's optional
// `traverse(query)` call: the same planning walk Execute performs, stopped
// before any data is read, so a caller can see what would run and why.
type TraversalState struct {
	Query         string
	Clarification string
	Steps         []TraversalStep
}

// Traverse plans a query end-to-end without executing it. A query that
// needs clarification yields a state whose Clarification is the
// consolidated question and whose steps end at the intent stage.
func (e *Engine) Traverse(ctx context.Context, query string) (*TraversalState, error) {
	state := &TraversalState{Query: query}

	res, err := e.comp.Assess(query)
	if err != nil {
		return nil, err
	}
	if res.Clarification != nil {
		state.Clarification = res.Clarification.Question
		state.Steps = append(state.Steps, TraversalStep{
			Stage:       "intent",
			Description: fmt.Sprintf("confidence below threshold; missing %s", strings.Join(res.Clarification.Missing, ", ")),
		})
		return state, nil
	}
	spec := res.Spec
	state.Steps = append(state.Steps, TraversalStep{
		Stage: "intent",
		Description: fmt.Sprintf("task=%s metric=%s systems=%v grain=%v",
			spec.TaskType, spec.TargetMetrics, spec.Systems, spec.Grain),
	})

	if len(spec.Systems) < 2 || len(spec.TargetMetrics) == 0 {
		return state, nil
	}
	metric := spec.TargetMetrics[0]
	joinType, joinReasoning := joinChoice(spec)

	var sels []*reasoner.SelectedRule
	for _, system := range spec.Systems[:2] {
		sel, err := e.rsn.Select(ctx, spec, system, metric)
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
		state.Steps = append(state.Steps, TraversalStep{
			Stage:       StageRuleSelect,
			Description: fmt.Sprintf("%s: rule %s (confidence %.2f): %s", system, sel.Rule.ID, sel.Confidence, sel.Reasoning),
		})
	}

	targetGrain := spec.Grain
	if len(targetGrain) == 0 {
		targetGrain = commonGrain(sels[0].Rule.TargetGrain, sels[1].Rule.TargetGrain)
	}

	for i, system := range spec.Systems[:2] {
		sel := sels[i]
		root, err := rulecompiler.RootTable(e.cat, sel.Rule)
		if err != nil {
			return nil, err
		}
		plan, err := e.grain.Resolve(system, sel.Rule.TargetGrain, targetGrain, root.Name)
		if err != nil {
			return nil, err
		}
		state.Steps = append(state.Steps, TraversalStep{
			Stage:       StageGrainResolve,
			Description: fmt.Sprintf("%s: %s (aggregation=%v, %d join step(s))", system, plan.Description, plan.AggregationRequired, len(plan.JoinPath)),
		})

		p, err := e.compiledPipeline(sel.Rule, plan, targetGrain, joinType, joinReasoning)
		if err != nil {
			return nil, err
		}
		state.Steps = append(state.Steps, TraversalStep{
			Stage:       StagePipelineCompile,
			Description: fmt.Sprintf("%s: %d op(s) over %v (join type %s: %s)", system, len(p.Ops), p.ScanTables(), joinType, joinReasoning),
		})

		a := e.guard.Assess(p, e.cfg)
		state.Steps = append(state.Steps, TraversalStep{
			Stage: StageSafetyCheck,
			Description: fmt.Sprintf("%s: rows~%d mem~%.1fMB risk=%.2f override_required=%v",
				system, a.EstimatedRowsScanned, a.EstimatedMemoryMB, a.EstimatedJoinExplosionRisk, a.RequiresOverride),
		})
	}

	return state, nil
}
