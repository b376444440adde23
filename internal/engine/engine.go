// Package engine wires the pipeline stages into the per-query state
// machine of spec §4.10 and exposes the core's contract to the shell
// (spec §6): assess, clarify, execute, traverse. One Engine is built per
// catalog generation and shared across queries; every query owns its own
// intermediate frames and is driven stage-by-stage on a single goroutine
// (spec §5). Grounded on the teacher's cmd/bd main.go wiring shape (one
// storage handle built at startup, handed to every command) lifted into a
// reusable library type so the CLI and any future HTTP shell share it.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/config"
	"github.com/reconcile-labs/reconcile/internal/dataframe"
	"github.com/reconcile-labs/reconcile/internal/grain"
	"github.com/reconcile-labs/reconcile/internal/guardrail"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/intent"
	"github.com/reconcile-labs/reconcile/internal/llm"
	"github.com/reconcile-labs/reconcile/internal/materialize"
	"github.com/reconcile-labs/reconcile/internal/obs"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
	"github.com/reconcile-labs/reconcile/internal/reasoner"
	"github.com/reconcile-labs/reconcile/internal/reconcile"
	"github.com/reconcile-labs/reconcile/internal/rulecompiler"
)

// Stage names of the per-query execution state machine (spec §4.10).
const (
	StageRuleSelect      = "rule_select"
	StageGrainResolve    = "grain_resolve"
	StagePipelineCompile = "pipeline_compile"
	StageSafetyCheck     = "safety_check"
	StageExecute         = "execute"
	StageNormalize       = "normalize"
	StageReconcile       = "reconcile"
)

// Engine is the orchestrator. The catalog and hypergraph it holds are
// read-only after construction and shared across all queries without
// locking (spec §5); the compiled-pipeline cache is the only mutable
// state and is keyed by catalog generation.
type Engine struct {
	cat   *catalog.Catalog
	hg    *hypergraph.Hypergraph
	cfg   config.Config
	comp  *intent.Compiler
	rsn   *reasoner.Reasoner
	grain *grain.Resolver
	guard *guardrail.Guardrail
	exec  *materialize.Executor
	recon *reconcile.Reconciler
	log   *obs.StageLogger

	mu    sync.RWMutex
	cache map[string]cachedPipeline
}

// cachedPipeline is one process-wide compiled-pipeline cache entry. A
// query captures the catalog generation at intent-ready and rejects
// entries from older generations (spec §5 "Shared resources").
type cachedPipeline struct {
	generation uint64
	p          *pipeline.Pipeline
}

// New builds an Engine over one loaded catalog. llmClient may be nil; the
// reasoner then resolves every escalation deterministically.
func New(cat *catalog.Catalog, hg *hypergraph.Hypergraph, cfg config.Config, src materialize.Source, llmClient *llm.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cat:   cat,
		hg:    hg,
		cfg:   cfg,
		comp:  intent.New(cat, hg, cfg.ClarificationThreshold),
		rsn:   reasoner.New(cat, llmClient),
		grain: grain.New(cat, hg),
		guard: guardrail.New(hg),
		exec:  materialize.New(cat, src),
		recon: reconcile.New(cfg.ValueTolerance),
		log:   obs.NewStageLogger(logger),
		cache: map[string]cachedPipeline{},
	}
}

// Assess compiles a natural-language query into an IntentSpec or a
// consolidated clarification question (spec §6).
func (e *Engine) Assess(ctx context.Context, query string) (intent.Result, error) {
	start := time.Now()
	queryID := uuid.NewString()
	res, err := e.comp.Assess(query)
	switch {
	case err != nil:
		e.log.Transition(ctx, "intent", queryID, obs.OutcomeFailed, start, err.Error())
	case res.Clarification != nil:
		e.log.Transition(ctx, "intent", queryID, obs.OutcomeEscalated, start, res.Clarification.Question)
	default:
		e.log.Transition(ctx, "intent", queryID, obs.OutcomeOK, start, "")
	}
	return res, err
}

// Clarify re-invokes the compiler with the user's answer attached
// (spec §4.3 Phase A's re-invocation protocol).
func (e *Engine) Clarify(ctx context.Context, query, answer string) (intent.Result, error) {
	start := time.Now()
	queryID := uuid.NewString()
	res, err := e.comp.Clarify(query, answer)
	outcome := obs.OutcomeOK
	if err != nil {
		outcome = obs.OutcomeFailed
	} else if res.Clarification != nil {
		outcome = obs.OutcomeEscalated
	}
	e.log.Transition(ctx, "intent", queryID, outcome, start, "")
	return res, err
}

// ExecuteOptions carries the caller's per-query switches.
type ExecuteOptions struct {
	// Override lets the caller run a plan the guardrail flagged,
	// including a Cartesian join, which is otherwise hard-blocked.
	Override bool
}

// SideReport is everything one side's materialization produced, kept for
// auditability alongside the reconciliation itself.
type SideReport struct {
	System    string
	Selected  *reasoner.SelectedRule
	GrainPlan *grain.GrainResolutionPlan
	Pipeline  *pipeline.Pipeline
	Safety    guardrail.SafetyAssessment
	Rows      int

	frame       *dataframe.Frame
	asOfApplied bool
}

// RCAResult is the reconciliation result object returned to the shell
// (spec §6 "execute(IntentSpec) → RCAResult | ExecutionError").
type RCAResult struct {
	QueryID        string
	TaskType       intent.TaskType
	Metric         string
	TargetGrain    []string
	CanonicalKey   []string
	AsOf           string
	Left           SideReport
	Right          SideReport
	Reconciliation *reconcile.Result
	Duration       time.Duration
}

// Execute drives one IntentSpec through RuleSelect → GrainResolve →
// PipelineCompile → SafetyCheck → Execute → Normalize → Reconcile
// (spec §4.10), checking the deadline and cancellation token between
// stages (spec §5).
func (e *Engine) Execute(ctx context.Context, spec *intent.IntentSpec, opts ExecuteOptions) (*RCAResult, error) {
	start := time.Now()
	queryID := uuid.NewString()
	timeout := e.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = config.Defaults().QueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(spec.TargetMetrics) == 0 {
		return nil, rcaerrors.New(StageRuleSelect, rcaerrors.KindUnresolvableMetric, nil,
			map[string]any{"reason": "intent names no metric"})
	}
	if len(spec.Systems) < 2 {
		return nil, rcaerrors.New(StageRuleSelect, rcaerrors.KindContradictoryConstraints, nil,
			map[string]any{"reason": "reconciliation needs two systems", "systems": spec.Systems})
	}
	metric := spec.TargetMetrics[0]

	leftSel, err := e.selectRule(ctx, queryID, spec, spec.Systems[0], metric)
	if err != nil {
		return nil, err
	}
	rightSel, err := e.selectRule(ctx, queryID, spec, spec.Systems[1], metric)
	if err != nil {
		return nil, err
	}

	targetGrain := spec.Grain
	if len(targetGrain) == 0 {
		targetGrain = commonGrain(leftSel.Rule.TargetGrain, rightSel.Rule.TargetGrain)
	}

	joinType, joinReasoning := joinChoice(spec)

	var asOf string
	if spec.TimeScope != nil {
		asOf = spec.TimeScope.AsOf
	}

	left, err := e.runSide(ctx, queryID, spec.Systems[0], leftSel, targetGrain, joinType, joinReasoning, asOf, opts.Override)
	if err != nil {
		return nil, err
	}
	right, err := e.runSide(ctx, queryID, spec.Systems[1], rightSel, targetGrain, joinType, joinReasoning, asOf, opts.Override)
	if err != nil {
		return nil, err
	}

	key, err := e.canonicalKey(targetGrain, leftSel.Rule, rightSel.Rule)
	if err != nil {
		return nil, err
	}

	if err := checkCtx(ctx, StageReconcile); err != nil {
		return nil, err
	}
	reconStart := time.Now()
	res, err := e.recon.ReconcileWithContext(left.frame, right.frame, key, metric,
		e.sideContext(left), e.sideContext(right))
	if err != nil {
		e.log.Transition(ctx, StageReconcile, queryID, obs.OutcomeFailed, reconStart, err.Error())
		return nil, err
	}
	e.log.Transition(ctx, StageReconcile, queryID, obs.OutcomeOK, reconStart, "")

	return &RCAResult{
		QueryID:        queryID,
		TaskType:       spec.TaskType,
		Metric:         metric,
		TargetGrain:    targetGrain,
		CanonicalKey:   key,
		AsOf:           asOf,
		Left:           *left,
		Right:          *right,
		Reconciliation: res,
		Duration:       time.Since(start),
	}, nil
}

// selectRule runs the RuleSelect stage for one side.
func (e *Engine) selectRule(ctx context.Context, queryID string, spec *intent.IntentSpec, system, metric string) (*reasoner.SelectedRule, error) {
	if err := checkCtx(ctx, StageRuleSelect); err != nil {
		return nil, err
	}
	start := time.Now()
	sel, err := e.rsn.Select(ctx, spec, system, metric)
	if err != nil {
		e.log.Transition(ctx, StageRuleSelect, queryID, obs.OutcomeFailed, start, err.Error())
		return nil, err
	}
	outcome := obs.OutcomeOK
	if sel.Confidence <= 0.6 {
		outcome = obs.OutcomeEscalated
	}
	e.log.Transition(ctx, StageRuleSelect, queryID, outcome, start, sel.Reasoning)
	return sel, nil
}

// runSide drives one side from grain resolution through materialization.
func (e *Engine) runSide(ctx context.Context, queryID, system string, sel *reasoner.SelectedRule, targetGrain []string, joinType pipeline.JoinType, joinReasoning, asOf string, override bool) (*SideReport, error) {
	rule := sel.Rule

	if err := checkCtx(ctx, StageGrainResolve); err != nil {
		return nil, err
	}
	stageStart := time.Now()
	root, err := rulecompiler.RootTable(e.cat, rule)
	if err != nil {
		e.log.Transition(ctx, StageGrainResolve, queryID, obs.OutcomeFailed, stageStart, err.Error())
		return nil, err
	}
	plan, err := e.grain.Resolve(system, rule.TargetGrain, targetGrain, root.Name)
	if err != nil {
		e.log.Transition(ctx, StageGrainResolve, queryID, obs.OutcomeFailed, stageStart, err.Error())
		return nil, err
	}
	e.log.Transition(ctx, StageGrainResolve, queryID, obs.OutcomeOK, stageStart, plan.Description)

	if err := checkCtx(ctx, StagePipelineCompile); err != nil {
		return nil, err
	}
	stageStart = time.Now()
	p, err := e.compiledPipeline(rule, plan, targetGrain, joinType, joinReasoning)
	if err != nil {
		e.log.Transition(ctx, StagePipelineCompile, queryID, obs.OutcomeFailed, stageStart, err.Error())
		return nil, err
	}
	e.log.Transition(ctx, StagePipelineCompile, queryID, obs.OutcomeOK, stageStart, "")

	if err := checkCtx(ctx, StageSafetyCheck); err != nil {
		return nil, err
	}
	stageStart = time.Now()
	assessment, err := e.guard.Check(p, e.cfg, override)
	if err != nil {
		e.log.Transition(ctx, StageSafetyCheck, queryID, obs.OutcomeRefused, stageStart, strings.Join(assessment.Reasons, "; "))
		return nil, err
	}
	e.log.Transition(ctx, StageSafetyCheck, queryID, obs.OutcomeOK, stageStart, "")

	if err := checkCtx(ctx, StageExecute); err != nil {
		return nil, err
	}
	stageStart = time.Now()
	frame, err := e.exec.Execute(p, rule.TargetEntity, system, asOf)
	if err != nil {
		e.log.Transition(ctx, StageExecute, queryID, obs.OutcomeFailed, stageStart, err.Error())
		return nil, err
	}
	e.log.Transition(ctx, StageExecute, queryID, obs.OutcomeOK, stageStart, "")

	if err := checkCtx(ctx, StageNormalize); err != nil {
		return nil, err
	}
	stageStart = time.Now()
	frame = materialize.Determinism(frame, e.canonicalColumns(targetGrain, rule))
	e.log.Transition(ctx, StageNormalize, queryID, obs.OutcomeOK, stageStart, "")

	return &SideReport{
		System:      system,
		Selected:    sel,
		GrainPlan:   plan,
		Pipeline:    p,
		Safety:      assessment,
		Rows:        frame.NumRows(),
		frame:       frame,
		asOfApplied: asOf != "" && e.pipelineHasAsOf(p),
	}, nil
}

// pipelineHasAsOf reports whether any table the pipeline scans or joins
// carries an AsOfRule, i.e. whether an as-of value actually sliced this
// side rather than degrading to a no-op.
func (e *Engine) pipelineHasAsOf(p *pipeline.Pipeline) bool {
	for _, t := range p.ScanTables() {
		if e.cat.AsOfFor(t) != nil {
			return true
		}
	}
	return false
}

// sideContext packages one side's rule and identity facts for the
// reconciler's root-cause classifier (spec §4.9).
func (e *Engine) sideContext(side *SideReport) *reconcile.SideContext {
	rule := side.Selected.Rule
	sc := &reconcile.SideContext{
		System:           side.System,
		RuleID:           rule.ID,
		FilterConditions: rule.Computation.FilterConditions,
		AsOfApplied:      side.asOfApplied,
	}
	if im := e.cat.IdentityFor(rule.TargetEntity, rule.System); im != nil {
		sc.IdentityColumn = im.CanonicalColumn
	}
	return sc
}

// compiledPipeline consults the process-wide cache before lowering the
// rule. Entries from an older catalog generation are recompiled.
func (e *Engine) compiledPipeline(rule *catalog.Rule, plan *grain.GrainResolutionPlan, targetGrain []string, joinType pipeline.JoinType, joinReasoning string) (*pipeline.Pipeline, error) {
	key := rule.ID + "|" + strings.Join(targetGrain, ",") + "|" + string(joinType)

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && entry.generation == e.cat.Generation {
		return entry.p, nil
	}

	p, err := rulecompiler.CompileForTarget(e.cat, rule, plan, targetGrain, joinType, joinReasoning)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = cachedPipeline{generation: e.cat.Generation, p: p}
	e.mu.Unlock()
	return p, nil
}

// canonicalColumns maps the target grain through this side's identity
// mapping so the final sort and the reconciliation key both use canonical
// names (spec §4.7 identity normalization renames before this point).
func (e *Engine) canonicalColumns(targetGrain []string, rule *catalog.Rule) []string {
	im := e.cat.IdentityFor(rule.TargetEntity, rule.System)
	out := make([]string, len(targetGrain))
	for i, c := range targetGrain {
		if im != nil && im.Column == c {
			out[i] = im.CanonicalColumn
		} else {
			out[i] = c
		}
	}
	return out
}

// canonicalKey computes the shared reconciliation key and rejects sides
// whose identity mappings disagree on canonical names (spec §3.4 inv. 3).
func (e *Engine) canonicalKey(targetGrain []string, left, right *catalog.Rule) ([]string, error) {
	lk := e.canonicalColumns(targetGrain, left)
	rk := e.canonicalColumns(targetGrain, right)
	for i := range lk {
		if lk[i] != rk[i] {
			return nil, rcaerrors.New(StageReconcile, rcaerrors.KindUnresolvableGrain, nil,
				map[string]any{"reason": "identity mappings disagree on canonical key",
					"left": lk, "right": rk})
		}
	}
	return lk, nil
}

// commonGrain picks the coarsest grain both sides can reach (spec §4.5):
// the intersection when it is non-empty, otherwise the smaller of the two.
func commonGrain(a, b []string) []string {
	inB := map[string]bool{}
	for _, c := range b {
		inB[c] = true
	}
	var both []string
	for _, c := range a {
		if inB[c] {
			both = append(both, c)
		}
	}
	if len(both) > 0 {
		return both
	}
	if len(b) < len(a) {
		return append([]string(nil), b...)
	}
	return append([]string(nil), a...)
}

// joinChoice reads the intent's inferred join decision, defaulting to the
// RCA business-context default of spec §4.3 when the compiler recorded
// none.
func joinChoice(spec *intent.IntentSpec) (pipeline.JoinType, string) {
	if len(spec.Joins) > 0 {
		j := spec.Joins[0]
		return pipeline.JoinType(string(j.Type)), j.Reasoning
	}
	return pipeline.Left, "no join inference recorded; defaulting to a left join anchored on the left system"
}

// checkCtx converts a dead context into the taxonomy's Timeout/Cancelled
// kinds (spec §5 "Cancellation", §7).
func checkCtx(ctx context.Context, stage string) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return rcaerrors.New(stage, rcaerrors.KindTimeout, ctx.Err(), nil)
	case context.Canceled:
		return rcaerrors.New(stage, rcaerrors.KindCancelled, ctx.Err(), nil)
	}
	return nil
}
