// Package rulecompiler implements the Rule Compiler (spec §4.6): lowers a
// Rule plus a grain resolution plan into a Pipeline IR, parsing
// natural-language and SQL-ish formulas and picking join types from
// cardinality. Grounded on the teacher's internal/formula package's
// expression-lowering shape, generalized from issue-field formulas to
// reconciliation rule formulas, and on internal/query's lexer/parser style
// for the additive term splitter in formula.go.
package rulecompiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/grain"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "rulecompiler"

// fineGrainExtraColumns is the threshold of spec §4.6 step 5: a table
// whose native grain has this many more columns than target_grain (or an
// extra date-like column) triggers pre-aggregation before it is joined in.
const fineGrainExtraColumns = 2

// Compile lowers rule into a Pipeline at the rule's own target grain,
// given its resolved grain plan and an inferred join type (spec §4.6).
func Compile(cat *catalog.Catalog, rule *catalog.Rule, plan *grain.GrainResolutionPlan, joinType pipeline.JoinType, joinReasoning string) (*pipeline.Pipeline, error) {
	return CompileForTarget(cat, rule, plan, rule.TargetGrain, joinType, joinReasoning)
}

// CompileForTarget lowers rule into a Pipeline whose terminal grain is
// targetGrain, which may be coarser than the rule's native grain: when the
// resolved plan requires finer→coarser aggregation, a re-grouping Group op
// is emitted after the formula so the metric lands at the query's grain
// (spec §4.5 step 6, §4.6 step 6).
func CompileForTarget(cat *catalog.Catalog, rule *catalog.Rule, plan *grain.GrainResolutionPlan, targetGrain []string, joinType pipeline.JoinType, joinReasoning string) (*pipeline.Pipeline, error) {
	root, err := pickRootTable(cat, rule)
	if err != nil {
		return nil, err
	}

	p := &pipeline.Pipeline{}
	p.Scan(root.Name)

	// Declared filter_conditions apply at the rule's root: a rule scoped
	// to one segment filters before any join widens the population.
	filterKeys := make([]string, 0, len(rule.Computation.FilterConditions))
	for k := range rule.Computation.FilterConditions {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)
	for _, k := range filterKeys {
		p.Filter(fmt.Sprintf("%s = %s", k, rule.Computation.FilterConditions[k]))
	}

	for _, step := range plan.JoinPath {
		joinOp := pipeline.JoinOp{
			Table:      step.ToTable,
			Type:       joinType,
			Confidence: 1.0,
			Reasoning:  joinReasoning,
		}
		for l, r := range step.Keys {
			joinOp.On = append(joinOp.On, pipeline.JoinKey{Left: l, Right: r})
		}
		if needsPreAggregation(cat, step.ToTable, targetGrain, joinOp.On) {
			joinOp.PreAggregate = &pipeline.GroupOp{
				By:  append(append([]string(nil), targetGrain...), joinKeyRightColumns(joinOp.On)...),
				Agg: map[string]pipeline.AggFunc{},
			}
		}
		p.Join(joinOp)
	}

	if err := applyFormula(p, rule, targetGrain); err != nil {
		return nil, err
	}

	// Re-aggregate to the query's coarser grain when the plan says the
	// rule's native grain is finer than the target (spec §3.4 inv. 5:
	// finer→coarser only).
	if plan.AggregationRequired && !sameSet(targetGrain, rule.TargetGrain) {
		p.Group(targetGrain, map[string]pipeline.AggFunc{rule.Metric: pipeline.Sum})
	}

	selectCols := make([]pipeline.SelectColumn, 0, len(targetGrain)+1)
	for _, g := range targetGrain {
		selectCols = append(selectCols, pipeline.SelectColumn{Source: g})
	}
	selectCols = append(selectCols, pipeline.SelectColumn{Source: rule.Metric})
	p.Select(selectCols...)

	return p, nil
}

// RootTable exposes the root-table choice of spec §4.6 step 1 to callers
// that need it before compiling, e.g. the engine feeding the Grain
// Resolver the table its BFS starts from.
func RootTable(cat *catalog.Catalog, rule *catalog.Rule) (*catalog.Table, error) {
	return pickRootTable(cat, rule)
}

// unionColumns appends the elements of extra not already in base,
// preserving order.
func unionColumns(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := map[string]bool{}
	for _, c := range base {
		seen[c] = true
	}
	for _, c := range extra {
		if !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	return out
}

// pickRootTable implements spec §4.6 step 1: among tables of the rule's
// target_entity in the rule's system, prefer the one that covers
// target_grain and then the one containing the most formula columns.
func pickRootTable(cat *catalog.Catalog, rule *catalog.Rule) (*catalog.Table, error) {
	var candidates []*catalog.Table
	for _, t := range cat.TablesByEntity(rule.TargetEntity) {
		if t.System == rule.System {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, rcaerrors.New(stageName, rcaerrors.KindUnresolvableGrain, nil,
			map[string]any{"reason": "no_table_for_entity", "entity": rule.TargetEntity, "system": rule.System})
	}

	formulaCols := formulaColumns(rule)

	best := candidates[0]
	bestScore := -1
	bestCoversGrain := false
	for _, t := range candidates {
		covers := coversAll(t, rule.TargetGrain)
		score := 0
		for _, c := range formulaCols {
			if t.HasColumn(c) {
				score++
			}
		}
		if covers && !bestCoversGrain {
			best, bestScore, bestCoversGrain = t, score, true
			continue
		}
		if covers == bestCoversGrain && score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, nil
}

func formulaColumns(rule *catalog.Rule) []string {
	entities := make([]string, 0, len(rule.Computation.AttributesNeeded))
	for ent := range rule.Computation.AttributesNeeded {
		entities = append(entities, ent)
	}
	// Sorted so phrase resolution sees candidates in a stable order.
	sort.Strings(entities)

	var cols []string
	seen := map[string]bool{}
	for _, ent := range entities {
		for _, c := range rule.Computation.AttributesNeeded[ent] {
			if !seen[c] {
				cols = append(cols, c)
				seen[c] = true
			}
		}
	}
	return cols
}

func coversAll(t *catalog.Table, cols []string) bool {
	for _, c := range cols {
		if !t.HasColumn(c) {
			return false
		}
	}
	return true
}

func joinKeyRightColumns(keys []pipeline.JoinKey) []string {
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = k.Right
	}
	return cols
}

// needsPreAggregation implements spec §4.6 step 5: pre-aggregate a joined
// table when its native grain is substantially finer than target_grain (≥2
// extra columns beyond the join key set, or it carries a date-like extra
// column), skipping when the pre-aggregation key set equals the table's
// native grain (no-op).
func needsPreAggregation(cat *catalog.Catalog, table string, targetGrain []string, on []pipeline.JoinKey) bool {
	t := cat.TableByName(table)
	if t == nil {
		return false
	}
	keySet := map[string]bool{}
	for _, g := range targetGrain {
		keySet[g] = true
	}
	for _, k := range on {
		keySet[k.Right] = true
	}

	extra := 0
	hasDateLike := false
	for _, c := range t.Columns {
		if keySet[c.Name] {
			continue
		}
		extra++
		if strings.Contains(strings.ToLower(c.Name), "date") || strings.Contains(strings.ToLower(c.Name), "time") {
			hasDateLike = true
		}
	}

	if extra >= fineGrainExtraColumns || hasDateLike {
		if sameColumnSet(keySet, t.ColumnNames()) {
			return false
		}
		hasNumeric := false
		for _, c := range t.Columns {
			if c.DataType == "decimal" || c.DataType == "int" || c.DataType == "float" {
				hasNumeric = true
			}
		}
		return hasNumeric
	}
	return false
}

func sameColumnSet(keySet map[string]bool, cols []string) bool {
	if len(keySet) != len(cols) {
		return false
	}
	for _, c := range cols {
		if !keySet[c] {
			return false
		}
	}
	return true
}

// applyFormula implements spec §4.6 step 4's translation and pipeline
// emission rules. targetGrain columns ride through any Group it emits so
// a later re-grouping to a coarser query grain still has its keys.
func applyFormula(p *pipeline.Pipeline, rule *catalog.Rule, targetGrain []string) error {
	candidates := formulaColumns(rule)
	tf := translateFormula(rule.Computation.Formula, candidates)
	groupBy := unionColumns(rule.Computation.AggregationGrain, targetGrain)

	// Every column the translated formula names must come from the rule's
	// attributes_needed; a phrase that resolved to nothing would otherwise
	// aggregate a nonexistent column to zero silently.
	known := map[string]bool{}
	for _, c := range candidates {
		known[c] = true
	}
	var resolved []string
	if tf.bareColumn != "" {
		resolved = []string{tf.bareColumn}
	} else {
		for _, t := range tf.terms {
			resolved = append(resolved, t.column)
		}
	}
	for _, c := range resolved {
		if c == "*" { // COUNT(*) names no attribute
			continue
		}
		if !known[c] {
			return rcaerrors.New(stageName, rcaerrors.KindExpressionParseError,
				fmt.Errorf("formula term %q resolves to no declared attribute", c),
				map[string]any{"formula": rule.Computation.Formula, "rule": rule.ID, "recoverable": false})
		}
	}

	if tf.bareColumn != "" {
		if sameSet(rule.Computation.AggregationGrain, rule.TargetGrain) {
			// Bare column, aggregation_grain == target_grain: skip Group,
			// alias the column directly in the terminal Select (handled by
			// Compile, which always selects rule.Metric as the final name;
			// here we just Derive an identity pass-through so the column is
			// available under the metric's name).
			p.Derive(tf.bareColumn, rule.Metric)
			return nil
		}
		p.Group(groupBy, map[string]pipeline.AggFunc{tf.bareColumn: pipeline.Passthrough})
		p.Derive(tf.bareColumn, rule.Metric)
		return nil
	}

	if len(tf.terms) == 0 {
		return rcaerrors.New(stageName, rcaerrors.KindExpressionParseError, fmt.Errorf("empty formula"),
			map[string]any{"formula": rule.Computation.Formula, "recoverable": false})
	}

	agg := make(map[string]pipeline.AggFunc, len(tf.terms))
	for _, t := range tf.terms {
		agg[t.column] = t.agg
	}
	// Group emits one row per aggregation_grain tuple, with every
	// aggregated column present under its original name; the recombining
	// Derive below reads those columns by that name, and Group renames
	// nothing (spec leaves column naming after Group as an implementation
	// detail of the materializer).
	p.Group(groupBy, agg)

	// Build the recombination expression over the Group's own column names
	// (not the "agg_" alias used internally by formula.go for clarity);
	// translate alias references back to the plain column name the Group
	// op actually produced.
	expr := rewriteAliasesToColumns(tf)
	p.Derive(expr, rule.Metric)
	return nil
}

func rewriteAliasesToColumns(tf translatedFormula) string {
	var b strings.Builder
	for i, t := range tf.terms {
		if i == 0 {
			if t.sign < 0 {
				b.WriteString("-")
			}
		} else if t.sign < 0 {
			b.WriteString(" - ")
		} else {
			b.WriteString(" + ")
		}
		b.WriteString(t.column)
	}
	return b.String()
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}
