package intent

import (
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

// compile runs Phase B: resolves aliases to canonical ids, determines
// task type, and infers join types via the §4.3 priority chain (spec
// §4.3 Phase B).
func (c *Compiler) compile(ex extraction) (*IntentSpec, error) {
	if len(ex.metrics) == 0 {
		return nil, rcaerrors.New(stageName, rcaerrors.KindUnresolvableMetric, nil,
			map[string]any{"query": ex.rawQuery})
	}
	for _, m := range ex.metrics {
		if c.cat.MetricByID(m) == nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindUnresolvableMetric, nil,
				map[string]any{"metric": m})
		}
	}
	for _, e := range ex.entities {
		if c.cat.EntityByID(e) == nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindUnresolvableEntity, nil,
				map[string]any{"entity": e})
		}
	}

	taskType := classifyTaskType(ex.rawQuery)

	var tables []string
	for _, sys := range ex.systems {
		for _, t := range c.cat.TablesBySystem(sys) {
			tables = append(tables, t.Name)
		}
	}

	joins := c.inferJoins(taskType, ex)

	spec := &IntentSpec{
		TaskType:      taskType,
		TargetMetrics: ex.metrics,
		Systems:       ex.systems,
		Entities:      ex.entities,
		Constraints:   ex.constraints,
		Grain:         ex.grain,
		TimeScope:     ex.timeScope,
		Joins:         joins,
		Tables:        tables,
	}
	return spec, nil
}

func classifyTaskType(rawQuery string) TaskType {
	lower := strings.ToLower(rawQuery)
	switch {
	case strings.Contains(lower, "why") || strings.Contains(lower, "reconcile") || strings.Contains(lower, "differ"):
		return TaskRCA
	case strings.Contains(lower, "validate") || strings.Contains(lower, "data quality"):
		return TaskDV
	default:
		return TaskQuery
	}
}

// inferJoins resolves join types via the §4.3 priority chain: (1) explicit
// syntax, (2) query-language hints, (3) business-context rules keyed by
// task_type, (4) lineage cardinality, (5) analyst patterns, (6) contextual
// default. Each inference records (join_type, confidence, source,
// reasoning, alternatives).
func (c *Compiler) inferJoins(task TaskType, ex extraction) []JoinSpec {
	if len(ex.systems) < 2 {
		return nil
	}
	lower := strings.ToLower(ex.rawQuery)

	left, right := ex.systems[0], ex.systems[1]
	jt, confidence, source, reasoning := resolveJoinType(task, lower, c.cat, left, right)

	return []JoinSpec{{
		Left:         left,
		Right:        right,
		Type:         jt,
		Confidence:   confidence,
		Source:       source,
		Reasoning:    reasoning,
		Alternatives: []JoinType{JoinInner, JoinLeft, JoinRight, JoinFull},
	}}
}

func resolveJoinType(task TaskType, lowerQuery string, cat *catalog.Catalog, left, right string) (JoinType, float64, string, string) {
	// (1) Explicit syntax in the query.
	switch {
	case strings.Contains(lowerQuery, "inner join") || strings.Contains(lowerQuery, "only matching"):
		return JoinInner, 1.0, "explicit", "query stated an explicit inner/only-matching join"
	case strings.Contains(lowerQuery, "left join"):
		return JoinLeft, 1.0, "explicit", "query stated an explicit left join"
	case strings.Contains(lowerQuery, "full join") || strings.Contains(lowerQuery, "include all"):
		return JoinFull, 1.0, "explicit", "query stated an explicit full/include-all join"
	}

	// (2) Query-language hints.
	switch {
	case strings.Contains(lowerQuery, "where not exists"):
		return JoinLeft, 0.9, "query_language", `"where not exists" implies a left anti-join pattern`
	}

	// (3) Business-context rules keyed by task_type.
	switch task {
	case TaskRCA:
		if strings.Contains(lowerQuery, "compare") {
			return JoinInner, 0.85, "business_context", "RCA + compare defaults to an inner join of matching rows"
		}
		return JoinLeft, 0.8, "business_context", "RCA defaults to a left join anchored on the left system"
	case TaskDV:
		return JoinInner, 0.85, "business_context", "data-validation tasks default to an inner join"
	case TaskQuery:
		if strings.Contains(lowerQuery, "all") {
			return JoinLeft, 0.75, "business_context", `"all" in a QUERY task defaults to a left join`
		}
	}

	// (4) Lineage cardinality.
	for _, t := range cat.TablesBySystem(left) {
		for _, e := range cat.Lineage {
			if e.From != t.Name {
				continue
			}
			rightTable := cat.TableByName(e.To)
			if rightTable == nil || rightTable.System != right {
				continue
			}
			switch e.Relationship {
			case catalog.OneToMany:
				return JoinLeft, 0.7, "cardinality", "one-to-many lineage edge implies a left join to preserve the one side"
			case catalog.ManyToMany:
				return JoinInner, 0.65, "cardinality", "many-to-many lineage edge defaults to an inner join"
			case catalog.OneToOne:
				return JoinLeft, 0.6, "cardinality", "one-to-one lineage edge defaults to a left join when the left is a core entity"
			}
		}
	}

	// (5) Analyst patterns: core entity on the left defaults to LEFT.
	return JoinLeft, 0.5, "analyst_pattern", "core entity assumed on the left; defaulting to left join"
}
