package catalog

import (
	"fmt"
)

// validate checks the cross-reference and invariant rules from spec §3.4
// that the loader can verify statically, at load time, rather than letting
// them surface as query-time failures (spec §4.1).
func (c *Catalog) validate() error {
	for _, t := range c.Tables {
		if t.Entity != "" && c.EntityByID(t.Entity) == nil {
			return fmt.Errorf("table %q references unknown entity %q", t.Name, t.Entity)
		}
	}

	// Invariant 2: every LineageEdge references two existing tables, and
	// every key pair references columns present in both.
	for _, e := range c.Lineage {
		left := c.TableByName(e.From)
		right := c.TableByName(e.To)
		if left == nil {
			return fmt.Errorf("lineage edge references unknown table %q", e.From)
		}
		if right == nil {
			return fmt.Errorf("lineage edge references unknown table %q", e.To)
		}
		for lk, rk := range e.Keys {
			if !left.HasColumn(lk) {
				return fmt.Errorf("lineage edge %s->%s: left key %q not present on %q", e.From, e.To, lk, e.From)
			}
			if !right.HasColumn(rk) {
				return fmt.Errorf("lineage edge %s->%s: right key %q not present on %q", e.From, e.To, rk, e.To)
			}
		}
	}

	// Open Question (§9): target_grain must agree with
	// computation.aggregation_grain when both are set — a disagreement is a
	// catalog validation error rather than a guess, per the spec's decision
	// to resolve the source's two aggregation-grain concepts explicitly.
	// Invariant 1 (target_grain producible from source_entities) is not
	// checked here; the grain resolver fails at plan time when no table
	// declares a target_grain column.
	for _, r := range c.Rules {
		if err := c.validateRule(&r); err != nil {
			return err
		}
	}

	// Invariant 3: at most one canonical identifier mapping per (entity, system).
	// Enforced incrementally in buildIndexes for non-inferred duplicates.
	for _, im := range c.Identity {
		if im.Entity == "" || im.System == "" || im.Column == "" || im.CanonicalColumn == "" {
			return fmt.Errorf("identity mapping missing required field: %+v", im)
		}
	}

	for _, ar := range c.AsOfRules {
		if c.TableByName(ar.Table) == nil {
			return fmt.Errorf("as-of rule references unknown table %q", ar.Table)
		}
	}

	return nil
}

func (c *Catalog) validateRule(r *Rule) error {
	known := map[string]bool{}
	for _, ent := range r.Computation.SourceEntities {
		for _, col := range r.Computation.AttributesNeeded[ent] {
			known[col] = true
		}
		if e := c.EntityByID(ent); e != nil {
			for _, col := range e.Grain {
				known[col] = true
			}
		}
	}
	for _, col := range r.TargetGrain {
		known[col] = true // target_grain columns are assumed producible once reachable; grain resolver enforces this at plan time
	}

	if len(r.Computation.AggregationGrain) > 0 {
		if !sameGrain(r.TargetGrain, r.Computation.AggregationGrain) {
			return fmt.Errorf(
				"rule %q: target_grain %v disagrees with computation.aggregation_grain %v (spec §9 open question: this must be resolved in the catalog, not guessed at query time)",
				r.ID, r.TargetGrain, r.Computation.AggregationGrain,
			)
		}
	}

	return nil
}

func sameGrain(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}
