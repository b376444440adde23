// Package grain implements the Grain Resolver (spec §4.5): BFS over the
// Hypergraph to find a join path from a rule's native grain to the query's
// target grain, deciding when aggregation is legal and when a mapping
// table is required. Grounded on the teacher's internal/deps package's
// graph-traversal shape (breadth-first search over a dependency graph),
// generalized from issue dependencies to table lineage.
package grain

import (
	"fmt"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "grain"

const unknownRowCountDefault = 10_000
const costFactor = 0.0001

// JoinStep is one join the resolution plan requires.
type JoinStep struct {
	FromTable string
	ToTable   string
	Keys      map[string]string
	Cost      float64
}

// GrainResolutionPlan is the resolver's output (spec §4.5).
type GrainResolutionPlan struct {
	JoinPath             []JoinStep
	AggregationRequired  bool
	Description          string
	Cost                 float64
}

// Resolver resolves grain plans against one catalog/hypergraph pair.
type Resolver struct {
	cat *catalog.Catalog
	hg  *hypergraph.Hypergraph
}

// New builds a Resolver.
func New(cat *catalog.Catalog, hg *hypergraph.Hypergraph) *Resolver {
	return &Resolver{cat: cat, hg: hg}
}

// Resolve implements the algorithm of spec §4.5.
func (r *Resolver) Resolve(system string, sourceGrain, targetGrain []string, rootTable string) (*GrainResolutionPlan, error) {
	if sameSet(sourceGrain, targetGrain) {
		return &GrainResolutionPlan{Description: "source and target grain are identical; no join path required"}, nil
	}

	missing := subtract(targetGrain, columnsOf(r.cat, rootTable))

	if len(missing) == 0 {
		// Every target column already lives on the root table, so the target
		// grain sits inside the root's known-columns closure: each source
		// grain tuple determines one value for every target column.
		// Aggregation is needed exactly when the target does not carry the
		// whole source grain (grouping collapses rows); a target containing
		// the full source grain is row-preserving.
		return &GrainResolutionPlan{
			AggregationRequired: !isSubset(sourceGrain, targetGrain),
			Description:         fmt.Sprintf("target grain %v already present on root table %q", targetGrain, rootTable),
		}, nil
	}

	var joinPath []JoinStep
	current := rootTable
	var totalCost float64

	for _, col := range missing {
		targetTable, err := r.findTableWithColumn(system, col, current)
		if err != nil {
			return nil, rcaerrors.Wrap(stageName, rcaerrors.KindUnresolvableGrain, err, "partial_path", joinPath)
		}

		step, err := r.pathTo(current, targetTable)
		if err != nil {
			return nil, rcaerrors.Wrap(stageName, rcaerrors.KindUnresolvableGrain, err, "partial_path", joinPath)
		}
		joinPath = append(joinPath, step...)
		for _, s := range step {
			totalCost += s.Cost
		}
		current = targetTable
	}

	agg := len(sourceGrain) > len(targetGrain) || !isSubset(targetGrain, sourceGrain)

	return &GrainResolutionPlan{
		JoinPath:            joinPath,
		AggregationRequired: agg,
		Description:         fmt.Sprintf("resolved missing columns %v via %d join step(s)", missing, len(joinPath)),
		Cost:                totalCost,
	}, nil
}

// findTableWithColumn returns the first table in system, in catalog order
// and other than current, that declares col; reachability from current is
// not considered. If none declares it, it returns an error that Resolve
// wraps as UnresolvableGrain.
func (r *Resolver) findTableWithColumn(system, col, current string) (string, error) {
	for _, t := range r.cat.TablesBySystem(system) {
		if t.Name == current {
			continue
		}
		if t.HasColumn(col) {
			return t.Name, nil
		}
	}
	return "", fmt.Errorf("no table in system %q declares column %q", system, col)
}

// pathTo finds a lineage path from `from` to `to`, falling back to a direct
// join on any shared column (spec §4.5 step 4).
func (r *Resolver) pathTo(from, to string) ([]JoinStep, error) {
	if path, ok := r.hg.FindPath(from, to); ok && len(path.Steps) > 0 {
		steps := make([]JoinStep, len(path.Steps))
		for i, s := range path.Steps {
			fromTable, toTable := s.Edge.From, s.Edge.To
			keys := s.Edge.Keys
			if s.Reversed {
				fromTable, toTable = toTable, fromTable
				keys = reverseKeys(s.Edge.Keys)
			}
			steps[i] = JoinStep{FromTable: fromTable, ToTable: toTable, Keys: keys, Cost: r.edgeCost(fromTable, toTable)}
		}
		return steps, nil
	}

	// Fall back to a direct join on any shared column present in both
	// tables, per spec §4.5 step 4.
	fromTable := r.cat.TableByName(from)
	toTable := r.cat.TableByName(to)
	if fromTable == nil || toTable == nil {
		return nil, fmt.Errorf("unknown table in direct-join fallback: %q / %q", from, to)
	}
	shared := sharedColumns(fromTable, toTable)
	if len(shared) == 0 {
		return nil, fmt.Errorf("no lineage path and no shared column between %q and %q", from, to)
	}
	keys := map[string]string{}
	for _, c := range shared {
		keys[c] = c
	}
	return []JoinStep{{FromTable: from, ToTable: to, Keys: keys, Cost: r.edgeCost(from, to)}}, nil
}

func (r *Resolver) edgeCost(from, to string) float64 {
	return float64(r.rowCount(from)) * float64(r.rowCount(to)) * costFactor
}

func (r *Resolver) rowCount(table string) int64 {
	n := r.hg.GetTableNode(table)
	if n == nil || n.Stats.RowCount == 0 {
		return unknownRowCountDefault
	}
	return n.Stats.RowCount
}

func reverseKeys(keys map[string]string) map[string]string {
	out := make(map[string]string, len(keys))
	for k, v := range keys {
		out[v] = k
	}
	return out
}

func sharedColumns(a, b *catalog.Table) []string {
	var shared []string
	for _, c := range a.Columns {
		if b.HasColumn(c.Name) {
			shared = append(shared, c.Name)
		}
	}
	return shared
}

func columnsOf(cat *catalog.Catalog, table string) []string {
	t := cat.TableByName(table)
	if t == nil {
		return nil
	}
	return t.ColumnNames()
}

func subtract(a, b []string) []string {
	inB := map[string]bool{}
	for _, v := range b {
		inB[v] = true
	}
	var out []string
	for _, v := range a {
		if !inB[v] {
			out = append(out, v)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	return isSubset(a, b) && isSubset(b, a)
}

func isSubset(a, b []string) bool {
	inB := map[string]bool{}
	for _, v := range b {
		inB[v] = true
	}
	for _, v := range a {
		if !inB[v] {
			return false
		}
	}
	return true
}
