// Package hypergraph derives a queryable graph of tables and columns from a
// catalog.Catalog (spec §4.2). It is a thin, read-only adapter: nodes are
// tables and columns, hyperedges are lineage joins carrying keys,
// cardinality and cost statistics. The Hypergraph never mutates the
// catalog; its only mutation after construction is SetTableRowCount, which
// overrides a table node's row-count statistic (spec §3.5).
package hypergraph

import (
	"sort"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
)

// JoinAlgorithm is a hint carried on each hyperedge for downstream planners.
type JoinAlgorithm string

const (
	HashJoin JoinAlgorithm = "HashJoin"
)

// NodeStatistics carries the observed/estimated shape of a table or column,
// used by cost models in the Grain Resolver, Rule Compiler and Guardrail.
type NodeStatistics struct {
	RowCount     int64
	Cardinality  int64
	LastUpdated  string
	NullRate     float64
	TopNValues   []string
	DistinctCount int64
}

// TableNode is a graph node for one catalog table.
type TableNode struct {
	Name  string
	Table *catalog.Table
	Stats NodeStatistics
}

// ColumnNode is a graph node for one (table, column) pair.
type ColumnNode struct {
	Table      string
	Column     string
	TopNValues []string
}

// Edge is a hyperedge derived from a catalog.LineageEdge, with a default
// join algorithm hint and cost placeholders that are overridden once a
// query has observed real cardinalities (spec §4.2).
type Edge struct {
	From         string
	To           string
	Keys         map[string]string
	Relationship catalog.Relationship
	Algorithm    JoinAlgorithm
	Selectivity  float64
	Cardinality  int64
}

// Hypergraph is the derived, read-only graph over a Catalog.
type Hypergraph struct {
	cat   *catalog.Catalog
	nodes map[string]*TableNode
	// outgoing[a] -> edges from a to any b; the hypergraph treats lineage as
	// directed but find_path treats edges as traversable in both directions,
	// matching spec §4.2's undirected BFS over a directed cardinality model.
	outgoing map[string][]*Edge
	incoming map[string][]*Edge
	columns  map[string]map[string]*ColumnNode // table -> column -> node
}

// Build derives a Hypergraph from a Catalog. Row counts default to zero
// (unknown) until a caller overrides them via SetTableRowCount; the cost
// model treats an unknown row count as 10,000 (spec §4.5).
func Build(cat *catalog.Catalog) *Hypergraph {
	h := &Hypergraph{
		cat:      cat,
		nodes:    map[string]*TableNode{},
		outgoing: map[string][]*Edge{},
		incoming: map[string][]*Edge{},
		columns:  map[string]map[string]*ColumnNode{},
	}

	for i := range cat.Tables {
		t := &cat.Tables[i]
		h.nodes[t.Name] = &TableNode{Name: t.Name, Table: t}
		cols := map[string]*ColumnNode{}
		for _, cm := range t.Columns {
			cols[cm.Name] = &ColumnNode{Table: t.Name, Column: cm.Name, TopNValues: cm.DistinctValues}
		}
		h.columns[t.Name] = cols
	}

	for _, le := range cat.Lineage {
		e := &Edge{
			From:         le.From,
			To:           le.To,
			Keys:         le.Keys,
			Relationship: le.Relationship,
			Algorithm:    HashJoin,
			Selectivity:  1.0,
			Cardinality:  0,
		}
		h.outgoing[le.From] = append(h.outgoing[le.From], e)
		h.incoming[le.To] = append(h.incoming[le.To], e)
	}

	return h
}

// SetTableRowCount overrides the default-unknown row count for a table node,
// used once a query has observed real statistics (spec §4.2).
func (h *Hypergraph) SetTableRowCount(table string, rows int64) {
	if n, ok := h.nodes[table]; ok {
		n.Stats.RowCount = rows
	}
}

// GetTableNode returns the node for a table, or nil if absent.
func (h *Hypergraph) GetTableNode(name string) *TableNode { return h.nodes[name] }

// GetOutgoingEdges returns the lineage edges whose From is n.
func (h *Hypergraph) GetOutgoingEdges(n string) []*Edge { return h.outgoing[n] }

// FindEdgeBetween returns the edge connecting a and b in either direction,
// or nil if no direct lineage edge exists between them.
func (h *Hypergraph) FindEdgeBetween(a, b string) *Edge {
	for _, e := range h.outgoing[a] {
		if e.To == b {
			return e
		}
	}
	for _, e := range h.outgoing[b] {
		if e.To == a {
			return e
		}
	}
	return nil
}

// rowCountOrDefault returns the node's row count, defaulting to 10,000 when
// statistics are absent (spec §4.5).
func (h *Hypergraph) rowCountOrDefault(table string) int64 {
	n := h.nodes[table]
	if n == nil || n.Stats.RowCount == 0 {
		return 10_000
	}
	return n.Stats.RowCount
}

// edgeCost estimates the cost of traversing one edge as
// row_count(left) * row_count(right) * 0.0001 (spec §4.2, §4.5).
func (h *Hypergraph) edgeCost(e *Edge) float64 {
	return float64(h.rowCountOrDefault(e.From)) * float64(h.rowCountOrDefault(e.To)) * 0.0001
}

// PathStep is one hop of a path returned by FindPath.
type PathStep struct {
	Edge *Edge
	// Reversed is true when the edge's declared From/To direction is
	// opposite to the direction the path actually traverses it in.
	Reversed bool
}

// Path is a sequence of hyperedges connecting two tables.
type Path struct {
	Steps []PathStep
	Cost  float64
}

// FindPath returns the shortest path (by edge count, ties broken by total
// estimated join cost) between two tables, treating lineage edges as
// traversable in either direction. Returns (nil, false) if no path exists
// (the tables are in disjoint lineage-connected components, spec §8 inv 5).
func (h *Hypergraph) FindPath(from, to string) (*Path, bool) {
	if from == to {
		return &Path{}, true
	}

	type frontierEntry struct {
		table string
		path  []PathStep
		cost  float64
	}

	visited := map[string]bool{from: true}
	queue := []frontierEntry{{table: from}}
	var best *Path

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		neighbors := h.neighborEdges(cur.table)
		// Deterministic traversal order for reproducible tie-breaking.
		sort.Slice(neighbors, func(i, j int) bool {
			return neighborOf(neighbors[i], cur.table) < neighborOf(neighbors[j], cur.table)
		})

		for _, step := range neighbors {
			next := neighborOf(step, cur.table)
			if next == to {
				cost := cur.cost + h.edgeCost(step.Edge)
				cand := &Path{Steps: append(append([]PathStep{}, cur.path...), step), Cost: cost}
				if best == nil || len(cand.Steps) < len(best.Steps) ||
					(len(cand.Steps) == len(best.Steps) && cand.Cost < best.Cost) {
					best = cand
				}
				continue
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, frontierEntry{
				table: next,
				path:  append(append([]PathStep{}, cur.path...), step),
				cost:  cur.cost + h.edgeCost(step.Edge),
			})
		}
		if best != nil {
			// Since BFS explores strictly non-decreasing hop counts, once we
			// have a hit at the current hop depth we don't need to look
			// further at greater depths for a *shorter* path, but we may
			// still find a cheaper path of equal length elsewhere in this
			// same frontier level, so we keep draining the current queue
			// snapshot rather than returning immediately.
			continue
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

func (h *Hypergraph) neighborEdges(table string) []PathStep {
	var steps []PathStep
	for _, e := range h.outgoing[table] {
		steps = append(steps, PathStep{Edge: e, Reversed: false})
	}
	for _, e := range h.incoming[table] {
		steps = append(steps, PathStep{Edge: e, Reversed: true})
	}
	return steps
}

func neighborOf(step PathStep, from string) string {
	if step.Edge.From == from {
		return step.Edge.To
	}
	return step.Edge.From
}

// domainSynonyms is the fixed set of value synonyms used by value search
// (spec §4.2). Keys and values are lowercase.
var domainSynonyms = map[string][]string{
	"outstanding": {"balance", "unpaid", "remaining"},
	"closed":      {"paid off", "settled", "resolved"},
	"active":      {"open", "current", "live"},
}

// ValueMatch is one hit returned by FindColumnsWithValue.
type ValueMatch struct {
	Table  string
	Column string
	Value  string
}

// FindColumnsWithValue searches every column's distinct-value sample for a
// literal, normalizing to lowercase and matching exact equality, substring
// either direction, and the fixed domain-synonym set declared at load time
// (spec §4.2). If system is non-empty, only tables belonging to that system
// are searched.
func (h *Hypergraph) FindColumnsWithValue(literal string, system string) []ValueMatch {
	needle := strings.ToLower(strings.TrimSpace(literal))
	if needle == "" {
		return nil
	}

	candidates := []string{needle}
	candidates = append(candidates, domainSynonyms[needle]...)
	for k, syns := range domainSynonyms {
		for _, s := range syns {
			if s == needle {
				candidates = append(candidates, k)
			}
		}
	}

	var matches []ValueMatch
	tableNames := make([]string, 0, len(h.nodes))
	for name := range h.nodes {
		tableNames = append(tableNames, name)
	}
	sort.Strings(tableNames)

	for _, tableName := range tableNames {
		node := h.nodes[tableName]
		if system != "" && node.Table.System != system {
			continue
		}
		for _, cm := range node.Table.Columns {
			for _, v := range cm.DistinctValues {
				lv := strings.ToLower(v)
				for _, cand := range candidates {
					if lv == cand || strings.Contains(lv, cand) || strings.Contains(cand, lv) {
						matches = append(matches, ValueMatch{Table: tableName, Column: cm.Name, Value: v})
						break
					}
				}
			}
		}
	}
	return matches
}
