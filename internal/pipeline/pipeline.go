// Package pipeline defines the intermediate representation that the Rule
// Compiler emits and the Row Materializer executes: an ordered list of
// Scan/Join/Filter/Derive/Group/Select operations (spec §3.3). The package
// holds no execution logic itself — it is the typed contract between
// internal/rulecompiler, internal/guardrail and internal/materialize.
package pipeline

// JoinType is the inferred or explicit kind of a Join op.
type JoinType string

const (
	Inner JoinType = "INNER"
	Left  JoinType = "LEFT"
	Right JoinType = "RIGHT"
	Full  JoinType = "FULL"
)

// AggFunc is one of the aggregation functions a Group op may apply to a
// column (spec §4.7); Passthrough selects the first value with no
// aggregation, used for grouping keys carried straight through.
type AggFunc string

const (
	Sum         AggFunc = "SUM"
	Avg         AggFunc = "AVG"
	Count       AggFunc = "COUNT"
	Max         AggFunc = "MAX"
	Min         AggFunc = "MIN"
	Passthrough AggFunc = "PASSTHROUGH"
)

// Op is one step of a pipeline. Exactly one of the typed fields is
// populated, selected by Kind; this mirrors a closed sum type the way the
// teacher's pipeline op table does it with a discriminant column.
type Kind string

const (
	KindScan   Kind = "scan"
	KindJoin   Kind = "join"
	KindFilter Kind = "filter"
	KindDerive Kind = "derive"
	KindGroup  Kind = "group"
	KindSelect Kind = "select"
)

// Op is one pipeline instruction. The first Op in any valid Pipeline must
// be a Scan (spec §3.3); every later op consumes the running dataset.
type Op struct {
	Kind Kind

	Scan   *ScanOp
	Join   *JoinOp
	Filter *FilterOp
	Derive *DeriveOp
	Group  *GroupOp
	Select *SelectOp
}

// ScanOp reads one catalog table into the running dataset.
type ScanOp struct {
	Table string
}

// JoinOp joins the running dataset against another table on a set of
// column pairs, recording why this join type was chosen (spec §4.3, §4.6).
type JoinOp struct {
	Table         string
	On            []JoinKey
	Type          JoinType
	Confidence    float64
	Reasoning     string
	PreAggregate  *GroupOp // non-nil when spec §4.6(5) pre-aggregation applies to the right side
}

// JoinKey pairs a column on the left (running dataset) with a column on
// the right (table being joined in).
type JoinKey struct {
	Left  string
	Right string
}

// FilterOp applies a limited expression grammar over the running dataset
// (spec §4.7): `col <op> literal`, `col IS NULL`, `col IN (...)`,
// `COALESCE(col, n)`. Expr carries the raw expression text; parsing happens
// in internal/materialize, which owns the grammar.
type FilterOp struct {
	Expr string
}

// DeriveOp adds exactly one new column computed from a left-to-right
// additive/subtractive arithmetic expression over columns, numeric
// literals and COALESCE (spec §4.7).
type DeriveOp struct {
	Expr string
	As   string
}

// GroupOp reduces the running dataset to one row per distinct combination
// of By, aggregating every other referenced column per Agg.
type GroupOp struct {
	By  []string
	Agg map[string]AggFunc
}

// SelectOp projects the running dataset onto a final column list. Each
// entry is either a bare column name or a "src as alias" form.
type SelectOp struct {
	Columns []SelectColumn
}

// SelectColumn is one projected output column.
type SelectColumn struct {
	Source string
	Alias  string // empty when the column is projected under its own name
}

// Pipeline is an ordered, executable plan.
type Pipeline struct {
	Ops []Op
}

// Scan appends a Scan op.
func (p *Pipeline) Scan(table string) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindScan, Scan: &ScanOp{Table: table}})
	return p
}

// Join appends a Join op.
func (p *Pipeline) Join(j JoinOp) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindJoin, Join: &j})
	return p
}

// Filter appends a Filter op.
func (p *Pipeline) Filter(expr string) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindFilter, Filter: &FilterOp{Expr: expr}})
	return p
}

// Derive appends a Derive op.
func (p *Pipeline) Derive(expr, as string) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindDerive, Derive: &DeriveOp{Expr: expr, As: as}})
	return p
}

// Group appends a Group op.
func (p *Pipeline) Group(by []string, agg map[string]AggFunc) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindGroup, Group: &GroupOp{By: by, Agg: agg}})
	return p
}

// Select appends a Select op.
func (p *Pipeline) Select(cols ...SelectColumn) *Pipeline {
	p.Ops = append(p.Ops, Op{Kind: KindSelect, Select: &SelectOp{Columns: cols}})
	return p
}

// ScanTables returns every table named by a Scan or Join op in declared
// order, used by the engine and by tests asserting plan shape.
func (p *Pipeline) ScanTables() []string {
	var tables []string
	for _, op := range p.Ops {
		switch op.Kind {
		case KindScan:
			tables = append(tables, op.Scan.Table)
		case KindJoin:
			tables = append(tables, op.Join.Table)
		}
	}
	return tables
}

// FilterCountForScanIndex returns the number of Filter ops that immediately
// follow the i-th Scan/Join op before the next Scan/Join/Group, used by the
// guardrail's row-count discount (spec §4.8).
func (p *Pipeline) FilterCountForScanIndex(scanOpIndex int) int {
	count := 0
	for i := scanOpIndex + 1; i < len(p.Ops); i++ {
		switch p.Ops[i].Kind {
		case KindFilter:
			count++
		case KindScan, KindJoin, KindGroup:
			return count
		}
	}
	return count
}
