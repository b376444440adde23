// Package materialize implements the Row Materializer (spec §4.7): it
// executes a compiled Pipeline op-by-op against a Source, producing a
// deterministic, identity-normalized Frame. Grounded on the teacher's
// internal/render package's table-building pipeline (read rows, apply a
// chain of transforms, sort before display), generalized from rendering
// issue tables to executing a reconciliation pipeline.
package materialize

import (
	"fmt"
	"sort"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/dataframe"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
	"github.com/reconcile-labs/reconcile/internal/timewindow"
)

const stageName = "materialize"

// joinExplosionFactor is the spec §4.7 threshold: a join result more than
// this many times the left input's row count fails hard.
const joinExplosionFactor = 50

// Executor runs one compiled Pipeline against a catalog and a Source.
type Executor struct {
	cat *catalog.Catalog
	src Source
}

// New builds an Executor.
func New(cat *catalog.Catalog, src Source) *Executor {
	return &Executor{cat: cat, src: src}
}

// Execute runs p to completion. entity/system identify the side being
// materialized, used for identity normalization at the end (spec §4.7);
// asOf is the resolved as-of value pushed into every table's time-sliced
// Scan/Join.
func (e *Executor) Execute(p *pipeline.Pipeline, entity, system, asOf string) (*dataframe.Frame, error) {
	var current *dataframe.Frame

	for _, op := range p.Ops {
		var err error
		switch op.Kind {
		case pipeline.KindScan:
			current, err = e.scan(op.Scan.Table, asOf)
		case pipeline.KindJoin:
			current, err = e.join(current, op.Join, asOf)
		case pipeline.KindFilter:
			current, err = applyFilter(current, op.Filter.Expr)
		case pipeline.KindDerive:
			current, err = applyDerive(current, op.Derive.Expr, op.Derive.As)
		case pipeline.KindGroup:
			current, err = applyGroup(current, op.Group)
		case pipeline.KindSelect:
			current, err = applySelect(current, op.Select)
		}
		if err != nil {
			return nil, err
		}
	}

	current = e.normalizeIdentity(current, entity, system)
	return current, nil
}

func (e *Executor) scan(table, asOf string) (*dataframe.Frame, error) {
	t := e.cat.TableByName(table)
	if t == nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, nil, map[string]any{"reason": "unknown_table", "table": table})
	}
	f, err := e.src.ReadTable(t)
	if err != nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err, map[string]any{"table": table})
	}
	return e.applyAsOf(f, t, asOf)
}

// applyAsOf implements spec §4.7's scan-time as-of push-down: a missing
// AsOfRule is a no-op (graceful degradation).
func (e *Executor) applyAsOf(f *dataframe.Frame, t *catalog.Table, asOf string) (*dataframe.Frame, error) {
	rule := e.cat.AsOfFor(t.Name)
	if rule == nil || asOf == "" {
		return f, nil
	}
	keep := make([]int, 0, f.NumRows())
	for i := 0; i < f.NumRows(); i++ {
		cv, ok := valueAsString(f.At(rule.AsOfColumn, i))
		if !ok {
			continue
		}
		if timewindow.LessOrEqual(cv, asOf) {
			keep = append(keep, i)
		}
	}
	return selectRows(f, keep), nil
}

func selectRows(f *dataframe.Frame, rows []int) *dataframe.Frame {
	b := dataframe.NewBuilder(f.Columns())
	for _, i := range rows {
		b.AppendRow(f.Row(i))
	}
	return b.Build()
}

// join implements spec §4.7's Join op: optional right-side pre-aggregation,
// equi-join per JoinType, then a JoinExplosion check.
func (e *Executor) join(left *dataframe.Frame, j *pipeline.JoinOp, asOf string) (*dataframe.Frame, error) {
	right, err := e.scan(j.Table, asOf)
	if err != nil {
		return nil, err
	}
	if j.PreAggregate != nil {
		right, err = applyGroup(right, j.PreAggregate)
		if err != nil {
			return nil, err
		}
	}

	leftRows := left.NumRows()
	result := equiJoin(left, right, j.On, j.Type)

	if leftRows > 0 && result.NumRows() > leftRows*joinExplosionFactor {
		return nil, rcaerrors.New(stageName, rcaerrors.KindJoinExplosion, nil,
			map[string]any{"table": j.Table, "left_rows": leftRows, "result_rows": result.NumRows()})
	}
	return result, nil
}

func equiJoin(left, right *dataframe.Frame, on []pipeline.JoinKey, joinType pipeline.JoinType) *dataframe.Frame {
	rightIndex := make(map[string][]int)
	for i := 0; i < right.NumRows(); i++ {
		key := joinKeyOf(right, on, true, i)
		rightIndex[key] = append(rightIndex[key], i)
	}

	order := append(append([]string(nil), left.Columns()...), exclusiveColumns(right.Columns(), left.Columns())...)
	b := dataframe.NewBuilder(order)

	matchedRight := make(map[int]bool)
	for li := 0; li < left.NumRows(); li++ {
		key := joinKeyOf(left, on, false, li)
		matches := rightIndex[key]
		if len(matches) == 0 {
			if joinType == pipeline.Left || joinType == pipeline.Full {
				row := left.Row(li)
				b.AppendRow(row)
			}
			continue
		}
		for _, ri := range matches {
			matchedRight[ri] = true
			row := left.Row(li)
			for k, v := range right.Row(ri) {
				if _, exists := row[k]; !exists {
					row[k] = v
				}
			}
			b.AppendRow(row)
		}
	}

	if joinType == pipeline.Full || joinType == pipeline.Right {
		for ri := 0; ri < right.NumRows(); ri++ {
			if matchedRight[ri] {
				continue
			}
			b.AppendRow(right.Row(ri))
		}
	}

	return b.Build()
}

func joinKeyOf(f *dataframe.Frame, on []pipeline.JoinKey, useRight bool, row int) string {
	var key string
	for _, k := range on {
		col := k.Left
		if useRight {
			col = k.Right
		}
		s, _ := valueAsString(f.At(col, row))
		key += s + "\x1f"
	}
	return key
}

func exclusiveColumns(cols, exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}
	var out []string
	for _, c := range cols {
		if !excluded[c] {
			out = append(out, c)
		}
	}
	return out
}

func applyFilter(f *dataframe.Frame, expr string) (*dataframe.Frame, error) {
	pred, err := parseFilter(expr)
	if err != nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindExpressionParseError, err,
			map[string]any{"expr": expr, "recoverable": false})
	}
	var keep []int
	for i := 0; i < f.NumRows(); i++ {
		if pred(f.Row(i)) {
			keep = append(keep, i)
		}
	}
	return selectRows(f, keep), nil
}

func applyDerive(f *dataframe.Frame, expr, as string) (*dataframe.Frame, error) {
	terms, err := parseDerive(expr)
	if err != nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindExpressionParseError, err,
			map[string]any{"expr": expr, "recoverable": false})
	}
	order := f.Columns()
	hasCol := f.HasColumn(as)
	if !hasCol {
		order = append(order, as)
	}
	b := dataframe.NewBuilder(order)
	for i := 0; i < f.NumRows(); i++ {
		row := f.Row(i)
		row[as] = evalDerive(terms, row)
		b.AppendRow(row)
	}
	return b.Build(), nil
}

func applyGroup(f *dataframe.Frame, g *pipeline.GroupOp) (*dataframe.Frame, error) {
	type bucket struct {
		keyRow  map[string]dataframe.Value
		sums    map[string]float64
		counts  map[string]int
		mins    map[string]float64
		maxs    map[string]float64
		seenMin map[string]bool
		seenMax map[string]bool
		first   map[string]dataframe.Value
	}
	buckets := make(map[string]*bucket)

	for i := 0; i < f.NumRows(); i++ {
		row := f.Row(i)
		key := ""
		for _, c := range g.By {
			s, _ := valueAsString(row[c])
			key += s + "\x1f"
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				keyRow:  map[string]dataframe.Value{},
				sums:    map[string]float64{},
				counts:  map[string]int{},
				mins:    map[string]float64{},
				maxs:    map[string]float64{},
				seenMin: map[string]bool{},
				seenMax: map[string]bool{},
				first:   map[string]dataframe.Value{},
			}
			for _, c := range g.By {
				b.keyRow[c] = row[c]
			}
			buckets[key] = b
		}
		for col, fn := range g.Agg {
			v, numeric := asFloat(row[col])
			switch fn {
			case pipeline.Sum, pipeline.Avg:
				if numeric {
					b.sums[col] += v
					b.counts[col]++
				}
			case pipeline.Count:
				b.counts[col]++
			case pipeline.Max:
				if numeric {
					if !b.seenMax[col] || v > b.maxs[col] {
						b.maxs[col] = v
						b.seenMax[col] = true
					}
				}
			case pipeline.Min:
				if numeric {
					if !b.seenMin[col] || v < b.mins[col] {
						b.mins[col] = v
						b.seenMin[col] = true
					}
				}
			case pipeline.Passthrough:
				if _, seen := b.first[col]; !seen {
					b.first[col] = row[col]
				}
			}
		}
	}

	outCols := append([]string(nil), g.By...)
	for col := range g.Agg {
		outCols = append(outCols, col)
	}
	sort.Strings(outCols[len(g.By):])

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := dataframe.NewBuilder(outCols)
	for _, key := range keys {
		bk := buckets[key]
		row := map[string]dataframe.Value{}
		for c, v := range bk.keyRow {
			row[c] = v
		}
		for col, fn := range g.Agg {
			switch fn {
			case pipeline.Sum:
				row[col] = bk.sums[col]
			case pipeline.Avg:
				if bk.counts[col] > 0 {
					row[col] = bk.sums[col] / float64(bk.counts[col])
				} else {
					row[col] = 0.0
				}
			case pipeline.Count:
				row[col] = float64(bk.counts[col])
			case pipeline.Max:
				row[col] = bk.maxs[col]
			case pipeline.Min:
				row[col] = bk.mins[col]
			case pipeline.Passthrough:
				row[col] = bk.first[col]
			}
		}
		b.AppendRow(row)
	}
	return b.Build(), nil
}

func applySelect(f *dataframe.Frame, sel *pipeline.SelectOp) (*dataframe.Frame, error) {
	order := make([]string, 0, len(sel.Columns))
	for _, c := range sel.Columns {
		name := c.Alias
		if name == "" {
			name = c.Source
		}
		order = append(order, name)
	}
	b := dataframe.NewBuilder(order)
	for i := 0; i < f.NumRows(); i++ {
		src := f.Row(i)
		row := map[string]dataframe.Value{}
		for _, c := range sel.Columns {
			name := c.Alias
			if name == "" {
				name = c.Source
			}
			if !f.HasColumn(c.Source) {
				return nil, rcaerrors.New(stageName, rcaerrors.KindExpressionParseError,
					fmt.Errorf("select references unknown column %q", c.Source),
					map[string]any{"recoverable": false})
			}
			row[name] = src[c.Source]
		}
		b.AppendRow(row)
	}
	return b.Build(), nil
}

// normalizeIdentity implements spec §4.7's identity normalization: every
// column matching an IdentityMapping for (entity, system) is aliased to its
// canonical_column. Idempotent and row-count-preserving since it is a pure
// rename, never a row transform.
func (e *Executor) normalizeIdentity(f *dataframe.Frame, entity, system string) *dataframe.Frame {
	im := e.cat.IdentityFor(entity, system)
	if im == nil || !f.HasColumn(im.Column) || im.Column == im.CanonicalColumn {
		return f
	}
	order := make([]string, len(f.Columns()))
	for i, c := range f.Columns() {
		if c == im.Column {
			order[i] = im.CanonicalColumn
		} else {
			order[i] = c
		}
	}
	b := dataframe.NewBuilder(order)
	for i := 0; i < f.NumRows(); i++ {
		src := f.Row(i)
		row := map[string]dataframe.Value{}
		for _, c := range f.Columns() {
			name := c
			if c == im.Column {
				name = im.CanonicalColumn
			}
			row[name] = src[c]
		}
		b.AppendRow(row)
	}
	return b.Build()
}

// Determinism sorts the final result by targetGrain (spec §4.7).
func Determinism(f *dataframe.Frame, targetGrain []string) *dataframe.Frame {
	return f.SortBy(targetGrain)
}
