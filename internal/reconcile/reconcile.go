// Package reconcile implements the last pipeline stage: given two row-level
// materializations at the same target grain, it joins them by canonical
// key, classifies the result into population and value diffs, and tags
// each mismatch with a root-cause label drawn from a closed taxonomy
// (spec §4.9). Grounded on the teacher's cmd/bd/doctor package: doctor's
// DoctorCheck is a flat, closed-vocabulary diagnostic result
// (name/status/message/fix) produced by walking two states and reporting
// where they disagree; Result below is the same shape generalized from
// "is this repo healthy" to "why do these two numbers differ".
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/dataframe"
)

// RootCause is one entry in the closed classification taxonomy (spec §4.9).
type RootCause string

const (
	MissingRow         RootCause = "MissingRow"
	DuplicateKey       RootCause = "DuplicateKey"
	ValueOffset        RootCause = "ValueOffset"
	TimingMisalignment RootCause = "TimingMisalignment"
	RuleDivergence     RootCause = "RuleDivergence"
	IdentityCollision  RootCause = "IdentityCollision"
	FilterMismatch     RootCause = "FilterMismatch"
)

// Classification tags one mismatch group with a root cause, a narrower
// subtype, and a human-readable description, mirroring DoctorCheck's
// name/status/message/fix fields but closed over RootCause instead of a
// free-form status string.
type Classification struct {
	RootCause   RootCause
	Subtype     string
	Description string
}

// Mismatch is one row whose key exists on both sides but whose metric
// values disagree beyond tolerance.
type Mismatch struct {
	Key            []dataframe.Value
	ValueLeft      float64
	ValueRight     float64
	Diff           float64
	Classification Classification
}

// Missing is one key present on only one side. Population-diff rows are
// mismatch groups too (spec §4.9), so each carries its MissingRow
// classification rather than being a bare key list.
type Missing struct {
	Key            []dataframe.Value
	Classification Classification
}

// SideContext carries the rule- and catalog-level facts one side's
// materialization was built from. The classifier compares the two sides'
// contexts to name root causes a frame-level diff alone cannot see:
// filter divergence, as-of asymmetry, identity collapse.
type SideContext struct {
	System           string
	RuleID           string
	FilterConditions map[string]string

	// IdentityColumn is the canonical column this side's identity mapping
	// renamed onto; empty when no mapping applied.
	IdentityColumn string

	// AsOfApplied reports whether an as-of slice filtered this side's scans.
	AsOfApplied bool
}

// AggregateDiff is the signed total per side over the common population.
type AggregateDiff struct {
	TotalLeft  float64
	TotalRight float64
	Diff       float64 // left - right
}

// Result is the full reconciliation output (spec §4.9), serializable and
// consumed by a render layer out of scope here.
type Result struct {
	Key         []string
	MissingInA  []Missing // keys present on the right only
	MissingInB  []Missing // keys present on the left only
	CommonCount int
	Mismatches  []Mismatch
	Aggregate   AggregateDiff
}

// MatchCount reports how many common rows matched within tolerance.
func (r *Result) MatchCount() int { return r.CommonCount - len(r.Mismatches) }

// Reconciler joins and diffs two materialized frames.
type Reconciler struct {
	Tolerance float64
}

// New builds a Reconciler with the given absolute value tolerance (spec
// §4.9 defaults this to 0.01 via internal/config).
func New(tolerance float64) *Reconciler {
	return &Reconciler{Tolerance: tolerance}
}

// Reconcile diffs two frames without side context; every value mismatch
// that is not a duplicate-key artifact classifies as ValueOffset. Callers
// that know how each side was produced use ReconcileWithContext instead.
func (r *Reconciler) Reconcile(left, right *dataframe.Frame, key []string, metricCol string) (*Result, error) {
	return r.ReconcileWithContext(left, right, key, metricCol, nil, nil)
}

// ReconcileWithContext implements spec §4.9: population diff by FULL-join
// on key, value diff with tolerance on the common population, aggregate
// diff, and RCA classification of every mismatch group, the population
// rows included. left and right must share the key columns and carry
// exactly one metric column each (metricCol). leftCtx/rightCtx may be nil.
func (r *Reconciler) ReconcileWithContext(left, right *dataframe.Frame, key []string, metricCol string, leftCtx, rightCtx *SideContext) (*Result, error) {
	leftIdx, err := indexByKey(left, key)
	if err != nil {
		return nil, fmt.Errorf("reconcile: left frame: %w", err)
	}
	rightIdx, err := indexByKey(right, key)
	if err != nil {
		return nil, fmt.Errorf("reconcile: right frame: %w", err)
	}

	res := &Result{Key: key}

	var leftDupKeys, rightDupKeys []string
	for k, rows := range leftIdx {
		if len(rows) > 1 {
			leftDupKeys = append(leftDupKeys, k)
		}
	}
	for k, rows := range rightIdx {
		if len(rows) > 1 {
			rightDupKeys = append(rightDupKeys, k)
		}
	}

	allKeys := map[string]bool{}
	for k := range leftIdx {
		allKeys[k] = true
	}
	for k := range rightIdx {
		allKeys[k] = true
	}

	sortedKeys := make([]string, 0, len(allKeys))
	for k := range allKeys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	for _, k := range sortedKeys {
		lRows, inLeft := leftIdx[k]
		rRows, inRight := rightIdx[k]
		switch {
		case inLeft && !inRight:
			res.MissingInB = append(res.MissingInB, Missing{
				Key:            keyValues(left, lRows[0], key),
				Classification: classifyMissing(k, leftCtx, rightCtx),
			})
		case inRight && !inLeft:
			res.MissingInA = append(res.MissingInA, Missing{
				Key:            keyValues(right, rRows[0], key),
				Classification: classifyMissing(k, rightCtx, leftCtx),
			})
		default:
			res.CommonCount++
			lv, _ := asFloat(left.At(metricCol, lRows[0]))
			rv, _ := asFloat(right.At(metricCol, rRows[0]))
			diff := lv - rv
			if absFloat(diff) > r.Tolerance {
				m := Mismatch{
					Key:        keyValues(left, lRows[0], key),
					ValueLeft:  lv,
					ValueRight: rv,
					Diff:       diff,
				}
				m.Classification = classify(k, key, diff, leftDupKeys, rightDupKeys, leftCtx, rightCtx)
				res.Mismatches = append(res.Mismatches, m)
			}
		}
	}

	// Aggregate diff sums every row on each side, independent of whether its
	// key matched (spec §4.9 scenario S2: a row missing on one side still
	// contributes its full value to that side's total).
	for i := 0; i < left.NumRows(); i++ {
		v, _ := asFloat(left.At(metricCol, i))
		res.Aggregate.TotalLeft += v
	}
	for i := 0; i < right.NumRows(); i++ {
		v, _ := asFloat(right.At(metricCol, i))
		res.Aggregate.TotalRight += v
	}
	res.Aggregate.Diff = res.Aggregate.TotalLeft - res.Aggregate.TotalRight

	return res, nil
}

// classifyMissing tags a population-gap row. presentCtx is the side that
// has the row, absentCtx the side that lacks it. Filter divergence and
// as-of asymmetry explain an absence more specifically than MissingRow
// alone, so they take priority when the contexts reveal them.
func classifyMissing(key string, presentCtx, absentCtx *SideContext) Classification {
	if presentCtx != nil && absentCtx != nil {
		if !sameFilters(presentCtx.FilterConditions, absentCtx.FilterConditions) {
			return Classification{
				RootCause: FilterMismatch,
				Subtype:   "population_filtered",
				Description: fmt.Sprintf("key %q exists only in %s; the sides' rules declare different filter_conditions, so one population is a filtered subset",
					key, sideName(presentCtx, "one side")),
			}
		}
		if presentCtx.AsOfApplied != absentCtx.AsOfApplied {
			return Classification{
				RootCause: TimingMisalignment,
				Subtype:   "asymmetric_as_of",
				Description: fmt.Sprintf("key %q exists only in %s; only one side was time-sliced, so the populations cover different windows",
					key, sideName(presentCtx, "one side")),
			}
		}
	}
	return Classification{
		RootCause:   MissingRow,
		Subtype:     "population_gap",
		Description: fmt.Sprintf("key %q exists in %s but not in %s", key, sideName(presentCtx, "one side"), sideName(absentCtx, "the other")),
	}
}

// classify assigns a root cause to one mismatching key. Duplicate keys
// take priority: when the repeated key is the canonical identity column,
// distinct source rows collapsed onto one identifier (IdentityCollision);
// otherwise the mismatch is a collapsed 1:many join (DuplicateKey). With
// side contexts available, filter divergence and as-of asymmetry are
// named next. Everything else defaults to ValueOffset, the catch-all for
// a plain numeric disagreement within the same grain and population.
// RuleDivergence stays unassigned here: two systems' formulas always
// differ textually, so a text comparison would mislabel every
// cross-system mismatch; see DESIGN.md for the deferral.
func classify(key string, keyCols []string, diff float64, leftDups, rightDups []string, leftCtx, rightCtx *SideContext) Classification {
	if contains(leftDups, key) || contains(rightDups, key) {
		if identityInKey(keyCols, leftCtx) || identityInKey(keyCols, rightCtx) {
			return Classification{
				RootCause:   IdentityCollision,
				Subtype:     "canonical_key_collapse",
				Description: fmt.Sprintf("canonical identifier %q maps more than one source row on at least one side; distinct records collapsed onto one identity", key),
			}
		}
		return Classification{
			RootCause:   DuplicateKey,
			Subtype:     "collapsed_one_to_many",
			Description: fmt.Sprintf("key %q has more than one row on at least one side; the metric sum collapses ambiguously", key),
		}
	}
	if leftCtx != nil && rightCtx != nil {
		if !sameFilters(leftCtx.FilterConditions, rightCtx.FilterConditions) {
			return Classification{
				RootCause:   FilterMismatch,
				Subtype:     "divergent_filter_conditions",
				Description: fmt.Sprintf("values disagree by %.4f; rules %s and %s declare different filter_conditions, so each side sums a different row subset", diff, leftCtx.RuleID, rightCtx.RuleID),
			}
		}
		if leftCtx.AsOfApplied != rightCtx.AsOfApplied {
			return Classification{
				RootCause:   TimingMisalignment,
				Subtype:     "asymmetric_as_of",
				Description: fmt.Sprintf("values disagree by %.4f; only one side was time-sliced, so the sides aggregate different windows", diff),
			}
		}
	}
	return Classification{
		RootCause:   ValueOffset,
		Subtype:     "numeric_disagreement",
		Description: fmt.Sprintf("values disagree by %.4f, beyond tolerance", diff),
	}
}

// identityInKey reports whether a side's canonical identity column is one
// of the reconciliation key columns.
func identityInKey(keyCols []string, ctx *SideContext) bool {
	if ctx == nil || ctx.IdentityColumn == "" {
		return false
	}
	return contains(keyCols, ctx.IdentityColumn)
}

// sameFilters compares two filter_conditions maps case-insensitively on
// both keys and values, the same comparison the Rule Reasoner applies
// when matching a rule to an intent.
func sameFilters(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	lower := func(m map[string]string) map[string]string {
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[strings.ToLower(k)] = strings.ToLower(v)
		}
		return out
	}
	la, lb := lower(a), lower(b)
	for k, v := range la {
		if lb[k] != v {
			return false
		}
	}
	return true
}

// sideName names a side for a classification description, degrading to
// the fallback when no context was supplied.
func sideName(ctx *SideContext, fallback string) string {
	if ctx != nil && ctx.System != "" {
		return ctx.System
	}
	return fallback
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// indexByKey groups row indices by their stringified key tuple.
func indexByKey(f *dataframe.Frame, key []string) (map[string][]int, error) {
	for _, c := range key {
		if !f.HasColumn(c) {
			return nil, fmt.Errorf("reconcile: frame missing key column %q", c)
		}
	}
	idx := make(map[string][]int)
	for i := 0; i < f.NumRows(); i++ {
		k := stringKey(f, i, key)
		idx[k] = append(idx[k], i)
	}
	return idx, nil
}

func stringKey(f *dataframe.Frame, row int, key []string) string {
	parts := make([]string, len(key))
	for i, c := range key {
		parts[i] = fmt.Sprintf("%v", f.At(c, row))
	}
	return strings.Join(parts, "\x1f")
}

func keyValues(f *dataframe.Frame, row int, key []string) []dataframe.Value {
	vals := make([]dataframe.Value, len(key))
	for i, c := range key {
		vals[i] = f.At(c, row)
	}
	return vals
}

func asFloat(v dataframe.Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
