package grain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/grain"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
)

func newResolver(t *testing.T) *grain.Resolver {
	t.Helper()
	cat, err := catalog.LoadDir("../catalog/testdata/good")
	require.NoError(t, err)
	hg := hypergraph.Build(cat)
	return grain.New(cat, hg)
}

func TestResolve_IdenticalGrainIsNoOp(t *testing.T) {
	r := newResolver(t)
	plan, err := r.Resolve("LOS", []string{"loan_id"}, []string{"loan_id"}, "los_loans")
	require.NoError(t, err)
	require.Empty(t, plan.JoinPath)
	require.False(t, plan.AggregationRequired)
}

func TestResolve_MissingColumnRequiresJoin(t *testing.T) {
	r := newResolver(t)
	// loan_customer_map (grain loan_id) needs status, which lives on
	// los_loans, reachable via a direct lineage edge.
	plan, err := r.Resolve("LOS", []string{"loan_id"}, []string{"loan_id", "status"}, "loan_customer_map")
	require.NoError(t, err)
	require.Len(t, plan.JoinPath, 1)
	require.Equal(t, "los_loans", plan.JoinPath[0].ToTable)
}

func TestResolve_UnresolvableGrain(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve("LOS", []string{"loan_id"}, []string{"loan_id", "does_not_exist_column"}, "los_loans")
	require.Error(t, err)
}

func TestResolve_FallsBackToDirectJoinOnSharedColumn(t *testing.T) {
	r := newResolver(t)
	// collections_customer_totals declares customer_id but has no lineage
	// edge to collections_loans; the resolver falls back to a direct join
	// on whatever column the two tables happen to share (spec §4.5 step 4).
	plan, err := r.Resolve("COLLECTIONS", []string{"loan_id"}, []string{"customer_id"}, "collections_loans")
	require.NoError(t, err)
	require.Len(t, plan.JoinPath, 1)
	require.Equal(t, "collections_customer_totals", plan.JoinPath[0].ToTable)
}

func TestResolve_TargetColumnOnRootTableAggregates(t *testing.T) {
	r := newResolver(t)
	// los_loans carries customer_id directly, so reaching customer grain
	// needs no join, only a group-by: the target lies inside the root
	// table's known-columns closure.
	plan, err := r.Resolve("LOS", []string{"loan_id"}, []string{"customer_id"}, "los_loans")
	require.NoError(t, err)
	require.Empty(t, plan.JoinPath)
	require.True(t, plan.AggregationRequired)
}
