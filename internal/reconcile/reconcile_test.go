package reconcile_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/dataframe"
	"github.com/reconcile-labs/reconcile/internal/reconcile"
)

func TestReconcile_CleanMatch(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L2"},
		"outstanding": {1000.0, 2000.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L2"},
		"outstanding": {1000.0, 2000.0},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Empty(t, res.MissingInA)
	require.Empty(t, res.MissingInB)
	require.Empty(t, res.Mismatches)
	require.Equal(t, 0.0, res.Aggregate.Diff)
}

func TestReconcile_MissingRow(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L2"},
		"outstanding": {1000.0, 2000.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.0},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Len(t, res.MissingInB, 1)
	require.Equal(t, "L2", res.MissingInB[0].Key[0])
	require.Equal(t, reconcile.MissingRow, res.MissingInB[0].Classification.RootCause)
	require.Empty(t, res.MissingInA)
	require.Empty(t, res.Mismatches)
	require.Equal(t, 2000.0, res.Aggregate.Diff)
}

func TestReconcile_ValueMismatchWithinTolerance(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.00},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.004},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Empty(t, res.Mismatches)
	require.Equal(t, 1, res.MatchCount())
}

func TestReconcile_ValueMismatchBeyondTolerance(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.00},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.50},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	require.Equal(t, reconcile.ValueOffset, res.Mismatches[0].Classification.RootCause)
	require.InDelta(t, -0.5, res.Mismatches[0].Diff, 1e-9)
}

func TestReconcile_DuplicateKeyClassification(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L1"},
		"outstanding": {500.0, 500.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {900.0},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	require.Equal(t, reconcile.DuplicateKey, res.Mismatches[0].Classification.RootCause)
}

func TestReconcile_GrainMismatchAfterAggregation(t *testing.T) {
	// Scenario S4: left aggregated to customer grain upstream of Reconcile
	// (the Grain Resolver/Rule Compiler/Materializer own the join-then-group;
	// Reconcile only sees both sides already at the common grain).
	left := dataframe.New([]string{"customer_id", "outstanding"}, map[string][]dataframe.Value{
		"customer_id": {"C1"},
		"outstanding": {1200.0},
	})
	right := dataframe.New([]string{"customer_id", "outstanding"}, map[string][]dataframe.Value{
		"customer_id": {"C1"},
		"outstanding": {1200.0},
	})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"customer_id"}, "outstanding")
	require.NoError(t, err)
	require.Empty(t, res.Mismatches)
	require.Equal(t, 0.0, res.Aggregate.Diff)
}

func TestReconcile_EmptyFramesProduceZeroCountsNotError(t *testing.T) {
	left := dataframe.Empty([]string{"loan_id", "outstanding"})
	right := dataframe.Empty([]string{"loan_id", "outstanding"})

	r := reconcile.New(0.01)
	res, err := r.Reconcile(left, right, []string{"loan_id"}, "outstanding")
	require.NoError(t, err)
	require.Zero(t, res.CommonCount)
	require.Empty(t, res.MissingInA)
	require.Empty(t, res.MissingInB)
	require.Empty(t, res.Mismatches)
	require.Equal(t, 0.0, res.Aggregate.Diff)
}

func TestReconcile_FilterMismatchClassification(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {400.0},
	})

	// The left rule sums only the msme segment; the right rule sums all
	// rows, so the sides aggregate different subsets.
	leftCtx := &reconcile.SideContext{System: "LOS", RuleID: "los_msme",
		FilterConditions: map[string]string{"segment": "msme"}}
	rightCtx := &reconcile.SideContext{System: "COLLECTIONS", RuleID: "col_all"}

	r := reconcile.New(0.01)
	res, err := r.ReconcileWithContext(left, right, []string{"loan_id"}, "outstanding", leftCtx, rightCtx)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	require.Equal(t, reconcile.FilterMismatch, res.Mismatches[0].Classification.RootCause)
}

func TestReconcile_TimingMisalignmentClassification(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1100.0},
	})

	leftCtx := &reconcile.SideContext{System: "LOS", RuleID: "a", AsOfApplied: true}
	rightCtx := &reconcile.SideContext{System: "COLLECTIONS", RuleID: "b", AsOfApplied: false}

	r := reconcile.New(0.01)
	res, err := r.ReconcileWithContext(left, right, []string{"loan_id"}, "outstanding", leftCtx, rightCtx)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	require.Equal(t, reconcile.TimingMisalignment, res.Mismatches[0].Classification.RootCause)
}

func TestReconcile_IdentityCollisionClassification(t *testing.T) {
	// Two distinct source rows collapsed onto one canonical uuid on the
	// left; the repeated key column is the canonical identity column.
	left := dataframe.New([]string{"uuid", "outstanding"}, map[string][]dataframe.Value{
		"uuid":        {"U1", "U1"},
		"outstanding": {500.0, 500.0},
	})
	right := dataframe.New([]string{"uuid", "outstanding"}, map[string][]dataframe.Value{
		"uuid":        {"U1"},
		"outstanding": {900.0},
	})

	leftCtx := &reconcile.SideContext{System: "LOS", RuleID: "a", IdentityColumn: "uuid"}
	rightCtx := &reconcile.SideContext{System: "COLLECTIONS", RuleID: "b", IdentityColumn: "uuid"}

	r := reconcile.New(0.01)
	res, err := r.ReconcileWithContext(left, right, []string{"uuid"}, "outstanding", leftCtx, rightCtx)
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	require.Equal(t, reconcile.IdentityCollision, res.Mismatches[0].Classification.RootCause)
}

func TestReconcile_MissingRowExplainedByFilterDivergence(t *testing.T) {
	left := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L2"},
		"outstanding": {1000.0, 2000.0},
	})
	right := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1"},
		"outstanding": {1000.0},
	})

	leftCtx := &reconcile.SideContext{System: "LOS", RuleID: "los_all"}
	rightCtx := &reconcile.SideContext{System: "COLLECTIONS", RuleID: "col_active",
		FilterConditions: map[string]string{"status": "active"}}

	r := reconcile.New(0.01)
	res, err := r.ReconcileWithContext(left, right, []string{"loan_id"}, "outstanding", leftCtx, rightCtx)
	require.NoError(t, err)
	require.Len(t, res.MissingInB, 1)
	require.Equal(t, reconcile.FilterMismatch, res.MissingInB[0].Classification.RootCause)
}
