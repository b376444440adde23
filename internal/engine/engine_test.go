package engine_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/config"
	"github.com/reconcile-labs/reconcile/internal/dataframe"
	"github.com/reconcile-labs/reconcile/internal/engine"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/intent"
	"github.com/reconcile-labs/reconcile/internal/materialize"
	"github.com/reconcile-labs/reconcile/internal/obs"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
	"github.com/reconcile-labs/reconcile/internal/reconcile"
)

func loanEngine(t *testing.T, frames map[string]*dataframe.Frame) *engine.Engine {
	t.Helper()
	cat, err := catalog.LoadDir("../catalog/testdata/good")
	require.NoError(t, err)
	hg := hypergraph.Build(cat)
	return engine.New(cat, hg, config.Defaults(), materialize.NewMapSource(frames), nil, obs.New("text", os.Stderr))
}

func loanSpec() *intent.IntentSpec {
	return &intent.IntentSpec{
		TaskType:      intent.TaskRCA,
		TargetMetrics: []string{"outstanding"},
		Systems:       []string{"LOS", "COLLECTIONS"},
		Entities:      []string{"loan"},
		Grain:         []string{"loan_id"},
		Joins: []intent.JoinSpec{{
			Left: "LOS", Right: "COLLECTIONS", Type: intent.JoinInner,
			Confidence: 0.85, Source: "business_context",
			Reasoning: "RCA + compare defaults to an inner join of matching rows",
		}},
	}
}

func losFrame(loanIDs []string, principal, interest []float64) *dataframe.Frame {
	cols := map[string][]dataframe.Value{
		"loan_id":               {},
		"outstanding_principal": {},
		"outstanding_interest":  {},
	}
	for i, id := range loanIDs {
		cols["loan_id"] = append(cols["loan_id"], id)
		cols["outstanding_principal"] = append(cols["outstanding_principal"], principal[i])
		cols["outstanding_interest"] = append(cols["outstanding_interest"], interest[i])
	}
	return dataframe.New([]string{"loan_id", "outstanding_principal", "outstanding_interest"}, cols)
}

func collectionsFrame(loanIDs []string, balance []float64) *dataframe.Frame {
	cols := map[string][]dataframe.Value{"loan_id": {}, "outstanding_balance": {}}
	for i, id := range loanIDs {
		cols["loan_id"] = append(cols["loan_id"], id)
		cols["outstanding_balance"] = append(cols["outstanding_balance"], balance[i])
	}
	return dataframe.New([]string{"loan_id", "outstanding_balance"}, cols)
}

func TestExecute_CleanMatch(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1", "L2"}, []float64{800, 1500}, []float64{200, 500}),
		"collections_loans": collectionsFrame([]string{"L1", "L2"}, []float64{1000, 2000}),
	})

	res, err := eng.Execute(context.Background(), loanSpec(), engine.ExecuteOptions{})
	require.NoError(t, err)

	// Identity normalization renamed loan_id to its canonical column on
	// both sides, so the reconciliation key is the canonical identifier.
	require.Equal(t, []string{"uuid"}, res.CanonicalKey)

	rec := res.Reconciliation
	require.Empty(t, rec.MissingInA)
	require.Empty(t, rec.MissingInB)
	require.Equal(t, 2, rec.CommonCount)
	require.Empty(t, rec.Mismatches)
	require.InDelta(t, 0, rec.Aggregate.Diff, 1e-9)
}

func TestExecute_MissingRow(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1", "L2"}, []float64{800, 1500}, []float64{200, 500}),
		"collections_loans": collectionsFrame([]string{"L1"}, []float64{1000}),
	})

	res, err := eng.Execute(context.Background(), loanSpec(), engine.ExecuteOptions{})
	require.NoError(t, err)

	rec := res.Reconciliation
	require.Len(t, rec.MissingInB, 1)
	require.Equal(t, "L2", rec.MissingInB[0].Key[0])
	require.Equal(t, reconcile.MissingRow, rec.MissingInB[0].Classification.RootCause)
	require.Empty(t, rec.MissingInA)
	require.Empty(t, rec.Mismatches)
	// A row missing on one side still contributes its full value to that
	// side's total: left 3000, right 1000.
	require.InDelta(t, 2000, rec.Aggregate.Diff, 1e-9)
}

func TestExecute_ValueWithinTolerance(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1"}, []float64{800}, []float64{200}),
		"collections_loans": collectionsFrame([]string{"L1"}, []float64{1000.004}),
	})

	res, err := eng.Execute(context.Background(), loanSpec(), engine.ExecuteOptions{})
	require.NoError(t, err)

	rec := res.Reconciliation
	require.Equal(t, 1, rec.CommonCount)
	require.Empty(t, rec.Mismatches, "a 0.004 difference is inside the 0.01 currency tolerance")
	require.Equal(t, 1, rec.MatchCount())
}

func TestExecute_ValueMismatchClassified(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1"}, []float64{800}, []float64{200}),
		"collections_loans": collectionsFrame([]string{"L1"}, []float64{1250}),
	})

	res, err := eng.Execute(context.Background(), loanSpec(), engine.ExecuteOptions{})
	require.NoError(t, err)

	rec := res.Reconciliation
	require.Len(t, rec.Mismatches, 1)
	m := rec.Mismatches[0]
	require.InDelta(t, -250, m.Diff, 1e-9)
	require.Equal(t, reconcile.ValueOffset, m.Classification.RootCause)
}

func TestExecute_EmptyTablesYieldZeroCounts(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame(nil, nil, nil),
		"collections_loans": collectionsFrame(nil, nil),
	})

	res, err := eng.Execute(context.Background(), loanSpec(), engine.ExecuteOptions{})
	require.NoError(t, err, "empty tables are a boundary case, never an error")

	rec := res.Reconciliation
	require.Zero(t, rec.CommonCount)
	require.Empty(t, rec.MissingInA)
	require.Empty(t, rec.MissingInB)
	require.Empty(t, rec.Mismatches)
	require.Zero(t, rec.Aggregate.TotalLeft)
	require.Zero(t, rec.Aggregate.TotalRight)
}

func TestExecute_CancelledContext(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1"}, []float64{800}, []float64{200}),
		"collections_loans": collectionsFrame([]string{"L1"}, []float64{1000}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Execute(ctx, loanSpec(), engine.ExecuteOptions{})
	require.ErrorIs(t, err, rcaerrors.ErrCancelled)
}

// grainCatalog declares a left side at loan grain with a loan->customer
// mapping table, and a right side natively at customer grain.
func grainCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	docs := map[string][]byte{
		"entities.json": []byte(`[
			{"id": "loan", "name": "Loan", "grain": ["loan_id"], "attributes": ["outstanding"]},
			{"id": "customer", "name": "Customer", "grain": ["customer_id"], "attributes": ["outstanding"]}
		]`),
		"tables.json": []byte(`[
			{"name": "los_loans", "entity": "loan", "system": "LOS", "path": "los_loans.csv",
			 "primary_key": ["loan_id"],
			 "columns": [{"name": "loan_id", "data_type": "string"}, {"name": "outstanding", "data_type": "decimal"}]},
			{"name": "loan_customer_map", "entity": "loan", "system": "LOS", "path": "map.csv",
			 "primary_key": ["loan_id"],
			 "columns": [{"name": "loan_id", "data_type": "string"}, {"name": "customer_id", "data_type": "string"}]},
			{"name": "col_customers", "entity": "customer", "system": "COLLECTIONS", "path": "cc.csv",
			 "primary_key": ["customer_id"],
			 "columns": [{"name": "customer_id", "data_type": "string"}, {"name": "outstanding", "data_type": "decimal"}]}
		]`),
		"metrics.json":         []byte(`[{"id": "outstanding", "name": "Outstanding Balance"}]`),
		"business_labels.json": []byte(`[]`),
		"rules.json": []byte(`[
			{"id": "los_outstanding", "system": "LOS", "metric": "outstanding",
			 "target_entity": "loan", "target_grain": ["loan_id"],
			 "computation": {"source_entities": ["loan"], "attributes_needed": {"loan": ["outstanding"]},
			                 "formula": "outstanding", "aggregation_grain": ["loan_id"]}},
			{"id": "col_outstanding", "system": "COLLECTIONS", "metric": "outstanding",
			 "target_entity": "customer", "target_grain": ["customer_id"],
			 "computation": {"source_entities": ["customer"], "attributes_needed": {"customer": ["outstanding"]},
			                 "formula": "outstanding", "aggregation_grain": ["customer_id"]}}
		]`),
		"lineage.json": []byte(`[
			{"from": "los_loans", "to": "loan_customer_map", "keys": {"loan_id": "loan_id"}, "relationship": "one_to_one"}
		]`),
		"time.json":       []byte(`[]`),
		"identity.json":   []byte(`[]`),
		"exceptions.json": []byte(`[]`),
	}
	cat, err := catalog.LoadDocuments(docs)
	require.NoError(t, err)
	return cat
}

func TestExecute_GrainMismatchAggregatesViaMappingTable(t *testing.T) {
	cat := grainCatalog(t)
	hg := hypergraph.Build(cat)
	frames := map[string]*dataframe.Frame{
		"los_loans": dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
			"loan_id": {"L1", "L2"}, "outstanding": {500.0, 700.0},
		}),
		"loan_customer_map": dataframe.New([]string{"loan_id", "customer_id"}, map[string][]dataframe.Value{
			"loan_id": {"L1", "L2"}, "customer_id": {"C1", "C1"},
		}),
		"col_customers": dataframe.New([]string{"customer_id", "outstanding"}, map[string][]dataframe.Value{
			"customer_id": {"C1"}, "outstanding": {1200.0},
		}),
	}
	eng := engine.New(cat, hg, config.Defaults(), materialize.NewMapSource(frames), nil, obs.New("text", os.Stderr))

	spec := &intent.IntentSpec{
		TaskType:      intent.TaskRCA,
		TargetMetrics: []string{"outstanding"},
		Systems:       []string{"LOS", "COLLECTIONS"},
		Entities:      []string{"loan", "customer"},
		Grain:         []string{"customer_id"},
	}

	res, err := eng.Execute(context.Background(), spec, engine.ExecuteOptions{})
	require.NoError(t, err)

	// The left side reached customer grain by joining the mapping table
	// and then re-aggregating.
	require.Len(t, res.Left.GrainPlan.JoinPath, 1)
	require.Equal(t, "loan_customer_map", res.Left.GrainPlan.JoinPath[0].ToTable)
	require.True(t, res.Left.GrainPlan.AggregationRequired)
	require.Equal(t, 1, res.Left.Rows)

	rec := res.Reconciliation
	require.Equal(t, 1, rec.CommonCount)
	require.Empty(t, rec.Mismatches)
	require.InDelta(t, 1200, rec.Aggregate.TotalLeft, 1e-9)
	require.InDelta(t, 0, rec.Aggregate.Diff, 1e-9)
}

func TestAssess_FailFastClarificationThenClarify(t *testing.T) {
	eng := loanEngine(t, nil)
	ctx := context.Background()

	res, err := eng.Assess(ctx, "compare balance")
	require.NoError(t, err)
	require.NotNil(t, res.Clarification, "an underspecified query must fail fast")
	require.Nil(t, res.Spec)
	require.NotEmpty(t, res.Clarification.Question)
	require.Contains(t, res.Clarification.Missing, "systems")
	require.Contains(t, res.Clarification.Hints.CandidateMetrics, "outstanding")

	res, err = eng.Clarify(ctx, "compare balance", "for each loan between LOS and collections")
	require.NoError(t, err)
	require.NotNil(t, res.Spec, "the clarification answer must push confidence over the threshold")
	require.Equal(t, []string{"outstanding"}, res.Spec.TargetMetrics)
	require.ElementsMatch(t, []string{"LOS", "COLLECTIONS"}, res.Spec.Systems)
	require.Equal(t, []string{"loan_id"}, res.Spec.Grain)
}

// cartesianCatalog declares a lineage edge with no key pairs, so reaching
// region grain forces a keyless join.
func cartesianCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	docs := map[string][]byte{
		"entities.json": []byte(`[{"id": "txn", "name": "Transaction", "grain": ["txn_id"], "attributes": ["amount"]}]`),
		"tables.json": []byte(`[
			{"name": "a_txns", "entity": "txn", "system": "SYS_A", "path": "a.csv",
			 "primary_key": ["txn_id"],
			 "columns": [{"name": "txn_id", "data_type": "string"}, {"name": "amount", "data_type": "decimal"}]},
			{"name": "a_regions", "entity": "txn", "system": "SYS_A", "path": "ar.csv",
			 "primary_key": ["region_name"],
			 "columns": [{"name": "region_name", "data_type": "string"}]},
			{"name": "b_txns", "entity": "txn", "system": "SYS_B", "path": "b.csv",
			 "primary_key": ["txn_id"],
			 "columns": [{"name": "txn_id", "data_type": "string"}, {"name": "region_name", "data_type": "string"}, {"name": "amount", "data_type": "decimal"}]}
		]`),
		"metrics.json":         []byte(`[{"id": "amount", "name": "Amount"}]`),
		"business_labels.json": []byte(`[]`),
		"rules.json": []byte(`[
			{"id": "a_amount", "system": "SYS_A", "metric": "amount",
			 "target_entity": "txn", "target_grain": ["txn_id"],
			 "computation": {"source_entities": ["txn"], "attributes_needed": {"txn": ["amount"]},
			                 "formula": "amount", "aggregation_grain": ["txn_id"]}},
			{"id": "b_amount", "system": "SYS_B", "metric": "amount",
			 "target_entity": "txn", "target_grain": ["txn_id"],
			 "computation": {"source_entities": ["txn"], "attributes_needed": {"txn": ["amount"]},
			                 "formula": "amount", "aggregation_grain": ["txn_id"]}}
		]`),
		"lineage.json":    []byte(`[{"from": "a_txns", "to": "a_regions", "keys": {}, "relationship": "many_to_many"}]`),
		"time.json":       []byte(`[]`),
		"identity.json":   []byte(`[]`),
		"exceptions.json": []byte(`[]`),
	}
	cat, err := catalog.LoadDocuments(docs)
	require.NoError(t, err)
	return cat
}

func TestExecute_CartesianJoinRefusedBeforeScan(t *testing.T) {
	cat := cartesianCatalog(t)
	hg := hypergraph.Build(cat)
	hg.SetTableRowCount("a_txns", 50_000_000)
	hg.SetTableRowCount("a_regions", 50_000_000)

	// An empty source: any scan attempt would fail with a fixture error,
	// so a SafetyRefusal proves the guardrail ran first.
	eng := engine.New(cat, hg, config.Defaults(), materialize.NewMapSource(nil), nil, obs.New("text", os.Stderr))

	spec := &intent.IntentSpec{
		TaskType:      intent.TaskRCA,
		TargetMetrics: []string{"amount"},
		Systems:       []string{"SYS_A", "SYS_B"},
		Entities:      []string{"txn"},
		Grain:         []string{"txn_id", "region_name"},
	}

	_, err := eng.Execute(context.Background(), spec, engine.ExecuteOptions{})
	require.ErrorIs(t, err, rcaerrors.ErrSafetyRefusal)
}

func TestTraverse_PlansWithoutReadingData(t *testing.T) {
	// No frames registered: any data read would error, so a successful
	// traversal proves planning never touches the source.
	eng := loanEngine(t, nil)

	state, err := eng.Traverse(context.Background(),
		"why does outstanding differ between LOS and collections for each loan")
	require.NoError(t, err)
	require.Empty(t, state.Clarification)

	stages := map[string]bool{}
	for _, s := range state.Steps {
		stages[s.Stage] = true
	}
	require.True(t, stages["intent"])
	require.True(t, stages[engine.StageRuleSelect])
	require.True(t, stages[engine.StageGrainResolve])
	require.True(t, stages[engine.StagePipelineCompile])
	require.True(t, stages[engine.StageSafetyCheck])
}

func TestPool_ExecuteAllIsPositional(t *testing.T) {
	eng := loanEngine(t, map[string]*dataframe.Frame{
		"los_loans":         losFrame([]string{"L1"}, []float64{800}, []float64{200}),
		"collections_loans": collectionsFrame([]string{"L1"}, []float64{1000}),
	})
	pool := engine.NewPool(eng, 2)

	good := loanSpec()
	bad := &intent.IntentSpec{TaskType: intent.TaskRCA, TargetMetrics: []string{"outstanding"}, Systems: []string{"LOS"}}

	results, errs := pool.ExecuteAll(context.Background(), []*intent.IntentSpec{good, bad}, engine.ExecuteOptions{})
	require.NoError(t, errs[0])
	require.NotNil(t, results[0])
	require.Error(t, errs[1], "a one-system intent cannot reconcile")
	require.Nil(t, results[1])
}
