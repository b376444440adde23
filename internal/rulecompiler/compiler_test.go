package rulecompiler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/grain"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
	"github.com/reconcile-labs/reconcile/internal/rulecompiler"
)

func loadFixture(t *testing.T) (*catalog.Catalog, *hypergraph.Hypergraph, *grain.Resolver) {
	t.Helper()
	cat, err := catalog.LoadDir("../catalog/testdata/good")
	require.NoError(t, err)
	hg := hypergraph.Build(cat)
	return cat, hg, grain.New(cat, hg)
}

func compileRule(t *testing.T, cat *catalog.Catalog, r *grain.Resolver, ruleID, rootTable string) *pipeline.Pipeline {
	t.Helper()
	rule := cat.RuleByID(ruleID)
	require.NotNil(t, rule, "fixture must declare rule %q", ruleID)

	plan, err := r.Resolve(rule.System, rule.TargetGrain, rule.TargetGrain, rootTable)
	require.NoError(t, err)

	p, err := rulecompiler.Compile(cat, rule, plan, pipeline.Inner, "single-table rule, no cross-table join required")
	require.NoError(t, err)
	return p
}

func TestCompile_NaturalLanguageAdditiveFormula(t *testing.T) {
	cat, _, r := loadFixture(t)
	p := compileRule(t, cat, r, "los_outstanding_v1", "los_loans")

	require.Equal(t, []string{"los_loans"}, p.ScanTables())

	var sawGroup, sawDerive, sawSelect bool
	for _, op := range p.Ops {
		switch op.Kind {
		case pipeline.KindGroup:
			sawGroup = true
			require.Equal(t, []string{"loan_id"}, op.Group.By)
			require.Equal(t, pipeline.Sum, op.Group.Agg["outstanding_principal"])
			require.Equal(t, pipeline.Sum, op.Group.Agg["outstanding_interest"])
		case pipeline.KindDerive:
			sawDerive = true
			require.Equal(t, "outstanding", op.Derive.As)
			require.Contains(t, op.Derive.Expr, "outstanding_principal")
			require.Contains(t, op.Derive.Expr, "outstanding_interest")
		case pipeline.KindSelect:
			sawSelect = true
			require.Len(t, op.Select.Columns, 2)
			require.Equal(t, "loan_id", op.Select.Columns[0].Source)
			require.Equal(t, "outstanding", op.Select.Columns[1].Source)
		}
	}
	require.True(t, sawGroup)
	require.True(t, sawDerive)
	require.True(t, sawSelect)
}

func TestCompile_BareColumnSameGrainSkipsGroup(t *testing.T) {
	cat, _, r := loadFixture(t)
	p := compileRule(t, cat, r, "collections_outstanding_v1", "collections_loans")

	require.Equal(t, []string{"collections_loans"}, p.ScanTables())

	for _, op := range p.Ops {
		require.NotEqual(t, pipeline.KindGroup, op.Kind, "bare column at matching grain must not emit a Group op")
	}

	var derive *pipeline.DeriveOp
	for _, op := range p.Ops {
		if op.Kind == pipeline.KindDerive {
			derive = op.Derive
		}
	}
	require.NotNil(t, derive)
	require.Equal(t, "outstanding_balance", derive.Expr)
	require.Equal(t, "outstanding", derive.As)
}

func TestCompile_BareColumnAtCustomerGrain(t *testing.T) {
	cat, _, r := loadFixture(t)
	p := compileRule(t, cat, r, "collections_outstanding_by_customer", "collections_customer_totals")

	require.Equal(t, []string{"collections_customer_totals"}, p.ScanTables())

	last := p.Ops[len(p.Ops)-1]
	require.Equal(t, pipeline.KindSelect, last.Kind)
	require.Equal(t, "customer_id", last.Select.Columns[0].Source)
	require.Equal(t, "outstanding", last.Select.Columns[1].Source)
}

func TestCompileForTarget_CoarserGrainReAggregates(t *testing.T) {
	cat, _, r := loadFixture(t)
	rule := cat.RuleByID("los_outstanding_v1")
	require.NotNil(t, rule)

	plan, err := r.Resolve("LOS", rule.TargetGrain, []string{"customer_id"}, "los_loans")
	require.NoError(t, err)
	require.True(t, plan.AggregationRequired)

	p, err := rulecompiler.CompileForTarget(cat, rule, plan, []string{"customer_id"}, pipeline.Left, "left join to preserve the loan side")
	require.NoError(t, err)

	// The formula's own Group keeps customer_id alongside the aggregation
	// grain, and a second Group lands the metric at customer grain.
	var groups []*pipeline.GroupOp
	for _, op := range p.Ops {
		if op.Kind == pipeline.KindGroup {
			groups = append(groups, op.Group)
		}
	}
	require.Len(t, groups, 2)
	require.ElementsMatch(t, []string{"loan_id", "customer_id"}, groups[0].By)
	require.Equal(t, []string{"customer_id"}, groups[1].By)
	require.Equal(t, pipeline.Sum, groups[1].Agg["outstanding"])

	last := p.Ops[len(p.Ops)-1]
	require.Equal(t, pipeline.KindSelect, last.Kind)
	require.Equal(t, "customer_id", last.Select.Columns[0].Source)
	require.Equal(t, "outstanding", last.Select.Columns[1].Source)
}

func TestCompile_FilterConditionsEmitFilterOps(t *testing.T) {
	docs := map[string][]byte{
		"entities.json": []byte(`[{"id": "loan", "name": "Loan", "grain": ["loan_id"], "attributes": ["outstanding"]}]`),
		"tables.json": []byte(`[
			{"name": "loans", "entity": "loan", "system": "LOS", "path": "loans.csv",
			 "primary_key": ["loan_id"],
			 "columns": [{"name": "loan_id", "data_type": "string"},
			             {"name": "segment", "data_type": "string", "distinct_values": ["msme", "retail"]},
			             {"name": "outstanding", "data_type": "decimal"}]}
		]`),
		"metrics.json":         []byte(`[{"id": "outstanding", "name": "Outstanding"}]`),
		"business_labels.json": []byte(`[]`),
		"rules.json": []byte(`[
			{"id": "msme_outstanding", "system": "LOS", "metric": "outstanding",
			 "target_entity": "loan", "target_grain": ["loan_id"],
			 "computation": {"source_entities": ["loan"], "attributes_needed": {"loan": ["outstanding"]},
			                 "formula": "outstanding", "aggregation_grain": ["loan_id"],
			                 "filter_conditions": {"segment": "msme"}}}
		]`),
		"lineage.json":    []byte(`[]`),
		"time.json":       []byte(`[]`),
		"identity.json":   []byte(`[]`),
		"exceptions.json": []byte(`[]`),
	}
	cat, err := catalog.LoadDocuments(docs)
	require.NoError(t, err)
	rule := cat.RuleByID("msme_outstanding")

	p, err := rulecompiler.Compile(cat, rule, &grain.GrainResolutionPlan{}, pipeline.Inner, "single table")
	require.NoError(t, err)

	require.Equal(t, pipeline.KindScan, p.Ops[0].Kind)
	require.Equal(t, pipeline.KindFilter, p.Ops[1].Kind)
	require.Equal(t, "segment = msme", p.Ops[1].Filter.Expr)
}

func TestCompile_NaturalLanguagePhrasesResolveToColumns(t *testing.T) {
	docs := map[string][]byte{
		"entities.json": []byte(`[{"id": "account", "name": "Account", "grain": ["account_id"], "attributes": ["account_balance", "transaction_amount", "writeoff_amount"]}]`),
		"tables.json": []byte(`[
			{"name": "accounts", "entity": "account", "system": "GL", "path": "accounts.csv",
			 "primary_key": ["account_id"],
			 "columns": [{"name": "account_id", "data_type": "string"},
			             {"name": "account_balance", "data_type": "decimal"},
			             {"name": "transaction_amount", "data_type": "decimal"},
			             {"name": "writeoff_amount", "data_type": "decimal"}]}
		]`),
		"metrics.json":         []byte(`[{"id": "net_position", "name": "Net Position"}]`),
		"business_labels.json": []byte(`[]`),
		"rules.json": []byte(`[
			{"id": "gl_net_position", "system": "GL", "metric": "net_position",
			 "target_entity": "account", "target_grain": ["account_id"],
			 "computation": {"source_entities": ["account"],
			                 "attributes_needed": {"account": ["account_balance", "transaction_amount", "writeoff_amount"]},
			                 "formula": "sum of account balances plus transaction amounts minus writeoff amounts",
			                 "aggregation_grain": ["account_id"]}}
		]`),
		"lineage.json":    []byte(`[]`),
		"time.json":       []byte(`[]`),
		"identity.json":   []byte(`[]`),
		"exceptions.json": []byte(`[]`),
	}
	cat, err := catalog.LoadDocuments(docs)
	require.NoError(t, err)
	rule := cat.RuleByID("gl_net_position")

	p, err := rulecompiler.Compile(cat, rule, &grain.GrainResolutionPlan{}, pipeline.Inner, "single table")
	require.NoError(t, err)

	// The plural business phrases resolve to the declared snake_case
	// columns, and the recombining Derive subtracts the writeoff term.
	var group *pipeline.GroupOp
	var derive *pipeline.DeriveOp
	for _, op := range p.Ops {
		switch op.Kind {
		case pipeline.KindGroup:
			group = op.Group
		case pipeline.KindDerive:
			derive = op.Derive
		}
	}
	require.NotNil(t, group)
	require.Equal(t, pipeline.Sum, group.Agg["account_balance"])
	require.Equal(t, pipeline.Sum, group.Agg["transaction_amount"])
	require.Equal(t, pipeline.Sum, group.Agg["writeoff_amount"])
	require.NotNil(t, derive)
	require.Equal(t, "account_balance + transaction_amount - writeoff_amount", derive.Expr)
}

func TestCompile_UnresolvableFormulaTermIsParseError(t *testing.T) {
	docs := map[string][]byte{
		"entities.json": []byte(`[{"id": "loan", "name": "Loan", "grain": ["loan_id"], "attributes": ["outstanding"]}]`),
		"tables.json": []byte(`[
			{"name": "loans", "entity": "loan", "system": "LOS", "path": "loans.csv",
			 "primary_key": ["loan_id"],
			 "columns": [{"name": "loan_id", "data_type": "string"}, {"name": "outstanding", "data_type": "decimal"}]}
		]`),
		"metrics.json":         []byte(`[{"id": "outstanding", "name": "Outstanding"}]`),
		"business_labels.json": []byte(`[]`),
		"rules.json": []byte(`[
			{"id": "bad_formula", "system": "LOS", "metric": "outstanding",
			 "target_entity": "loan", "target_grain": ["loan_id"],
			 "computation": {"source_entities": ["loan"], "attributes_needed": {"loan": ["outstanding"]},
			                 "formula": "gibberish widgets plus outstanding",
			                 "aggregation_grain": ["loan_id"]}}
		]`),
		"lineage.json":    []byte(`[]`),
		"time.json":       []byte(`[]`),
		"identity.json":   []byte(`[]`),
		"exceptions.json": []byte(`[]`),
	}
	cat, err := catalog.LoadDocuments(docs)
	require.NoError(t, err)
	rule := cat.RuleByID("bad_formula")

	_, err = rulecompiler.Compile(cat, rule, &grain.GrainResolutionPlan{}, pipeline.Inner, "single table")
	require.ErrorIs(t, err, rcaerrors.ErrExpressionParseError,
		"a phrase resolving to no declared attribute must fail loudly, not aggregate a missing column to zero")
}
