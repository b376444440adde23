package guardrail_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/config"
	"github.com/reconcile-labs/reconcile/internal/guardrail"
	"github.com/reconcile-labs/reconcile/internal/hypergraph"
	"github.com/reconcile-labs/reconcile/internal/pipeline"
)

func loadGuard(t *testing.T) *guardrail.Guardrail {
	t.Helper()
	cat, err := catalog.LoadDir("../catalog/testdata/good")
	require.NoError(t, err)
	hg := hypergraph.Build(cat)
	return guardrail.New(hg)
}

func TestAssess_SmallPlanPassesDefaults(t *testing.T) {
	g := loadGuard(t)
	p := &pipeline.Pipeline{}
	p.Scan("los_loans").Filter("status = 'active'").Select(pipeline.SelectColumn{Source: "loan_id"})

	a := g.Assess(p, config.Defaults())
	require.False(t, a.RequiresOverride)
	require.Empty(t, a.Reasons)
	require.Equal(t, int64(5000), a.EstimatedRowsScanned) // 10000 default rows * 0.5^1 filter
}

func TestAssess_CartesianJoinRequiresOverride(t *testing.T) {
	g := loadGuard(t)
	p := &pipeline.Pipeline{}
	p.Scan("los_loans").Join(pipeline.JoinOp{Table: "collections_loans", Type: pipeline.Inner})

	a := g.Assess(p, config.Defaults())
	require.True(t, a.RequiresOverride)
	require.True(t, a.CartesianBlocked)
	require.Equal(t, 1.0, a.EstimatedJoinExplosionRisk)
}

func TestCheck_RefusesWithoutOverride(t *testing.T) {
	g := loadGuard(t)
	p := &pipeline.Pipeline{}
	p.Scan("los_loans").Join(pipeline.JoinOp{Table: "collections_loans", Type: pipeline.Inner})

	_, err := g.Check(p, config.Defaults(), false)
	require.Error(t, err)

	a, err := g.Check(p, config.Defaults(), true)
	require.NoError(t, err)
	require.True(t, a.RequiresOverride)
}

func TestAssess_RowThresholdExceeded(t *testing.T) {
	g := loadGuard(t)
	cfg := config.Defaults()
	cfg.MaxEstimatedRows = 100

	p := &pipeline.Pipeline{}
	p.Scan("los_loans").Select(pipeline.SelectColumn{Source: "loan_id"})

	a := g.Assess(p, cfg)
	require.True(t, a.RequiresOverride)
	require.NotEmpty(t, a.Reasons)
}
