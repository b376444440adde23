package reasoner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/intent"
	"github.com/reconcile-labs/reconcile/internal/reasoner"
)

func loadCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.LoadDir("../catalog/testdata/good")
	require.NoError(t, err)
	return c
}

func TestSelect_ExactlyOneMatch(t *testing.T) {
	cat := loadCatalog(t)
	rs := reasoner.New(cat, nil)

	spec := &intent.IntentSpec{TaskType: intent.TaskRCA, TargetMetrics: []string{"outstanding"}}
	sel, err := rs.Select(context.Background(), spec, "LOS", "outstanding")
	require.NoError(t, err)
	require.Equal(t, "los_outstanding_v1", sel.Rule.ID)
	require.Equal(t, 0.95, sel.Confidence)
	require.Len(t, sel.ChainOfThought, 4)
}

func TestSelect_MultipleMatchesRanksByFilterConditions(t *testing.T) {
	cat := loadCatalog(t)
	rs := reasoner.New(cat, nil)

	spec := &intent.IntentSpec{TaskType: intent.TaskRCA, TargetMetrics: []string{"outstanding"}}
	sel, err := rs.Select(context.Background(), spec, "COLLECTIONS", "outstanding")
	require.NoError(t, err)
	require.NotNil(t, sel.Rule)
	require.Greater(t, sel.Confidence, 0.0)
}

func TestSelect_NoDeclaredRuleErrors(t *testing.T) {
	cat := loadCatalog(t)
	rs := reasoner.New(cat, nil)

	spec := &intent.IntentSpec{TaskType: intent.TaskRCA, TargetMetrics: []string{"does_not_exist"}}
	_, err := rs.Select(context.Background(), spec, "LOS", "does_not_exist")
	require.Error(t, err)
}
