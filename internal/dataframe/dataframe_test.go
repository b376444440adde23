package dataframe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/dataframe"
)

func TestNewAndAccessors(t *testing.T) {
	f := dataframe.New([]string{"loan_id", "outstanding"}, map[string][]dataframe.Value{
		"loan_id":     {"L1", "L2"},
		"outstanding": {1000.0, 2000.0},
	})

	require.Equal(t, 2, f.NumRows())
	require.Equal(t, "L1", f.At("loan_id", 0))
	require.Equal(t, 2000.0, f.At("outstanding", 1))
	require.True(t, f.HasColumn("loan_id"))
	require.False(t, f.HasColumn("missing"))
}

func TestEmptyFrame(t *testing.T) {
	f := dataframe.Empty([]string{"loan_id", "outstanding"})
	require.Equal(t, 0, f.NumRows())
	require.Equal(t, []string{"loan_id", "outstanding"}, f.Columns())
}

func TestBuilderAppendRow(t *testing.T) {
	b := dataframe.NewBuilder([]string{"loan_id", "outstanding"})
	b.AppendRow(map[string]dataframe.Value{"loan_id": "L2", "outstanding": 2000.0})
	b.AppendRow(map[string]dataframe.Value{"loan_id": "L1", "outstanding": 1000.0})
	f := b.Build()
	require.Equal(t, 2, f.NumRows())
}

func TestSortByIsDeterministic(t *testing.T) {
	b := dataframe.NewBuilder([]string{"loan_id", "outstanding"})
	b.AppendRow(map[string]dataframe.Value{"loan_id": "L2", "outstanding": 2000.0})
	b.AppendRow(map[string]dataframe.Value{"loan_id": "L1", "outstanding": 1000.0})
	f := b.Build().SortBy([]string{"loan_id"})

	require.Equal(t, "L1", f.At("loan_id", 0))
	require.Equal(t, "L2", f.At("loan_id", 1))
}
