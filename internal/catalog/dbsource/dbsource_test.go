package dbsource_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcile-labs/reconcile/internal/catalog/dbsource"
)

func TestParseDSN_Dialects(t *testing.T) {
	d, dsn, err := dbsource.ParseDSN("postgres://user:pw@host/db")
	require.NoError(t, err)
	require.Equal(t, dbsource.DialectPostgres, d)
	require.Equal(t, "user:pw@host/db", dsn)

	d, dsn, err = dbsource.ParseDSN("mysql://user:pw@tcp(host)/db")
	require.NoError(t, err)
	require.Equal(t, dbsource.DialectMySQL, d)
	require.Equal(t, "user:pw@tcp(host)/db", dsn)

	// A dolt source names a local database directory; the embedded driver
	// gets it back as a file URL.
	d, dsn, err = dbsource.ParseDSN("dolt:///var/lib/catalog?commitname=svc&commitemail=svc@example.com&database=catalog")
	require.NoError(t, err)
	require.Equal(t, dbsource.DialectDolt, d)
	require.Equal(t, "file:///var/lib/catalog?commitname=svc&commitemail=svc@example.com&database=catalog", dsn)

	// No scheme defaults to Postgres.
	d, _, err = dbsource.ParseDSN("host=localhost dbname=catalog")
	require.NoError(t, err)
	require.Equal(t, dbsource.DialectPostgres, d)

	_, _, err = dbsource.ParseDSN("oracle://whatever")
	require.Error(t, err)
}
