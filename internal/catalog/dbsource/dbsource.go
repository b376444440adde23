// Package dbsource implements the "alternative backend" mentioned in spec
// §6: a relational store carrying the same nine catalog tables as the
// directory-of-JSON layout, selected by configuration instead of a
// directory. It is grounded on the teacher's storage/connstring.go pattern
// (teacher: internal/storage/connstring.go) of building driver-specific
// connection strings from a plain DSN plus options. Dialects: embedded
// Dolt via github.com/dolthub/driver (the teacher's own persistence
// layer, internal/storage/dolt) and MySQL via go-sql-driver/mysql (also
// the teacher's), plus Postgres via lib/pq (not a teacher dep; carried
// for shops whose metadata store is Postgres).
package dbsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	embedded "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql" // mysql dialect
	_ "github.com/lib/pq"              // postgres dialect

	"github.com/reconcile-labs/reconcile/internal/catalog"
)

// Dialect identifies which SQL driver a DSN targets.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectDolt     Dialect = "dolt"
)

// ParseDSN splits a "dialect://rest" catalog source string into a dialect
// and a driver-ready DSN, defaulting to Postgres when no scheme is present.
// A dolt source names a local database directory ("dolt:///path/to/dbs?
// database=catalog"); the embedded driver expects it back as a file URL.
func ParseDSN(source string) (Dialect, string, error) {
	if idx := strings.Index(source, "://"); idx >= 0 {
		scheme := source[:idx]
		rest := source[idx+3:]
		switch Dialect(scheme) {
		case DialectPostgres:
			return DialectPostgres, rest, nil
		case DialectMySQL:
			return DialectMySQL, rest, nil
		case DialectDolt:
			return DialectDolt, "file://" + rest, nil
		default:
			return "", "", fmt.Errorf("dbsource: unknown dialect %q", scheme)
		}
	}
	return DialectPostgres, source, nil
}

// tableRows maps each of the nine catalog documents to the relational table
// that carries its rows; every table holds one row's JSON representation
// in its `doc` column. This mirrors the JSON-document schema exactly,
// so a store operator can migrate from directory-backed to DB-backed
// catalogs without touching the catalog package itself.
var tableRows = map[string]string{
	"entities.json":        "catalog_entities",
	"tables.json":          "catalog_tables",
	"metrics.json":         "catalog_metrics",
	"business_labels.json": "catalog_business_labels",
	"rules.json":           "catalog_rules",
	"lineage.json":         "catalog_lineage",
	"time.json":            "catalog_as_of_rules",
	"identity.json":        "catalog_identity",
	"exceptions.json":      "catalog_exceptions",
}

// Load opens the relational store identified by source and loads the nine
// catalog documents from it, then builds a Catalog the same way LoadDir
// does. Each row's `doc` column holds a JSON blob matching the directory
// -backed document schema for that table, so decode logic is shared.
func Load(source string) (*catalog.Catalog, error) {
	dialect, dsn, err := ParseDSN(source)
	if err != nil {
		return nil, err
	}

	if dialect == DialectDolt {
		return loadDolt(dsn)
	}

	driver := "postgres"
	if dialect == DialectMySQL {
		driver = "mysql"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsource: open %s: %w", driver, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("dbsource: ping %s: %w", driver, err)
	}

	return loadAllDocs(db)
}

// loadDolt reads the catalog out of an embedded Dolt database, no server
// required, following the teacher's connector lifecycle exactly
// (internal/storage/dolt/embedded_uow.go): ParseDSN, NewConnector,
// sql.OpenDB, ping to force open, work, then close the DB before the
// connector so engine filesystem locks are released last.
func loadDolt(dsn string) (_ *catalog.Catalog, err error) {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsource: dolt dsn: %w", err)
	}
	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("dbsource: dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)
	defer func() {
		cerr := errors.Join(db.Close(), connector.Close())
		if err == nil {
			err = cerr
		}
	}()

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("dbsource: ping dolt: %w", err)
	}

	return loadAllDocs(db)
}

// loadAllDocs fetches every catalog table's rows from an open connection
// and hands them to the shared document decoder.
func loadAllDocs(db *sql.DB) (*catalog.Catalog, error) {
	docs := make(map[string][]byte)
	for file, table := range tableRows {
		rows, err := fetchDocs(db, table)
		if err != nil {
			return nil, fmt.Errorf("dbsource: loading %s from %s: %w", file, table, err)
		}
		docs[file] = rows
	}
	return catalog.LoadDocuments(docs)
}

// fetchDocs concatenates every `doc` column of a catalog table into a single
// JSON array so it can be handed to the same decoder LoadDir uses.
func fetchDocs(db *sql.DB, table string) ([]byte, error) {
	// #nosec G202 - table name comes from the fixed tableRows map, not user input
	rows, err := db.Query(fmt.Sprintf("SELECT doc FROM %s ORDER BY id", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raw []json.RawMessage
	for rows.Next() {
		var doc json.RawMessage
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		raw = append(raw, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}
