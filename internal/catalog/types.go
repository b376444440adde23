// Package catalog loads and indexes the declarative documents describing
// entities, tables, rules, lineage, identity mappings, time rules and
// business labels (spec §3.1, §4.1). A Catalog is built once at process
// startup and is read-only for the remainder of the process lifetime
// (spec §3.5) — no exported method mutates it after LoadDir or
// LoadDocuments returns.
package catalog

// Entity is the abstract business object (loan, customer, payment) that one
// or more Tables instantiate.
type Entity struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Grain      []string `json:"grain"`
	Attributes []string `json:"attributes"`
}

// ColumnMeta describes one physical column of a Table. DistinctValues is an
// optional sample of literal values seen in the column; the Hypergraph seeds
// its value-search index from these samples (spec §4.2).
type ColumnMeta struct {
	Name           string   `json:"name"`
	DataType       string   `json:"data_type,omitempty"`
	Description    string   `json:"description,omitempty"`
	DistinctValues []string `json:"distinct_values,omitempty"`
}

// Table is a physical dataset belonging to one System and instantiating one
// Entity. PrimaryKey is the table's native grain.
type Table struct {
	Name        string       `json:"name"`
	Entity      string       `json:"entity"`
	System      string       `json:"system"`
	Path        string       `json:"path"`
	PrimaryKey  []string     `json:"primary_key"`
	TimeColumn  string       `json:"time_column,omitempty"`
	Columns     []ColumnMeta `json:"columns"`
}

// ColumnNames returns the table's column names in declared order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table declares a column with this name.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Column returns the ColumnMeta for name, or nil if not declared.
func (t *Table) Column(name string) *ColumnMeta {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Computation is the body of a Rule: the formula, the entities/attributes it
// draws from, and the grain at which it aggregates (spec §3.1).
type Computation struct {
	Description       string              `json:"description,omitempty"`
	SourceEntities     []string            `json:"source_entities"`
	AttributesNeeded  map[string][]string `json:"attributes_needed"`
	Formula            string              `json:"formula"`
	AggregationGrain  []string            `json:"aggregation_grain"`
	FilterConditions  map[string]string   `json:"filter_conditions,omitempty"`
	SourceTable        string              `json:"source_table,omitempty"`
	Note               string              `json:"note,omitempty"`
}

// Rule is a contract: applying it to its source tables yields one row per
// TargetGrain combination with Metric as a derived column (spec §3.1 inv. 1).
type Rule struct {
	ID           string      `json:"id"`
	System       string      `json:"system"`
	Metric       string      `json:"metric"`
	TargetEntity string      `json:"target_entity"`
	TargetGrain  []string    `json:"target_grain"`
	Computation  Computation `json:"computation"`
}

// Relationship is the declared cardinality of a LineageEdge.
type Relationship string

const (
	OneToOne   Relationship = "one_to_one"
	OneToMany  Relationship = "one_to_many"
	ManyToOne  Relationship = "many_to_one"
	ManyToMany Relationship = "many_to_many"
)

// LineageEdge is a declared join possibility between two tables; direction
// expresses cardinality (spec §3.1).
type LineageEdge struct {
	From         string            `json:"from"`
	To           string            `json:"to"`
	Keys         map[string]string `json:"keys"`
	Relationship Relationship      `json:"relationship"`
}

// IdentityMapping declares, per (entity, system), the column that represents
// the canonical identifier (spec §3.1, §4.7).
type IdentityMapping struct {
	Entity           string  `json:"entity"`
	System           string  `json:"system"`
	Column           string  `json:"column"`
	CanonicalColumn  string  `json:"canonical_column"`
	Confidence       float64 `json:"confidence,omitempty"`
	Inferred         bool    `json:"inferred,omitempty"`
}

// AsOfDefault is either the literal string "latest" or a parseable date.
type AsOfRule struct {
	Table        string `json:"table"`
	AsOfColumn   string `json:"as_of_column"`
	Default      string `json:"default"`
}

// BusinessLabel declares a human-friendly alias for a system, metric or
// reconciliation type.
type BusinessLabel struct {
	Alias  string `json:"alias"`
	Kind   string `json:"kind"` // "system" | "metric" | "recon_type"
	Target string `json:"target"`
}

// Metric is declarative metadata about a named business metric independent
// of any one Rule's computation of it (used by intent compilation to list
// candidate metrics during clarification, spec §4.3).
type Metric struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}
