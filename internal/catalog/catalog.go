package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "catalog"

// documentFiles lists the nine declarative documents a directory-backed
// catalog is built from (spec §6), plus the optional knowledge base.
var documentFiles = []string{
	"entities.json",
	"tables.json",
	"metrics.json",
	"business_labels.json",
	"rules.json",
	"lineage.json",
	"time.json",
	"identity.json",
	"exceptions.json",
}

// Exception records a catalog-load-time override or suppression declared in
// exceptions.json — e.g. a rule that is known to violate an invariant but is
// accepted anyway with a recorded reason.
type Exception struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Catalog holds the typed metadata loaded from the nine documents plus the
// forward indexes built over them. Once LoadDir or LoadDocuments returns, a
// Catalog is immutable;
// Generation increments each time a fresh Catalog is loaded so in-flight
// queries can detect and reject stale rule/pipeline caches (spec §5).
type Catalog struct {
	Generation uint64

	Entities       []Entity
	Tables         []Table
	Metrics        []Metric
	BusinessLabels []BusinessLabel
	Rules          []Rule
	Lineage        []LineageEdge
	AsOfRules      []AsOfRule
	Identity       []IdentityMapping
	Exceptions     []Exception
	KnowledgeBase  map[string]string

	tableByName    map[string]*Table
	tablesByEntity map[string][]*Table
	tablesBySystem map[string][]*Table
	ruleByID       map[string]*Rule
	rulesBySysMet  map[string][]*Rule
	metricByID     map[string]*Metric
	entityByID     map[string]*Entity
	asOfByTable    map[string]*AsOfRule
	identityByKey  map[string]*IdentityMapping // key: entity|system
	labelsByAlias  map[string]*BusinessLabel
}

var generationCounter uint64

// LoadDir loads a Catalog from a directory containing the nine JSON
// documents described in spec §6. Any cross-reference that dangles (a Rule
// naming an unknown entity, a LineageEdge naming an unknown table or column,
// ...) is reported as a CatalogError — catalog loading fails fast rather
// than surfacing broken references at query time (spec §4.1).
func LoadDir(dir string) (*Catalog, error) {
	c := &Catalog{KnowledgeBase: map[string]string{}}

	for _, name := range documentFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) // #nosec G304 - catalog directory is operator-controlled config
		if err != nil {
			if os.IsNotExist(err) {
				return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
					map[string]any{"reason": "missing_file", "file": name})
			}
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
				map[string]any{"reason": "parse_error", "file": name})
		}
		if err := c.decodeDocument(name, data); err != nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
				map[string]any{"reason": "parse_error", "file": name})
		}
	}

	kbPath := filepath.Join(dir, "knowledge_base.json")
	if data, err := os.ReadFile(kbPath); err == nil { // #nosec G304
		if err := json.Unmarshal(data, &c.KnowledgeBase); err != nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
				map[string]any{"reason": "parse_error", "file": "knowledge_base.json"})
		}
	}

	if err := c.buildIndexes(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
			map[string]any{"reason": "broken_reference"})
	}

	generationCounter++
	c.Generation = generationCounter
	return c, nil
}

// LoadDocuments builds a Catalog from in-memory document bytes keyed by the
// same filenames LoadDir reads from disk (e.g. "entities.json"). Used by the
// relational-store backend (internal/catalog/dbsource) so both backends
// share one decode/index/validate path (spec §6 "Alternative backend").
func LoadDocuments(docs map[string][]byte) (*Catalog, error) {
	c := &Catalog{KnowledgeBase: map[string]string{}}

	for _, name := range documentFiles {
		data, ok := docs[name]
		if !ok {
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, nil,
				map[string]any{"reason": "missing_file", "file": name})
		}
		if err := c.decodeDocument(name, data); err != nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
				map[string]any{"reason": "parse_error", "file": name})
		}
	}
	if kb, ok := docs["knowledge_base.json"]; ok {
		if err := json.Unmarshal(kb, &c.KnowledgeBase); err != nil {
			return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
				map[string]any{"reason": "parse_error", "file": "knowledge_base.json"})
		}
	}

	if err := c.buildIndexes(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, rcaerrors.New(stageName, rcaerrors.KindCatalogError, err,
			map[string]any{"reason": "broken_reference"})
	}

	generationCounter++
	c.Generation = generationCounter
	return c, nil
}

func (c *Catalog) decodeDocument(name string, data []byte) error {
	switch name {
	case "entities.json":
		return json.Unmarshal(data, &c.Entities)
	case "tables.json":
		return json.Unmarshal(data, &c.Tables)
	case "metrics.json":
		return json.Unmarshal(data, &c.Metrics)
	case "business_labels.json":
		return json.Unmarshal(data, &c.BusinessLabels)
	case "rules.json":
		return json.Unmarshal(data, &c.Rules)
	case "lineage.json":
		return json.Unmarshal(data, &c.Lineage)
	case "time.json":
		return json.Unmarshal(data, &c.AsOfRules)
	case "identity.json":
		return json.Unmarshal(data, &c.Identity)
	case "exceptions.json":
		return json.Unmarshal(data, &c.Exceptions)
	default:
		return fmt.Errorf("unknown catalog document %q", name)
	}
}

func (c *Catalog) buildIndexes() error {
	c.tableByName = make(map[string]*Table, len(c.Tables))
	c.tablesByEntity = make(map[string][]*Table)
	c.tablesBySystem = make(map[string][]*Table)
	for i := range c.Tables {
		t := &c.Tables[i]
		if _, dup := c.tableByName[t.Name]; dup {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		c.tableByName[t.Name] = t
		c.tablesByEntity[t.Entity] = append(c.tablesByEntity[t.Entity], t)
		c.tablesBySystem[t.System] = append(c.tablesBySystem[t.System], t)
	}

	c.ruleByID = make(map[string]*Rule, len(c.Rules))
	c.rulesBySysMet = make(map[string][]*Rule)
	for i := range c.Rules {
		r := &c.Rules[i]
		if _, dup := c.ruleByID[r.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		c.ruleByID[r.ID] = r
		key := sysMetKey(r.System, r.Metric)
		c.rulesBySysMet[key] = append(c.rulesBySysMet[key], r)
	}

	c.metricByID = make(map[string]*Metric, len(c.Metrics))
	for i := range c.Metrics {
		c.metricByID[c.Metrics[i].ID] = &c.Metrics[i]
	}

	c.entityByID = make(map[string]*Entity, len(c.Entities))
	for i := range c.Entities {
		c.entityByID[c.Entities[i].ID] = &c.Entities[i]
	}

	c.asOfByTable = make(map[string]*AsOfRule, len(c.AsOfRules))
	for i := range c.AsOfRules {
		c.asOfByTable[c.AsOfRules[i].Table] = &c.AsOfRules[i]
	}

	c.identityByKey = make(map[string]*IdentityMapping, len(c.Identity))
	for i := range c.Identity {
		im := &c.Identity[i]
		key := sysMetKey(im.Entity, im.System)
		if existing, dup := c.identityByKey[key]; dup && !existing.Inferred {
			return fmt.Errorf("more than one canonical identifier mapping for (entity=%s, system=%s)", im.Entity, im.System)
		}
		c.identityByKey[key] = im
	}

	c.labelsByAlias = make(map[string]*BusinessLabel, len(c.BusinessLabels))
	for i := range c.BusinessLabels {
		c.labelsByAlias[c.BusinessLabels[i].Alias] = &c.BusinessLabels[i]
	}

	return nil
}

func sysMetKey(a, b string) string { return a + "|" + b }

// TableByName returns the table with the given name, or nil.
func (c *Catalog) TableByName(name string) *Table { return c.tableByName[name] }

// TablesByEntity returns all tables instantiating the given entity.
func (c *Catalog) TablesByEntity(entity string) []*Table { return c.tablesByEntity[entity] }

// TablesBySystem returns all tables belonging to the given system.
func (c *Catalog) TablesBySystem(system string) []*Table { return c.tablesBySystem[system] }

// RuleByID returns the rule with the given id, or nil.
func (c *Catalog) RuleByID(id string) *Rule { return c.ruleByID[id] }

// RulesFor returns the candidate rules declared for (system, metric).
func (c *Catalog) RulesFor(system, metric string) []*Rule {
	return c.rulesBySysMet[sysMetKey(system, metric)]
}

// MetricByID returns the metric with the given id, or nil.
func (c *Catalog) MetricByID(id string) *Metric { return c.metricByID[id] }

// EntityByID returns the entity with the given id, or nil.
func (c *Catalog) EntityByID(id string) *Entity { return c.entityByID[id] }

// AsOfFor returns the AsOfRule declared for a table, or nil if the table has
// no time-slicing rule (a missing rule is a no-op per spec §4.7).
func (c *Catalog) AsOfFor(table string) *AsOfRule { return c.asOfByTable[table] }

// IdentityFor returns the canonical identifier mapping for (entity, system).
func (c *Catalog) IdentityFor(entity, system string) *IdentityMapping {
	return c.identityByKey[sysMetKey(entity, system)]
}

// ResolveLabel resolves a business-label alias to its canonical target,
// case-sensitively; returns ("", false) if unknown.
func (c *Catalog) ResolveLabel(alias string) (string, bool) {
	l, ok := c.labelsByAlias[alias]
	if !ok {
		return "", false
	}
	return l.Target, true
}
