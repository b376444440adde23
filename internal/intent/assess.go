package intent

import (
	"sort"
	"strings"
	"time"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/timewindow"
)

// checklist is the closed, additive confidence checklist of spec §4.3.
const (
	weightMetricIdentifiable       = 0.25
	weightBothSystemsIdentifiable  = 0.25
	weightTargetGrainInferrable    = 0.20
	weightTimeScopePresentOrDefault = 0.15
	weightConstraintsParseable     = 0.15
)

// extraction is everything Phase A can pull out of the raw query text
// without committing to a full compile. It is intentionally conservative:
// anything it cannot confidently identify counts against the score rather
// than being guessed.
type extraction struct {
	metrics     []string
	systems     []string
	entities    []string
	grain       []string
	timeScope   *TimeScope
	constraints []ConstraintSpec
	rawQuery    string
}

func (c *Compiler) extract(rawQuery string) extraction {
	lower := strings.ToLower(rawQuery)
	e := extraction{rawQuery: rawQuery}

	e.metrics = c.matchMetrics(lower)
	e.systems = c.matchSystems(lower)
	e.entities = c.matchEntities(lower)

	if len(e.entities) > 0 {
		if ent := c.cat.EntityByID(e.entities[0]); ent != nil {
			e.grain = ent.Grain
		}
	}

	if scope, ok := extractTimeScope(rawQuery); ok {
		e.timeScope = scope
	}

	e.constraints = c.matchConstraints(rawQuery)

	return e
}

func (c *Compiler) matchMetrics(lowerQuery string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range c.cat.Metrics {
		if strings.Contains(lowerQuery, strings.ToLower(m.Name)) || strings.Contains(lowerQuery, strings.ToLower(m.ID)) {
			if !seen[m.ID] {
				out = append(out, m.ID)
				seen[m.ID] = true
			}
			continue
		}
		for _, alias := range m.Aliases {
			if strings.Contains(lowerQuery, strings.ToLower(alias)) && !seen[m.ID] {
				out = append(out, m.ID)
				seen[m.ID] = true
			}
		}
	}
	for _, l := range c.cat.BusinessLabels {
		if l.Kind != "metric" {
			continue
		}
		if strings.Contains(lowerQuery, strings.ToLower(l.Alias)) && !seen[l.Target] {
			out = append(out, l.Target)
			seen[l.Target] = true
		}
	}
	return out
}

func (c *Compiler) matchSystems(lowerQuery string) []string {
	var out []string
	seen := map[string]bool{}
	systemSet := map[string]bool{}
	for _, t := range c.cat.Tables {
		systemSet[t.System] = true
	}
	systemNames := make([]string, 0, len(systemSet))
	for sys := range systemSet {
		systemNames = append(systemNames, sys)
	}
	// Sorted so the left/right assignment of a two-system query is stable
	// across runs (spec §4.7 determinism applies to the whole pipeline).
	sort.Strings(systemNames)
	for _, sys := range systemNames {
		if strings.Contains(lowerQuery, strings.ToLower(sys)) && !seen[sys] {
			out = append(out, sys)
			seen[sys] = true
		}
	}
	for _, l := range c.cat.BusinessLabels {
		if l.Kind != "system" {
			continue
		}
		if strings.Contains(lowerQuery, strings.ToLower(l.Alias)) && !seen[l.Target] {
			out = append(out, l.Target)
			seen[l.Target] = true
		}
	}
	return out
}

func (c *Compiler) matchEntities(lowerQuery string) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range c.cat.Entities {
		if strings.Contains(lowerQuery, strings.ToLower(e.Name)) || strings.Contains(lowerQuery, strings.ToLower(e.ID)) {
			if !seen[e.ID] {
				out = append(out, e.ID)
				seen[e.ID] = true
			}
		}
	}
	return out
}

func (c *Compiler) matchConstraints(rawQuery string) []ConstraintSpec {
	var out []ConstraintSpec
	words := strings.FieldsFunc(rawQuery, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '"' || r == '\''
	})
	seen := map[string]bool{}
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		for _, m := range c.hg.FindColumnsWithValue(w, "") {
			key := m.Table + "." + m.Column + "=" + m.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ConstraintSpec{Column: m.Column, Op: OpEq, Value: StringValue(m.Value)})
		}
	}
	return out
}

// extractTimeScope looks for a recognizable time phrase anywhere in the
// query text ("as of 2024-03-31", "since January").
func extractTimeScope(rawQuery string) (*TimeScope, bool) {
	lower := strings.ToLower(rawQuery)
	idx := strings.Index(lower, "as of ")
	phrase := rawQuery
	if idx >= 0 {
		phrase = rawQuery[idx:]
	}
	scope, err := timewindow.ParsePhrase(phrase, time.Now())
	if err != nil || !scope.IsAsOf() {
		return nil, false
	}
	return &TimeScope{AsOf: scope.AsOf.Format("2006-01-02")}, true
}

// score computes the additive confidence total over the closed checklist
// (spec §4.3 Phase A).
func (e extraction) score(cat *catalog.Catalog) (total float64, missing []string) {
	if len(e.metrics) > 0 {
		total += weightMetricIdentifiable
	} else {
		missing = append(missing, "metric")
	}

	if len(e.systems) >= 2 {
		total += weightBothSystemsIdentifiable
	} else {
		missing = append(missing, "systems")
	}

	if len(e.grain) > 0 {
		total += weightTargetGrainInferrable
	} else {
		missing = append(missing, "target_grain")
	}

	// Time scope is "present or defaultable": a query with no time scope
	// is still scoreable if every table the query would touch carries an
	// AsOfRule with a "latest" default (spec §4.3, §4.7 graceful
	// degradation). We approximate "defaultable" conservatively: any
	// table reachable from a matched entity/system supplies a default.
	if e.timeScope != nil || hasDefaultableAsOf(cat, e.entities, e.systems) {
		total += weightTimeScopePresentOrDefault
	} else {
		missing = append(missing, "time_scope")
	}

	// Constraints are "parseable" vacuously true when none were stated;
	// they only count against confidence if extraction found literal
	// tokens it could not resolve to any column (approximated here as:
	// always parseable, since matchConstraints only emits fully resolved
	// hits — an unresolved literal never becomes a ConstraintSpec).
	total += weightConstraintsParseable

	return total, missing
}

func hasDefaultableAsOf(cat *catalog.Catalog, entities, systems []string) bool {
	for _, ent := range entities {
		for _, t := range cat.TablesByEntity(ent) {
			if ar := cat.AsOfFor(t.Name); ar != nil && ar.Default == "latest" {
				return true
			}
		}
	}
	for _, sys := range systems {
		for _, t := range cat.TablesBySystem(sys) {
			if ar := cat.AsOfFor(t.Name); ar != nil && ar.Default == "latest" {
				return true
			}
		}
	}
	return false
}
