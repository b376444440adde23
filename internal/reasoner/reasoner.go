// Package reasoner implements the Rule Reasoner (spec §4.4): given an
// IntentSpec plus the candidate rules for (system, metric), selects one
// rule with an explicit, auditable chain of thought. Deterministic scoring
// runs first; the upstream model is consulted only when ambiguous (spec
// GLOSSARY "chain-of-thought": not a prompt-engineering artifact).
// Grounded on the teacher's internal/decision package's scoring-then
// -escalate shape, generalized from issue-routing decisions to rule
// selection.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/catalog"
	"github.com/reconcile-labs/reconcile/internal/intent"
	"github.com/reconcile-labs/reconcile/internal/llm"
	"github.com/reconcile-labs/reconcile/internal/rcaerrors"
)

const stageName = "reasoner"

// ReasoningStep is one entry of an auditable chain of thought.
type ReasoningStep struct {
	Description string
}

// SelectedRule is the reasoner's output (spec §4.4).
type SelectedRule struct {
	Rule                   *catalog.Rule
	Reasoning              string
	Confidence             float64
	AlternativesConsidered []*catalog.Rule
	ChainOfThought         []ReasoningStep
}

// Reasoner selects a rule for one (system, metric) pair.
type Reasoner struct {
	cat *catalog.Catalog
	llm *llm.Client // optional; nil disables upstream escalation (deterministic fallback only)
}

// New builds a Reasoner. llmClient may be nil; escalation then falls back
// to a deterministic "first candidate" suggestion with low confidence,
// honoring spec §9's "the upstream model never participates in an
// invariant."
func New(cat *catalog.Catalog, llmClient *llm.Client) *Reasoner {
	return &Reasoner{cat: cat, llm: llmClient}
}

// filterMap extracts a column→value map from the intent's constraints and
// time scope, used to compare against each candidate rule's declared
// filter_conditions (spec §4.4).
func filterMap(spec *intent.IntentSpec) map[string]string {
	m := map[string]string{}
	for _, c := range spec.Constraints {
		if c.Value.Kind == intent.ValueString {
			m[strings.ToLower(c.Column)] = strings.ToLower(c.Value.String)
		}
	}
	if spec.TimeScope != nil && spec.TimeScope.IsAsOf() {
		m["as_of_date"] = strings.ToLower(spec.TimeScope.AsOf)
	}
	return m
}

// ruleMatchesFilters reports whether a rule's declared filter_conditions
// are compatible with the intent's filter map, case-insensitively (spec
// §4.4): rules without filter_conditions match only when none of the
// intent's filters fall within any candidate rule's filter space.
func ruleMatchesFilters(r *catalog.Rule, filters map[string]string, anyRuleHasFilterSpace map[string]bool) bool {
	if len(r.Computation.FilterConditions) == 0 {
		for k := range filters {
			if anyRuleHasFilterSpace[strings.ToLower(k)] {
				return false
			}
		}
		return true
	}
	for k, v := range r.Computation.FilterConditions {
		if fv, ok := filters[strings.ToLower(k)]; ok {
			if !strings.EqualFold(fv, v) {
				return false
			}
		}
	}
	return true
}

// Select runs the selection strategy of spec §4.4 for one (system, metric).
func (rs *Reasoner) Select(ctx context.Context, spec *intent.IntentSpec, system, metric string) (*SelectedRule, error) {
	candidates := rs.cat.RulesFor(system, metric)
	filters := filterMap(spec)

	filterSpace := map[string]bool{}
	for _, r := range candidates {
		for k := range r.Computation.FilterConditions {
			filterSpace[strings.ToLower(k)] = true
		}
	}

	var matched []*catalog.Rule
	for _, r := range candidates {
		if ruleMatchesFilters(r, filters, filterSpace) {
			matched = append(matched, r)
		}
	}

	switch len(matched) {
	case 1:
		return rs.selectExactlyOne(matched[0], candidates), nil
	case 0:
		return rs.escalateZeroMatches(ctx, system, metric, spec, candidates)
	default:
		return rs.rankMultipleMatches(ctx, matched, filters, spec)
	}
}

// selectExactlyOne emits the four-step synthetic chain-of-thought and
// confidence 0.95 required for a single clean match (spec §4.4 step 1).
func (rs *Reasoner) selectExactlyOne(r *catalog.Rule, allCandidates []*catalog.Rule) *SelectedRule {
	var alternatives []*catalog.Rule
	for _, c := range allCandidates {
		if c.ID != r.ID {
			alternatives = append(alternatives, c)
		}
	}

	cot := []ReasoningStep{
		{Description: fmt.Sprintf("filter matching: rule %q's declared filters are compatible with the query's constraints", r.ID)},
		{Description: fmt.Sprintf("entity analysis: rule targets entity %q at grain %v", r.TargetEntity, r.TargetGrain)},
		{Description: fmt.Sprintf("formula summary: %s", r.Computation.Formula)},
		{Description: fmt.Sprintf("alternatives: %d other candidate rule(s) for this (system, metric) were considered and rejected", len(alternatives))},
	}

	return &SelectedRule{
		Rule:                   r,
		Reasoning:              fmt.Sprintf("rule %q is the only candidate matching the query's filters", r.ID),
		Confidence:             0.95,
		AlternativesConsidered: alternatives,
		ChainOfThought:         cot,
	}
}

// escalateZeroMatches asks the upstream model for a best-fallback
// suggestion (spec §4.4 step 2); this is a recoverable condition.
func (rs *Reasoner) escalateZeroMatches(ctx context.Context, system, metric string, spec *intent.IntentSpec, allCandidates []*catalog.Rule) (*SelectedRule, error) {
	if len(allCandidates) == 0 {
		return nil, rcaerrors.New(stageName, rcaerrors.KindUnresolvableMetric, nil,
			map[string]any{"system": system, "metric": metric, "reason": "no_rule_declared"})
	}

	fallback := allCandidates[0]
	reasoning := "no declared rule filter matched the query; falling back to the first declared candidate"
	confidence := 0.5

	if rs.llm != nil {
		prompt := fmt.Sprintf(
			"No rule's filter_conditions matched this query for system=%s metric=%s. "+
				"Candidates: %s. Suggest the best fallback rule id as JSON: {\"rule_id\": \"...\", \"reasoning\": \"...\"}",
			system, metric, candidateIDs(allCandidates))
		resp, err := rs.llm.Complete(ctx, stageName, prompt)
		if err == nil {
			var parsed struct {
				RuleID    string `json:"rule_id"`
				Reasoning string `json:"reasoning"`
			}
			if json.Unmarshal([]byte(resp), &parsed) == nil && parsed.RuleID != "" {
				if r := findByID(allCandidates, parsed.RuleID); r != nil {
					fallback = r
					reasoning = parsed.Reasoning
					confidence = 0.6
				}
			}
		}
		// An UpstreamModelError here is recoverable per spec §7; fall through
		// to the deterministic suggestion rather than failing the query.
	}

	return &SelectedRule{
		Rule:                   fallback,
		Reasoning:              reasoning,
		Confidence:             confidence,
		AlternativesConsidered: allCandidates,
		ChainOfThought: []ReasoningStep{
			{Description: "zero rules matched the query's filters"},
			{Description: reasoning},
		},
	}, nil
}

// rankMultipleMatches implements step 3 of spec §4.4's selection strategy.
func (rs *Reasoner) rankMultipleMatches(ctx context.Context, matched []*catalog.Rule, filters map[string]string, spec *intent.IntentSpec) (*SelectedRule, error) {
	type scored struct {
		rule          *catalog.Rule
		hasFilters    bool
		matchingPairs int
		sourceEntities int
	}

	scoredRules := make([]scored, 0, len(matched))
	for _, r := range matched {
		matching := 0
		for k, v := range r.Computation.FilterConditions {
			if fv, ok := filters[strings.ToLower(k)]; ok && strings.EqualFold(fv, v) {
				matching++
			}
		}
		scoredRules = append(scoredRules, scored{
			rule:           r,
			hasFilters:     len(r.Computation.FilterConditions) > 0,
			matchingPairs:  matching,
			sourceEntities: len(r.Computation.SourceEntities),
		})
	}

	sort.SliceStable(scoredRules, func(i, j int) bool {
		if scoredRules[i].hasFilters != scoredRules[j].hasFilters {
			return scoredRules[i].hasFilters
		}
		if scoredRules[i].matchingPairs != scoredRules[j].matchingPairs {
			return scoredRules[i].matchingPairs > scoredRules[j].matchingPairs
		}
		return scoredRules[i].sourceEntities > scoredRules[j].sourceEntities
	})

	winner := scoredRules[0]
	tied := len(scoredRules) > 1 &&
		winner.hasFilters == scoredRules[1].hasFilters &&
		winner.matchingPairs == scoredRules[1].matchingPairs &&
		winner.sourceEntities == scoredRules[1].sourceEntities

	var alternatives []*catalog.Rule
	for _, s := range scoredRules[1:] {
		alternatives = append(alternatives, s.rule)
	}

	if !tied {
		confidence := 0.80 + 0.10*float64(winner.matchingPairs)/float64(max(winner.matchingPairs, 1))
		if confidence > 0.90 {
			confidence = 0.90
		}
		return &SelectedRule{
			Rule:                   winner.rule,
			Reasoning:              fmt.Sprintf("rule %q ranked highest: declared_filters=%v matching_pairs=%d source_entities=%d", winner.rule.ID, winner.hasFilters, winner.matchingPairs, winner.sourceEntities),
			Confidence:             confidence,
			AlternativesConsidered: alternatives,
			ChainOfThought: []ReasoningStep{
				{Description: fmt.Sprintf("%d rules matched the query's filters", len(matched))},
				{Description: "ranked by declared filter_conditions, then matching (key,value) pairs, then source entity count"},
				{Description: fmt.Sprintf("winner: %s", winner.rule.ID)},
			},
		}, nil
	}

	// Still tied: escalate to the upstream model with a structured prompt.
	return rs.escalateTie(ctx, scoredRules[0].rule, alternatives)
}

func (rs *Reasoner) escalateTie(ctx context.Context, preferred *catalog.Rule, alternatives []*catalog.Rule) (*SelectedRule, error) {
	reasoning := fmt.Sprintf("ranking tied; defaulting to %q pending upstream adjudication", preferred.ID)
	confidence := 0.55

	if rs.llm != nil {
		all := append([]*catalog.Rule{preferred}, alternatives...)
		prompt := fmt.Sprintf("Multiple rules tied on ranking: %s. Pick the best one as JSON {\"rule_id\":\"...\",\"reasoning\":\"...\"}", candidateIDs(all))
		resp, err := rs.llm.Complete(ctx, stageName, prompt)
		if err == nil {
			var parsed struct {
				RuleID    string `json:"rule_id"`
				Reasoning string `json:"reasoning"`
			}
			if json.Unmarshal([]byte(resp), &parsed) == nil && parsed.RuleID != "" {
				if r := findByID(all, parsed.RuleID); r != nil {
					preferred = r
					reasoning = parsed.Reasoning
					confidence = 0.75
				}
			}
		}
	}

	return &SelectedRule{
		Rule:                   preferred,
		Reasoning:              reasoning,
		Confidence:             confidence,
		AlternativesConsidered: alternatives,
		ChainOfThought: []ReasoningStep{
			{Description: "ranking produced a tie among multiple candidates"},
			{Description: reasoning},
		},
	}, nil
}

func candidateIDs(rules []*catalog.Rule) string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return strings.Join(ids, ", ")
}

func findByID(rules []*catalog.Rule, id string) *catalog.Rule {
	for _, r := range rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}
