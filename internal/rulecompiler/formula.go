package rulecompiler

import (
	"regexp"
	"strings"

	"github.com/reconcile-labs/reconcile/internal/pipeline"
)

// term is one additive/subtractive component of a formula: sign is +1 or
// -1, and text is either a bare column name or an "AGG(column)" call.
type term struct {
	sign int
	text string
}

var uppercaseAggToken = regexp.MustCompile(`\b(SUM|AVG|COUNT|MAX|MIN)\s*\(`)

// isNaturalLanguage reports whether a formula carries no uppercase
// aggregation call, i.e. it needs phrase translation (spec §4.6 step 4).
func isNaturalLanguage(formula string) bool {
	return !uppercaseAggToken.MatchString(formula)
}

// splitAdditive splits a left-to-right additive/subtractive formula into
// signed terms, recognizing both symbolic ("+"/"-") and natural-language
// ("plus"/"minus") connectives.
func splitAdditive(formula string) []term {
	normalized := formula
	normalized = regexp.MustCompile(`(?i)\bplus\b`).ReplaceAllString(normalized, "+")
	normalized = regexp.MustCompile(`(?i)\bminus\b`).ReplaceAllString(normalized, "-")

	var terms []term
	sign := 1
	var buf strings.Builder
	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text != "" {
			terms = append(terms, term{sign: sign, text: text})
		}
		buf.Reset()
	}
	for _, r := range normalized {
		switch r {
		case '+':
			flush()
			sign = 1
		case '-':
			flush()
			sign = -1
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return terms
}

// translatedFormula is the result of phrase translation: a bare column or
// a list of signed aggregation terms (column, agg func), from which the
// compiler builds the recombination expression of a terminal Derive.
type translatedFormula struct {
	// bareColumn is set when the formula is a single bare column reference
	// with no arithmetic and no aggregation keyword (spec §4.6 step 4
	// "bare column reference" case).
	bareColumn string

	// aggregated terms, present when the formula needs one Group op over
	// all term columns followed by a recombining Derive.
	terms []aggTerm
}

type aggTerm struct {
	sign   int
	column string
	agg    pipeline.AggFunc
	alias  string // "agg_<column>"; the Group op keeps the column's own name, so this is not a produced column
}

// translateFormula implements spec §4.6 step 4's phrase-to-canonical-form
// translation. sumOfPattern recognizes "sum of X" phrasing in addition to
// plain column terms; candidates are the rule's attributes_needed columns,
// which natural-language phrases resolve against.
func translateFormula(formula string, candidates []string) translatedFormula {
	terms := splitAdditive(formula)

	if len(terms) == 1 && isNaturalLanguage(formula) && !strings.Contains(strings.ToLower(terms[0].text), "sum of") {
		// Single bare term, no explicit aggregation keyword anywhere in the
		// original formula: treat as a bare column reference.
		return translatedFormula{bareColumn: resolveColumnPhrase(terms[0].text, candidates)}
	}

	out := make([]aggTerm, 0, len(terms))
	for _, t := range terms {
		col, agg := parseTermAggregation(t.text)
		col = resolveColumnPhrase(col, candidates)
		out = append(out, aggTerm{sign: t.sign, column: col, agg: agg, alias: "agg_" + col})
	}
	return translatedFormula{terms: out}
}

var aggCallPattern = regexp.MustCompile(`(?i)^(SUM|AVG|COUNT|MAX|MIN)\s*\(\s*([a-zA-Z0-9_*]+)\s*\)$`)
var sumOfPattern = regexp.MustCompile(`(?i)^sum of\s+(.+)$`)

// parseTermAggregation extracts (column, aggFunc) from one formula term,
// recognizing "SUM(col)" SQL-ish calls, "sum of col" natural language, and
// a bare column name defaulting to SUM when it appears alongside other
// aggregated terms (spec §4.6 step 4's canonical-form rule).
func parseTermAggregation(text string) (string, pipeline.AggFunc) {
	if m := aggCallPattern.FindStringSubmatch(text); m != nil {
		return m[2], pipeline.AggFunc(strings.ToUpper(m[1]))
	}
	if m := sumOfPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), pipeline.Sum
	}
	return strings.TrimSpace(text), pipeline.Sum
}

// fillerWords are phrase fragments stripped before matching a term
// against declared columns.
var fillerWords = []string{"sum of", "total of", "the", "all", "for", "only"}

// plurals maps the plural noun endings business phrasing uses back to the
// singular form column names carry ("transaction amounts" vs
// "transaction_amount").
var plurals = map[string]string{
	"amounts":       "amount",
	"balances":      "balance",
	"values":        "value",
	"totals":        "total",
	"interests":     "interest",
	"penalties":     "penalty",
	"repayments":    "repayment",
	"disbursements": "disbursement",
}

// resolveColumnPhrase maps one natural-language term to a declared column:
// strip filler words, depluralize, try an exact match (with underscores
// read as spaces), then a word-overlap match in either direction, then
// fall back to snake_casing the phrase. A term that already names a
// candidate column passes through unchanged.
func resolveColumnPhrase(text string, candidates []string) string {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	for _, w := range fillerWords {
		cleaned = strings.ReplaceAll(cleaned, w+" ", "")
	}
	words := strings.Fields(cleaned)
	for i, w := range words {
		if s, ok := plurals[w]; ok {
			words[i] = s
		}
	}
	cleaned = strings.Join(words, " ")
	if cleaned == "" {
		return strings.TrimSpace(text)
	}

	for _, col := range candidates {
		colLower := strings.ToLower(col)
		if cleaned == colLower || cleaned == strings.ReplaceAll(colLower, "_", " ") {
			return col
		}
	}

	// Every phrase word appears somewhere in the column's words, or the
	// other way around ("accrued interest" vs outstanding_interest is not
	// enough; "outstanding interest" is).
	overlap := func(phraseWords, colWords []string) bool {
		for _, pw := range phraseWords {
			hit := false
			for _, cw := range colWords {
				if strings.Contains(cw, pw) || strings.Contains(pw, cw) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
		return true
	}
	for _, col := range candidates {
		colWords := strings.Split(strings.ToLower(col), "_")
		if overlap(words, colWords) || overlap(colWords, words) {
			return col
		}
	}

	if len(words) > 1 {
		return strings.Join(words, "_")
	}
	return strings.TrimSpace(text)
}

// recombineExpr builds the additive/subtractive Derive expression that
// recombines aggregated columns into the metric, e.g. "agg_a - agg_b".
func (tf translatedFormula) recombineExpr() string {
	var b strings.Builder
	for i, t := range tf.terms {
		if i == 0 {
			if t.sign < 0 {
				b.WriteString("-")
			}
		} else if t.sign < 0 {
			b.WriteString(" - ")
		} else {
			b.WriteString(" + ")
		}
		b.WriteString(t.alias)
	}
	return b.String()
}
