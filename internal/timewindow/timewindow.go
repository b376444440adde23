// Package timewindow resolves the TimeScope half of an IntentSpec (spec
// §3.2) and the as-of predicate the Row Materializer pushes onto a Scan
// (spec §4.7). Natural-language time phrases ("as of last Friday", "since
// March") are parsed with olebedev/when, the same style of NL-time parsing
// library category the teacher's dependency graph draws on for date-ish
// columns (teacher: internal/timeparsing), generalized here to a real
// third-party parser instead of the teacher's hand-rolled one.
package timewindow

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Scope is a resolved time scope: either a single as-of instant or a
// [start, end) range (spec §3.2 `time_scope?: {as_of | [start,end]}`).
type Scope struct {
	AsOf       *time.Time
	RangeStart *time.Time
	RangeEnd   *time.Time
}

// IsAsOf reports whether the scope is a single instant rather than a range.
func (s Scope) IsAsOf() bool { return s.AsOf != nil }

var parser = newParser()

func newParser() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}

// ParsePhrase resolves a natural-language time phrase to a Scope, relative
// to ref (normally the query's arrival time). Returns an error if no time
// expression is recognized — callers treat this as "no time scope stated"
// rather than ClarificationNeeded by itself; the Intent Compiler's
// confidence scoring decides whether the absence needs clarification.
func ParsePhrase(phrase string, ref time.Time) (Scope, error) {
	r, err := parser.Parse(phrase, ref)
	if err != nil {
		return Scope{}, fmt.Errorf("timewindow: parse %q: %w", phrase, err)
	}
	if r == nil {
		return Scope{}, fmt.Errorf("timewindow: no time expression recognized in %q", phrase)
	}
	t := r.Time
	return Scope{AsOf: &t}, nil
}

// Comparator is the type-aware ≤ comparison the as-of predicate needs
// (spec §4.7): date, timestamp, or lexicographic string, selected by the
// dynamic type of the column value being compared.
type Comparator func(columnValue, asOf string) bool

// LessOrEqual compares two as-of-column string values against an as-of
// cutoff, trying date/timestamp parses first and falling back to plain
// lexicographic string comparison — which is exactly correct for any
// ISO-8601-formatted date or timestamp column, and a reasonable degrade
// for anything else (spec §4.7 "type-aware comparison").
func LessOrEqual(columnValue, asOf string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		cv, err1 := time.Parse(layout, columnValue)
		av, err2 := time.Parse(layout, asOf)
		if err1 == nil && err2 == nil {
			return !cv.After(av)
		}
	}
	return columnValue <= asOf
}

// ResolveDefault interprets an AsOfRule's declared default ("latest" or a
// literal) into a concrete cutoff string. "latest" resolves to latestValue,
// the maximum observed value of the as-of column in the scanned table,
// so that as-of filtering with the default is a no-op over the data that
// exists (spec §8 property 10: as_of equal to the latest row's value is
// inclusive).
func ResolveDefault(defaultSpec string, latestValue string) string {
	if defaultSpec == "latest" {
		return latestValue
	}
	return defaultSpec
}
