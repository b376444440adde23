// Package intent implements the Intent Compiler (spec §4.3): a two-phase
// compiler that turns a natural-language query into a typed IntentSpec,
// implementing the fail-fast clarification gate described in the spec's
// GLOSSARY. Grounded on the teacher's internal/decision package (a
// deterministic scoring-then-escalate decision engine) and internal/query's
// lexer/parser shape for constraint-literal parsing.
package intent

// TaskType is the kind of question the query asks.
type TaskType string

const (
	TaskRCA   TaskType = "RCA"
	TaskDV    TaskType = "DV"
	TaskQuery TaskType = "QUERY"
)

// ConstraintValueKind discriminates the tagged variant replacing the
// source's dynamically-typed JSON constraint values (spec §9). The
// compiler builds only string values, from matches against a column's
// declared distinct_values; no literal parser coerces or rejects constants.
type ConstraintValueKind string

const (
	ValueNumber ConstraintValueKind = "number"
	ValueString ConstraintValueKind = "string"
	ValueArray  ConstraintValueKind = "array"
)

// ConstraintValue is the tagged variant. Exactly one of Number, String,
// Array is meaningful, selected by Kind.
type ConstraintValue struct {
	Kind   ConstraintValueKind
	Number float64
	String string
	Array  []ConstraintValue
}

// NumberValue builds a ConstraintValue of kind number.
func NumberValue(n float64) ConstraintValue { return ConstraintValue{Kind: ValueNumber, Number: n} }

// StringValue builds a ConstraintValue of kind string.
func StringValue(s string) ConstraintValue { return ConstraintValue{Kind: ValueString, String: s} }

// ArrayValue builds a ConstraintValue of kind array.
func ArrayValue(vs ...ConstraintValue) ConstraintValue {
	return ConstraintValue{Kind: ValueArray, Array: vs}
}

// ConstraintOp is the comparison operator a ConstraintSpec applies.
type ConstraintOp string

const (
	OpEq ConstraintOp = "="
	OpNe ConstraintOp = "!="
	OpGt ConstraintOp = ">"
	OpGe ConstraintOp = ">="
	OpLt ConstraintOp = "<"
	OpLe ConstraintOp = "<="
	OpIn ConstraintOp = "IN"
)

// ConstraintSpec is one typed filter extracted from the query.
type ConstraintSpec struct {
	Column string
	Op     ConstraintOp
	Value  ConstraintValue
}

// JoinType mirrors pipeline.JoinType without importing internal/pipeline,
// keeping intent free of a dependency on the compiler/materializer layer;
// internal/rulecompiler translates between the two.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinRight JoinType = "RIGHT"
	JoinFull  JoinType = "FULL"
)

// JoinSpec is one inferred or explicit join decision, always carrying the
// reasoning behind it (spec §4.3 "Each inference records (join_type,
// confidence, source, reasoning, alternatives)").
type JoinSpec struct {
	Left         string
	Right        string
	Type         JoinType
	Confidence   float64
	Source       string
	Reasoning    string
	Alternatives []JoinType
}

// TimeScope is either a single as-of instant or a [start, end) range.
type TimeScope struct {
	AsOf  string
	Start string
	End   string
}

// IsAsOf reports whether the scope names a single instant.
func (t TimeScope) IsAsOf() bool { return t.AsOf != "" }

// IntentSpec is the Intent Compiler's typed output (spec §3.2).
type IntentSpec struct {
	TaskType      TaskType
	TargetMetrics []string
	Systems       []string
	Entities      []string
	Constraints   []ConstraintSpec
	Grain         []string
	TimeScope     *TimeScope
	Joins         []JoinSpec
	Tables        []string
}

// PartialUnderstanding is what Phase A has extracted so far when confidence
// is too low to proceed — carried back to the caller in a
// ClarificationNeeded result (spec §4.3(i)-(iii)).
type PartialUnderstanding struct {
	Metrics   []string
	Systems   []string
	Entities  []string
	Grain     []string
	TimeScope *TimeScope
}

// ResponseHints suggests how to answer the consolidated question, e.g.
// enumerated candidate metrics pulled from the catalog (spec §4.3(iii)).
type ResponseHints struct {
	CandidateMetrics []string
	CandidateSystems []string
}

// ClarificationNeeded is a protocol result, not an error (spec §4.3, §7):
// one consolidated question enumerating every missing piece.
type ClarificationNeeded struct {
	Question string
	Missing  []string
	Partial  PartialUnderstanding
	Hints    ResponseHints
}
