// Package rcaerrors defines the closed error taxonomy for the reconciliation
// pipeline (spec §7). Every stage-raised error carries a Kind, the Stage that
// raised it, and free-form Context for logging; sentinel values support
// errors.Is/errors.As the way internal/storage/sqlite/errors.go does in the
// teacher repo.
package rcaerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the closed taxonomy entries from spec §7.
type Kind string

const (
	KindCatalogError          Kind = "catalog_error"
	KindClarificationNeeded   Kind = "clarification_needed"
	KindUnresolvableEntity    Kind = "unresolvable_entity"
	KindUnresolvableMetric    Kind = "unresolvable_metric"
	KindContradictoryConstraints Kind = "contradictory_constraints"
	KindUnresolvableGrain     Kind = "unresolvable_grain"
	KindJoinExplosion         Kind = "join_explosion"
	KindSafetyRefusal         Kind = "safety_refusal"
	KindExpressionParseError  Kind = "expression_parse_error"
	KindUpstreamModelError    Kind = "upstream_model_error"
	KindTimeout               Kind = "timeout"
	KindCancelled              Kind = "cancelled"
)

// Sentinel errors for errors.Is comparisons against Kind-less callers.
var (
	ErrCatalog                 = errors.New("catalog error")
	ErrClarificationNeeded     = errors.New("clarification needed")
	ErrUnresolvableEntity      = errors.New("unresolvable entity")
	ErrUnresolvableMetric      = errors.New("unresolvable metric")
	ErrContradictoryConstraints = errors.New("contradictory constraints")
	ErrUnresolvableGrain       = errors.New("unresolvable grain")
	ErrJoinExplosion           = errors.New("join explosion")
	ErrSafetyRefusal           = errors.New("safety refusal")
	ErrExpressionParseError    = errors.New("expression parse error")
	ErrUpstreamModelError      = errors.New("upstream model error")
	ErrTimeout                 = errors.New("timeout")
	ErrCancelled               = errors.New("cancelled")
)

var sentinelByKind = map[Kind]error{
	KindCatalogError:             ErrCatalog,
	KindClarificationNeeded:      ErrClarificationNeeded,
	KindUnresolvableEntity:       ErrUnresolvableEntity,
	KindUnresolvableMetric:       ErrUnresolvableMetric,
	KindContradictoryConstraints: ErrContradictoryConstraints,
	KindUnresolvableGrain:        ErrUnresolvableGrain,
	KindJoinExplosion:            ErrJoinExplosion,
	KindSafetyRefusal:            ErrSafetyRefusal,
	KindExpressionParseError:     ErrExpressionParseError,
	KindUpstreamModelError:       ErrUpstreamModelError,
	KindTimeout:                  ErrTimeout,
	KindCancelled:                ErrCancelled,
}

// Error is the structured error type shared by every stage. It always wraps
// one of the sentinel values above so callers can use errors.Is against the
// sentinels without needing to know about Error itself.
type Error struct {
	Kind    Kind
	Stage   string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Stage, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s[%s]", e.Stage, e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelByKind[e.Kind]
}

// Is lets errors.Is(err, rcaerrors.ErrJoinExplosion) succeed even when Cause
// is set to something else entirely (e.g. an underlying dataframe error).
func (e *Error) Is(target error) bool {
	return target == sentinelByKind[e.Kind]
}

// New builds a structured Error for the given stage and kind.
func New(stage string, kind Kind, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Stage: stage, Cause: cause, Context: context}
}

// Wrap is a convenience for New with a single context key/value pair.
func Wrap(stage string, kind Kind, cause error, ctxKey string, ctxVal any) *Error {
	ctx := map[string]any{}
	if ctxKey != "" {
		ctx[ctxKey] = ctxVal
	}
	return New(stage, kind, cause, ctx)
}

// IsRecoverable reports whether the spec's §7 recovery table treats this
// kind as locally recoverable (UpstreamModelError, and partial Filter parse
// failures which callers signal via KindExpressionParseError with
// Context["recoverable"]=true).
func IsRecoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == KindUpstreamModelError {
		return true
	}
	if e.Kind == KindExpressionParseError {
		if v, ok := e.Context["recoverable"]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}
