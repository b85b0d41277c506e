package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"relay/internal/occurrence"
	"relay/pkg/cel"
	"relay/pkg/metrics"
)

// Predicate evaluates one condition kind against an occurrence.
type Predicate func(ctx context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error)

// Registry maps condition kinds to predicates. Unknown kinds fail closed:
// the rule does not match and the error is surfaced to the health tracker.
type Registry struct {
	kinds map[string]Predicate
	cel   *cel.Evaluator
}

func NewRegistry(celEval *cel.Evaluator) *Registry {
	r := &Registry{
		kinds: make(map[string]Predicate),
		cel:   celEval,
	}

	r.kinds["from_contains"] = fieldContains(func(o *occurrence.Occurrence) string { return o.From })
	r.kinds["from_equals"] = fieldEquals(func(o *occurrence.Occurrence) string { return o.From })
	r.kinds["to_contains"] = fieldContains(func(o *occurrence.Occurrence) string { return o.To })
	r.kinds["to_equals"] = fieldEquals(func(o *occurrence.Occurrence) string { return o.To })
	r.kinds["subject_contains"] = fieldContains(func(o *occurrence.Occurrence) string { return o.Subject })
	r.kinds["subject_equals"] = fieldEquals(func(o *occurrence.Occurrence) string { return o.Subject })
	r.kinds["body_contains"] = fieldContains(func(o *occurrence.Occurrence) string { return o.Body })
	r.kinds["event_type_equals"] = fieldEquals(func(o *occurrence.Occurrence) string { return o.EventType })
	r.kinds["source_equals"] = fieldEquals(func(o *occurrence.Occurrence) string { return o.Source })
	r.kinds["subject_matches"] = matchesRegex
	r.kinds["has_attachment"] = hasAttachment
	r.kinds["cel"] = r.celPredicate

	return r
}

// Evaluate checks every condition; all must hold for the rule to match.
func (r *Registry) Evaluate(ctx context.Context, occ *occurrence.Occurrence, conditions map[string]interface{}) (bool, error) {
	for kind, value := range conditions {
		predicate, ok := r.kinds[kind]
		if !ok {
			metrics.RuleEvaluationErrorsTotal.WithLabelValues(kind).Inc()
			return false, fmt.Errorf("unknown condition kind '%s'", kind)
		}

		matched, err := predicate(ctx, occ, value)
		if err != nil {
			metrics.RuleEvaluationErrorsTotal.WithLabelValues(kind).Inc()
			return false, fmt.Errorf("condition '%s': %w", kind, err)
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// ValidateConditions rejects unknown kinds and malformed values at rule
// save time, so routing never sees a rule it cannot evaluate.
func (r *Registry) ValidateConditions(conditions map[string]interface{}) error {
	for kind, value := range conditions {
		switch kind {
		case "has_attachment":
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("condition '%s' requires a boolean value", kind)
			}
		case "subject_matches":
			pattern, ok := value.(string)
			if !ok {
				return fmt.Errorf("condition '%s' requires a string value", kind)
			}
			if _, err := regexp.Compile("(?i)" + pattern); err != nil {
				return fmt.Errorf("condition '%s': invalid regex: %w", kind, err)
			}
		case "cel":
			expr, ok := value.(string)
			if !ok {
				return fmt.Errorf("condition '%s' requires a string value", kind)
			}
			if r.cel == nil {
				return fmt.Errorf("condition '%s' is not available", kind)
			}
			if err := r.cel.ValidateRuleExpression(expr); err != nil {
				return fmt.Errorf("condition '%s': %w", kind, err)
			}
		default:
			if _, ok := r.kinds[kind]; !ok {
				return fmt.Errorf("unknown condition kind '%s'", kind)
			}
			if _, ok := value.(string); !ok {
				return fmt.Errorf("condition '%s' requires a string value", kind)
			}
		}
	}

	return nil
}

func fieldContains(field func(*occurrence.Occurrence) string) Predicate {
	return func(_ context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error) {
		needle, err := stringValue(value)
		if err != nil {
			return false, err
		}
		return strings.Contains(strings.ToLower(field(occ)), strings.ToLower(needle)), nil
	}
}

func fieldEquals(field func(*occurrence.Occurrence) string) Predicate {
	return func(_ context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error) {
		want, err := stringValue(value)
		if err != nil {
			return false, err
		}
		return strings.EqualFold(field(occ), want), nil
	}
}

func matchesRegex(_ context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error) {
	pattern, err := stringValue(value)
	if err != nil {
		return false, err
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex: %w", err)
	}

	return re.MatchString(occ.Subject), nil
}

func hasAttachment(_ context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error) {
	want, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean value, got %T", value)
	}
	return occ.HasAttachment() == want, nil
}

func (r *Registry) celPredicate(ctx context.Context, occ *occurrence.Occurrence, value interface{}) (bool, error) {
	expr, err := stringValue(value)
	if err != nil {
		return false, err
	}
	if r.cel == nil {
		return false, fmt.Errorf("cel evaluator is not configured")
	}
	return r.cel.EvaluateRule(ctx, expr, celVars(occ))
}

func celVars(occ *occurrence.Occurrence) map[string]interface{} {
	payload := occ.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	occurredAt := occ.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = occ.CreatedAt
	}

	return map[string]interface{}{
		"source":      occ.Source,
		"source_id":   occ.SourceID,
		"event_type":  occ.EventType,
		"from":        occ.From,
		"to":          occ.To,
		"subject":     occ.Subject,
		"body":        occ.Body,
		"payload":     payload,
		"occurred_at": occurredAt.UTC(),
	}
}

func stringValue(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string value, got %T", value)
	}
	return s, nil
}
