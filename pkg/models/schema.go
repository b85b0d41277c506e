package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var knownSources = map[string]bool{
	"email":   true,
	"webhook": true,
	"manual":  true,
}

func ValidateOccurrenceEnvelope(env *OccurrenceEnvelope) error {
	if env == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "occurrence envelope cannot be nil",
		}
	}

	if env.Source == "" {
		return &ValidationError{
			Field:   "source",
			Message: "occurrence source is required",
		}
	}

	if !knownSources[env.Source] {
		return &ValidationError{
			Field:   "source",
			Message: fmt.Sprintf("unknown source '%s', expected email, webhook or manual", env.Source),
		}
	}

	if env.EventType == "" {
		return &ValidationError{
			Field:   "event_type",
			Message: "occurrence event_type is required",
		}
	}

	// Only manual occurrences may omit the transport identifier; a generated
	// one is assigned at ingestion.
	if env.SourceID == "" && env.Source != "manual" {
		return &ValidationError{
			Field:   "source_id",
			Message: fmt.Sprintf("source_id is required for source '%s'", env.Source),
		}
	}

	return nil
}

func (env *OccurrenceEnvelope) GetPayloadField(name string) (interface{}, bool) {
	if env.Payload == nil {
		return nil, false
	}

	value, ok := env.Payload[name]
	return value, ok
}
