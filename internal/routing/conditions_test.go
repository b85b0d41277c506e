package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/occurrence"
	"relay/pkg/cel"
)

func testOccurrence() *occurrence.Occurrence {
	return &occurrence.Occurrence{
		ID:        "occ-1",
		Source:    "email",
		SourceID:  "msg-42",
		EventType: "email_received",
		From:      "Alice@Example.com",
		To:        "inbox@corp.example",
		Subject:   "Quarterly Invoice #2231",
		Body:      "Please find the invoice attached.",
		Payload: map[string]interface{}{
			"attachments": []interface{}{"invoice.pdf"},
		},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	celEval, err := cel.NewEvaluator()
	require.NoError(t, err)
	return NewRegistry(celEval)
}

func TestRegistry_Evaluate(t *testing.T) {
	registry := newTestRegistry(t)
	occ := testOccurrence()

	tests := []struct {
		name       string
		conditions map[string]interface{}
		want       bool
	}{
		{
			name:       "from_contains case insensitive",
			conditions: map[string]interface{}{"from_contains": "alice"},
			want:       true,
		},
		{
			name:       "from_equals case insensitive",
			conditions: map[string]interface{}{"from_equals": "alice@example.com"},
			want:       true,
		},
		{
			name:       "from_equals mismatch",
			conditions: map[string]interface{}{"from_equals": "bob@example.com"},
			want:       false,
		},
		{
			name:       "subject_contains",
			conditions: map[string]interface{}{"subject_contains": "invoice"},
			want:       true,
		},
		{
			name:       "subject_equals requires full match",
			conditions: map[string]interface{}{"subject_equals": "invoice"},
			want:       false,
		},
		{
			name:       "subject_matches regex",
			conditions: map[string]interface{}{"subject_matches": `invoice #\d+`},
			want:       true,
		},
		{
			name:       "body_contains",
			conditions: map[string]interface{}{"body_contains": "ATTACHED"},
			want:       true,
		},
		{
			name:       "to_contains",
			conditions: map[string]interface{}{"to_contains": "corp.example"},
			want:       true,
		},
		{
			name:       "event_type_equals",
			conditions: map[string]interface{}{"event_type_equals": "email_received"},
			want:       true,
		},
		{
			name:       "source_equals",
			conditions: map[string]interface{}{"source_equals": "email"},
			want:       true,
		},
		{
			name:       "has_attachment true",
			conditions: map[string]interface{}{"has_attachment": true},
			want:       true,
		},
		{
			name:       "has_attachment false expectation",
			conditions: map[string]interface{}{"has_attachment": false},
			want:       false,
		},
		{
			name:       "cel expression",
			conditions: map[string]interface{}{"cel": `source == "email" && subject.contains("Invoice")`},
			want:       true,
		},
		{
			name: "conjunction all hold",
			conditions: map[string]interface{}{
				"from_contains":    "example.com",
				"subject_contains": "invoice",
				"has_attachment":   true,
			},
			want: true,
		},
		{
			name: "conjunction one fails",
			conditions: map[string]interface{}{
				"from_contains":    "example.com",
				"subject_contains": "newsletter",
			},
			want: false,
		},
		{
			name:       "empty conditions match everything",
			conditions: map[string]interface{}{},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Evaluate(context.Background(), occ, tt.conditions)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_Evaluate_EmptyFieldNonEmptyNeedle(t *testing.T) {
	registry := newTestRegistry(t)
	occ := &occurrence.Occurrence{ID: "occ-2", Source: "webhook", EventType: "deploy"}

	got, err := registry.Evaluate(context.Background(), occ, map[string]interface{}{
		"subject_contains": "anything",
	})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRegistry_Evaluate_Errors(t *testing.T) {
	registry := newTestRegistry(t)
	occ := testOccurrence()

	tests := []struct {
		name       string
		conditions map[string]interface{}
	}{
		{
			name:       "unknown kind",
			conditions: map[string]interface{}{"subject_rhymes_with": "orange"},
		},
		{
			name:       "non-string value for contains",
			conditions: map[string]interface{}{"subject_contains": 42},
		},
		{
			name:       "non-bool value for has_attachment",
			conditions: map[string]interface{}{"has_attachment": "yes"},
		},
		{
			name:       "invalid regex",
			conditions: map[string]interface{}{"subject_matches": "("},
		},
		{
			name:       "invalid cel expression",
			conditions: map[string]interface{}{"cel": "subject +"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Evaluate(context.Background(), occ, tt.conditions)
			require.Error(t, err)
			assert.False(t, got)
		})
	}
}

func TestRegistry_ValidateConditions(t *testing.T) {
	registry := newTestRegistry(t)

	valid := map[string]interface{}{
		"from_contains":   "example.com",
		"subject_matches": `^\[alert\]`,
		"has_attachment":  true,
		"cel":             `source == "email"`,
	}
	require.NoError(t, registry.ValidateConditions(valid))

	tests := []struct {
		name       string
		conditions map[string]interface{}
	}{
		{name: "unknown kind", conditions: map[string]interface{}{"nope": "x"}},
		{name: "bad regex", conditions: map[string]interface{}{"subject_matches": "["}},
		{name: "non-bool attachment", conditions: map[string]interface{}{"has_attachment": 1}},
		{name: "non-string needle", conditions: map[string]interface{}{"from_contains": 7}},
		{name: "non-bool cel result", conditions: map[string]interface{}{"cel": `subject`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, registry.ValidateConditions(tt.conditions))
		})
	}
}
