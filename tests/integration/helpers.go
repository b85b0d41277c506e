package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"relay/internal/logger"
	"relay/internal/occurrence"
	"relay/internal/rules"
	"relay/pkg/models"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestEnvelope(source, sourceID string) models.OccurrenceEnvelope {
	return models.OccurrenceEnvelope{
		Source:    source,
		SourceID:  sourceID,
		EventType: "email_received",
		From:      "alice@example.com",
		To:        "inbox@corp.example",
		Subject:   fmt.Sprintf("Message %s", sourceID),
		Body:      "Hello from the test suite.",
		Payload:   map[string]interface{}{"mailbox": "inbox"},
	}
}

func createTestOccurrence(source, sourceID string) *occurrence.Occurrence {
	return &occurrence.Occurrence{
		Source:    source,
		SourceID:  sourceID,
		EventType: "email_received",
		From:      "alice@example.com",
		To:        "inbox@corp.example",
		Subject:   fmt.Sprintf("Message %s", sourceID),
		Body:      "Hello from the test suite.",
		Payload:   map[string]interface{}{"mailbox": "inbox"},
	}
}

func createTestRule(name string, priority int, conditions map[string]interface{}, action string) *rules.Rule {
	return &rules.Rule{
		Name:       name,
		Enabled:    true,
		Priority:   priority,
		Conditions: conditions,
		Action:     action,
	}
}

func mustIngest(t *testing.T, repo occurrence.Repository, occ *occurrence.Occurrence) *occurrence.Occurrence {
	t.Helper()
	created, err := repo.Ingest(context.Background(), occ)
	if err != nil {
		t.Fatalf("failed to ingest occurrence: %v", err)
	}
	if !created {
		t.Fatalf("occurrence %s/%s already existed", occ.Source, occ.SourceID)
	}
	return occ
}
