package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/dispatch"
	"relay/internal/occurrence"
)

func createTestRecord(occurrenceID string) *dispatch.ActionRecord {
	return &dispatch.ActionRecord{
		OccurrenceID: occurrenceID,
		RuleID:       uuid.New().String(),
		RuleName:     "invoices",
		Action:       "create_note",
		Input:        map[string]interface{}{"folder": "Invoices"},
	}
}

func TestDispatchRecords_CreateAndFinalize(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	occRepo := occurrence.NewRepository(infra.PostgresDB)
	records := dispatch.NewRecords(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, occRepo, createTestOccurrence("email", "msg-1"))

	record := createTestRecord(occ.ID)
	require.NoError(t, records.Create(ctx, record))
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, dispatch.RecordPending, record.Status)

	output := map[string]interface{}{"note_id": "note-1"}
	require.NoError(t, records.Finalize(ctx, record.ID, dispatch.RecordCompleted, output, ""))

	listed, err := records.ListByOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, dispatch.RecordCompleted, listed[0].Status)
	assert.Equal(t, "note-1", listed[0].Output["note_id"])
	assert.Empty(t, listed[0].Error)
	assert.NotNil(t, listed[0].CompletedAt)
	assert.Equal(t, "Invoices", listed[0].Input["folder"])
}

func TestDispatchRecords_FinalizeFailed(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	occRepo := occurrence.NewRepository(infra.PostgresDB)
	records := dispatch.NewRecords(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, occRepo, createTestOccurrence("email", "msg-1"))

	record := createTestRecord(occ.ID)
	require.NoError(t, records.Create(ctx, record))
	require.NoError(t, records.Finalize(ctx, record.ID, dispatch.RecordFailed, nil, "mongo unavailable"))

	listed, err := records.ListByOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, dispatch.RecordFailed, listed[0].Status)
	assert.Equal(t, "mongo unavailable", listed[0].Error)
}

func TestDispatchRecords_FinalizedIsImmutable(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	occRepo := occurrence.NewRepository(infra.PostgresDB)
	records := dispatch.NewRecords(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, occRepo, createTestOccurrence("email", "msg-1"))

	record := createTestRecord(occ.ID)
	require.NoError(t, records.Create(ctx, record))
	require.NoError(t, records.Finalize(ctx, record.ID, dispatch.RecordCompleted, nil, ""))

	err := records.Finalize(ctx, record.ID, dispatch.RecordFailed, nil, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
}

func TestDispatchRecords_HistoryAccumulates(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	occRepo := occurrence.NewRepository(infra.PostgresDB)
	records := dispatch.NewRecords(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, occRepo, createTestOccurrence("email", "msg-1"))

	// A failed attempt followed by a reprocess appends, never rewrites.
	first := createTestRecord(occ.ID)
	require.NoError(t, records.Create(ctx, first))
	require.NoError(t, records.Finalize(ctx, first.ID, dispatch.RecordFailed, nil, "transient"))

	time.Sleep(timestampDelay)

	second := createTestRecord(occ.ID)
	require.NoError(t, records.Create(ctx, second))
	require.NoError(t, records.Finalize(ctx, second.ID, dispatch.RecordCompleted, nil, ""))

	listed, err := records.ListByOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, dispatch.RecordFailed, listed[0].Status)
	assert.Equal(t, dispatch.RecordCompleted, listed[1].Status)
}
