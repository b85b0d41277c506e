package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/occurrence"
	pkgerrors "relay/pkg/errors"
)

func TestOccurrenceRepository_Ingest(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	occ := createTestOccurrence("email", "msg-1")
	created, err := repo.Ingest(ctx, occ)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, occ.ID)
	assert.Equal(t, occurrence.StatusPending, occ.Status)
	assert.False(t, occ.CreatedAt.IsZero())
}

func TestOccurrenceRepository_Ingest_Idempotent(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	first := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))

	duplicate := createTestOccurrence("email", "msg-1")
	duplicate.Subject = "Different subject, same message"
	created, err := repo.Ingest(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	// The stored row wins; the duplicate insert changes nothing.
	assert.Equal(t, first.ID, duplicate.ID)
	assert.Equal(t, first.Subject, duplicate.Subject)

	// The same source_id under a different source is a distinct occurrence.
	other := createTestOccurrence("webhook", "msg-1")
	created, err = repo.Ingest(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestOccurrenceRepository_GetBySourceID(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	ingested := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))

	retrieved, err := repo.GetBySourceID(ctx, "email", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, ingested.ID, retrieved.ID)
	assert.Equal(t, "inbox", retrieved.Payload["mailbox"])

	_, err = repo.GetBySourceID(ctx, "email", "missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestOccurrenceRepository_SetStatus(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))

	result := &occurrence.RoutingResult{
		RuleID:   "rule-1",
		RuleName: "invoices",
		Action:   "create_note",
		RoutedAt: time.Now().UTC(),
	}
	err := repo.SetStatus(ctx, occ.ID, occurrence.StatusPending, occurrence.StatusProcessed, result)
	require.NoError(t, err)

	retrieved, err := repo.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, retrieved.Status)
	require.NotNil(t, retrieved.Result)
	assert.Equal(t, "invoices", retrieved.Result.RuleName)
}

func TestOccurrenceRepository_SetStatus_Conflict(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))

	require.NoError(t, repo.SetStatus(ctx, occ.ID, occurrence.StatusPending, occurrence.StatusProcessed, nil))

	// A second transition from pending loses; the row already moved.
	err := repo.SetStatus(ctx, occ.ID, occurrence.StatusPending, occurrence.StatusUnmatched, nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	err = repo.SetStatus(ctx, "00000000-0000-0000-0000-000000000000", occurrence.StatusPending, occurrence.StatusProcessed, nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestOccurrenceRepository_TryRoutingLock(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	occ := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))

	unlock, err := repo.TryRoutingLock(ctx, occ.ID)
	require.NoError(t, err)

	_, err = repo.TryRoutingLock(ctx, occ.ID)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRoutingInProgress(err))

	// Locks on other occurrences are independent.
	otherUnlock, err := repo.TryRoutingLock(ctx, "some-other-id")
	require.NoError(t, err)
	otherUnlock()

	unlock()

	unlock2, err := repo.TryRoutingLock(ctx, occ.ID)
	require.NoError(t, err)
	unlock2()
}

func TestOccurrenceRepository_Query(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	first := createTestOccurrence("email", "msg-1")
	first.From = "alice@example.com"
	mustIngest(t, repo, first)
	time.Sleep(timestampDelay)

	second := createTestOccurrence("webhook", "evt-1")
	second.From = "builds@ci.example"
	mustIngest(t, repo, second)

	require.NoError(t, repo.SetStatus(ctx, second.ID, occurrence.StatusPending, occurrence.StatusUnmatched, nil))

	all, err := repo.Query(ctx, occurrence.Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, second.ID, all[0].ID)

	bySource, err := repo.Query(ctx, occurrence.Filter{Source: "email", Limit: 10})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, first.ID, bySource[0].ID)

	byStatus, err := repo.Query(ctx, occurrence.Filter{Status: occurrence.StatusUnmatched, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, second.ID, byStatus[0].ID)

	bySender, err := repo.Query(ctx, occurrence.Filter{Sender: "ALICE", Limit: 10})
	require.NoError(t, err)
	require.Len(t, bySender, 1)
	assert.Equal(t, first.ID, bySender[0].ID)
}

func TestOccurrenceRepository_ListPending(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	repo := occurrence.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	oldest := mustIngest(t, repo, createTestOccurrence("email", "msg-1"))
	time.Sleep(timestampDelay)
	newest := mustIngest(t, repo, createTestOccurrence("email", "msg-2"))
	time.Sleep(timestampDelay)
	routed := mustIngest(t, repo, createTestOccurrence("email", "msg-3"))

	require.NoError(t, repo.SetStatus(ctx, routed.ID, occurrence.StatusPending, occurrence.StatusProcessed, nil))

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, oldest.ID, pending[0].ID)
	assert.Equal(t, newest.ID, pending[1].ID)

	limited, err := repo.ListPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, oldest.ID, limited[0].ID)
}
