package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"relay/internal/constants"
	"relay/internal/dispatch"
	"relay/internal/downstream"
	"relay/internal/occurrence"
	"relay/internal/routing"
	"relay/internal/rules"
	"relay/pkg/cel"
	pkgerrors "relay/pkg/errors"
)

type routingFixture struct {
	infra       *TestInfra
	occurrences occurrence.Repository
	rules       rules.Service
	router      *routing.Router
	dispatcher  *dispatch.Dispatcher
}

func setupRoutingFixture(t *testing.T) *routingFixture {
	t.Helper()

	infra := SetupTestInfraWithOptions(t, true, true, false)
	log := createTestLogger()

	celEval, err := cel.NewEvaluator()
	require.NoError(t, err)
	registry := routing.NewRegistry(celEval)

	occRepo := occurrence.NewRepository(infra.PostgresDB)
	records := dispatch.NewRecords(infra.PostgresDB)
	notes := downstream.NewNoteStore(infra.MongoDB, constants.NoteCollection, log)
	directory := downstream.NewDirectory(infra.PostgresDB)

	dispatcher := dispatch.NewDispatcher(records, notes, directory, nil, log)
	healthTracker := routing.NewHealthTracker()
	ruleService := rules.NewService(rules.NewRepository(infra.PostgresDB), registry, dispatcher, healthTracker, log)
	router := routing.NewRouter(occRepo, ruleService, registry, dispatcher, healthTracker, log)

	return &routingFixture{
		infra:       infra,
		occurrences: occRepo,
		rules:       ruleService,
		router:      router,
		dispatcher:  dispatcher,
	}
}

func (f *routingFixture) createRule(t *testing.T, req rules.CreateRuleRequest) *rules.Rule {
	t.Helper()
	rule, err := f.rules.Create(context.Background(), req)
	require.NoError(t, err)
	return rule
}

func TestRoutingFlow_CreateNote(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	f.createRule(t, rules.CreateRuleRequest{
		Name:       "invoices",
		Priority:   10,
		Conditions: map[string]interface{}{"subject_contains": "invoice"},
		Action:     "create_note",
		ActionConfig: map[string]interface{}{
			"folder": "Invoices",
			"tags":   []interface{}{"finance"},
		},
	})

	occ := mustIngest(t, f.occurrences, createTestOccurrence("email", "msg-1"))
	occ2 := createTestOccurrence("email", "msg-2")
	occ2.Subject = "Invoice #42 attached"
	mustIngest(t, f.occurrences, occ2)

	require.NoError(t, f.router.RouteByID(ctx, occ2.ID))

	routed, err := f.occurrences.Get(ctx, occ2.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, routed.Status)
	require.NotNil(t, routed.Result)
	assert.Equal(t, "invoices", routed.Result.RuleName)
	assert.Equal(t, "create_note", routed.Result.Action)

	// The note landed in the store.
	count, err := f.infra.MongoDB.Collection(constants.NoteCollection).
		CountDocuments(ctx, bson.M{"occurrence_id": occ2.ID, "folder": "Invoices"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// One completed record in the audit trail.
	history, err := f.dispatcher.ListRecords(ctx, occ2.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, dispatch.RecordCompleted, history[0].Status)

	// The first occurrence still matches the rule too.
	require.NoError(t, f.router.RouteByID(ctx, occ.ID))
	routedFirst, err := f.occurrences.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, routedFirst.Status)
}

func TestRoutingFlow_FirstMatchWinsAcrossPriorities(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	f.createRule(t, rules.CreateRuleRequest{
		Name:       "catch-all-notes",
		Priority:   1,
		Conditions: map[string]interface{}{"source_equals": "email"},
		Action:     "create_note",
	})
	f.createRule(t, rules.CreateRuleRequest{
		Name:       "drop-newsletters",
		Priority:   100,
		Conditions: map[string]interface{}{"subject_contains": "newsletter"},
		Action:     "ignore",
	})

	newsletter := createTestOccurrence("email", "msg-1")
	newsletter.Subject = "Weekly newsletter"
	mustIngest(t, f.occurrences, newsletter)

	require.NoError(t, f.router.RouteByID(ctx, newsletter.ID))

	routed, err := f.occurrences.Get(ctx, newsletter.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusIgnored, routed.Status)
	assert.Equal(t, "drop-newsletters", routed.Result.RuleName)
}

func TestRoutingFlow_UnmatchedThenReprocess(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	occ := mustIngest(t, f.occurrences, createTestOccurrence("email", "msg-1"))

	// No rules yet.
	require.NoError(t, f.router.RouteByID(ctx, occ.ID))
	routed, err := f.occurrences.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusUnmatched, routed.Status)

	f.createRule(t, rules.CreateRuleRequest{
		Name:       "emails",
		Priority:   10,
		Conditions: map[string]interface{}{"source_equals": "email"},
		Action:     "create_note",
	})

	reprocessed, err := f.router.Reprocess(ctx, occ.ID, false)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, reprocessed.Status)
	assert.Equal(t, "emails", reprocessed.Result.RuleName)
}

func TestRoutingFlow_IgnoredRequiresForce(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	rule := f.createRule(t, rules.CreateRuleRequest{
		Name:       "drop-all",
		Priority:   10,
		Conditions: map[string]interface{}{"source_equals": "email"},
		Action:     "ignore",
	})

	occ := mustIngest(t, f.occurrences, createTestOccurrence("email", "msg-1"))
	require.NoError(t, f.router.RouteByID(ctx, occ.ID))

	routed, err := f.occurrences.Get(ctx, occ.ID)
	require.NoError(t, err)
	require.Equal(t, occurrence.StatusIgnored, routed.Status)

	_, err = f.router.Reprocess(ctx, occ.ID, false)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	// Disable the drop rule, then force; the occurrence falls through to
	// unmatched.
	disabled := false
	_, err = f.rules.Update(ctx, rule.ID, rules.UpdateRuleRequest{
		Name:       rule.Name,
		Enabled:    &disabled,
		Priority:   rule.Priority,
		Conditions: rule.Conditions,
		Action:     rule.Action,
	})
	require.NoError(t, err)

	forced, err := f.router.Reprocess(ctx, occ.ID, true)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusUnmatched, forced.Status)
}

func TestRoutingFlow_TagAction(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	directory := downstream.NewDirectory(f.infra.PostgresDB)
	contact := &downstream.Contact{Name: "Alice", Email: "alice@example.com"}
	require.NoError(t, directory.Create(ctx, contact))

	f.createRule(t, rules.CreateRuleRequest{
		Name:         "tag-senders",
		Priority:     10,
		Conditions:   map[string]interface{}{"source_equals": "email"},
		Action:       "tag",
		ActionConfig: map[string]interface{}{"tags": []interface{}{"correspondent"}},
	})

	occ := mustIngest(t, f.occurrences, createTestOccurrence("email", "msg-1"))
	require.NoError(t, f.router.RouteByID(ctx, occ.ID))

	routed, err := f.occurrences.Get(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, routed.Status)

	tagged, err := directory.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, tagged.Tags, "correspondent")
}

func TestRoutingFlow_RejectsInvalidRuleAtSave(t *testing.T) {
	f := setupRoutingFixture(t)
	ctx := context.Background()

	_, err := f.rules.Create(ctx, rules.CreateRuleRequest{
		Name:       "broken",
		Priority:   10,
		Conditions: map[string]interface{}{"subjct_contains": "typo"},
		Action:     "create_note",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = f.rules.Create(ctx, rules.CreateRuleRequest{
		Name:       "bad-action",
		Priority:   10,
		Conditions: map[string]interface{}{"source_equals": "email"},
		Action:     "spawn_task",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}
