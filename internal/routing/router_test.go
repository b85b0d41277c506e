package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/dispatch"
	"relay/internal/logger"
	"relay/internal/occurrence"
	"relay/internal/rules"
	pkgerrors "relay/pkg/errors"
)

type fakeOccurrenceRepo struct {
	mu     sync.Mutex
	occs   map[string]*occurrence.Occurrence
	locked map[string]bool
}

func newFakeOccurrenceRepo(occs ...*occurrence.Occurrence) *fakeOccurrenceRepo {
	repo := &fakeOccurrenceRepo{
		occs:   make(map[string]*occurrence.Occurrence),
		locked: make(map[string]bool),
	}
	for _, occ := range occs {
		repo.occs[occ.ID] = occ
	}
	return repo
}

func (r *fakeOccurrenceRepo) Ingest(ctx context.Context, occ *occurrence.Occurrence) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.occs[occ.ID] = occ
	return true, nil
}

func (r *fakeOccurrenceRepo) Get(ctx context.Context, id string) (*occurrence.Occurrence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	copied := *occ
	return &copied, nil
}

func (r *fakeOccurrenceRepo) GetBySourceID(ctx context.Context, source, sourceID string) (*occurrence.Occurrence, error) {
	return nil, pkgerrors.ErrNotFound
}

func (r *fakeOccurrenceRepo) Query(ctx context.Context, filter occurrence.Filter) ([]occurrence.Occurrence, error) {
	return nil, nil
}

func (r *fakeOccurrenceRepo) ListPending(ctx context.Context, limit int) ([]occurrence.Occurrence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []occurrence.Occurrence
	for _, occ := range r.occs {
		if occ.Status == occurrence.StatusPending && len(pending) < limit {
			pending = append(pending, *occ)
		}
	}
	return pending, nil
}

func (r *fakeOccurrenceRepo) SetStatus(ctx context.Context, id string, from, to occurrence.Status, result *occurrence.RoutingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occs[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	if occ.Status != from {
		return pkgerrors.ErrConflict
	}
	occ.Status = to
	occ.Result = result
	return nil
}

func (r *fakeOccurrenceRepo) TryRoutingLock(ctx context.Context, id string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked[id] {
		return nil, pkgerrors.ErrRoutingInProgress
	}
	r.locked[id] = true
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.locked[id] = false
	}, nil
}

type fakeRulesService struct {
	enabled    []rules.Rule
	listErr    error
	matchedIDs []string
}

func (s *fakeRulesService) Create(ctx context.Context, req rules.CreateRuleRequest) (*rules.Rule, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeRulesService) List(ctx context.Context, enabledOnly bool) ([]rules.Rule, error) {
	return s.enabled, s.listErr
}

func (s *fakeRulesService) ListEnabled(ctx context.Context) ([]rules.Rule, error) {
	return s.enabled, s.listErr
}

func (s *fakeRulesService) Get(ctx context.Context, id string) (*rules.Rule, error) {
	return nil, pkgerrors.ErrNotFound
}

func (s *fakeRulesService) Update(ctx context.Context, id string, req rules.UpdateRuleRequest) (*rules.Rule, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeRulesService) Delete(ctx context.Context, id string) error {
	return errors.New("not implemented")
}

func (s *fakeRulesService) RecordMatch(ctx context.Context, id string) {
	s.matchedIDs = append(s.matchedIDs, id)
}

type fakeDispatcher struct {
	dispatched []string
	err        error
	outcome    *dispatch.Outcome
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, occ *occurrence.Occurrence, rule *rules.Rule) (*dispatch.Outcome, error) {
	d.dispatched = append(d.dispatched, rule.Name)
	if d.err != nil {
		return nil, d.err
	}
	if d.outcome != nil {
		return d.outcome, nil
	}
	return &dispatch.Outcome{Applied: true, Detail: "done"}, nil
}

func newTestRouter(t *testing.T, repo *fakeOccurrenceRepo, svc *fakeRulesService, dispatcher *fakeDispatcher) (*Router, *HealthTracker) {
	t.Helper()
	healthTracker := NewHealthTracker()
	router := NewRouter(repo, svc, newTestRegistry(t), dispatcher, healthTracker, logger.NopLogger())
	return router, healthTracker
}

func pendingOccurrence(id string) *occurrence.Occurrence {
	occ := testOccurrence()
	occ.ID = id
	occ.Status = occurrence.StatusPending
	return occ
}

func namedRule(name string, priority int, conditions map[string]interface{}, action string) rules.Rule {
	return rules.Rule{
		ID:         "id-" + name,
		Name:       name,
		Enabled:    true,
		Priority:   priority,
		Conditions: conditions,
		Action:     action,
	}
}

func TestRouter_FirstMatchWins(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("high-priority", 20, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionCreateNote),
			namedRule("low-priority", 10, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionSpawnTask),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	require.NoError(t, router.RouteByID(context.Background(), "occ-1"))

	assert.Equal(t, []string{"high-priority"}, dispatcher.dispatched)
	assert.Equal(t, []string{"id-high-priority"}, svc.matchedIDs)

	occ, err := repo.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, occ.Status)
	require.NotNil(t, occ.Result)
	assert.Equal(t, "high-priority", occ.Result.RuleName)
	assert.Equal(t, dispatch.ActionCreateNote, occ.Result.Action)
	assert.Empty(t, occ.Result.Error)
}

func TestRouter_NoMatch(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("no-match", 10, map[string]interface{}{"subject_contains": "newsletter"}, dispatch.ActionIgnore),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	require.NoError(t, router.RouteByID(context.Background(), "occ-1"))

	assert.Empty(t, dispatcher.dispatched)
	occ, err := repo.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusUnmatched, occ.Status)
	require.NotNil(t, occ.Result)
	assert.Empty(t, occ.Result.RuleID)
}

func TestRouter_DispatchFailure(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("matcher", 10, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionSpawnTask),
		},
	}
	dispatcher := &fakeDispatcher{err: errors.New("broker unavailable")}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	// An action failure is a routing outcome, not a routing error.
	require.NoError(t, router.RouteByID(context.Background(), "occ-1"))

	occ, err := repo.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusFailed, occ.Status)
	require.NotNil(t, occ.Result)
	assert.Equal(t, "matcher", occ.Result.RuleName)
	assert.Contains(t, occ.Result.Error, "broker unavailable")
}

func TestRouter_IgnoreActionIsTerminal(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("ignorer", 10, map[string]interface{}{"source_equals": "email"}, dispatch.ActionIgnore),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	require.NoError(t, router.RouteByID(context.Background(), "occ-1"))

	occ, err := repo.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusIgnored, occ.Status)
	// The ignore action still produces an audit trail via the dispatcher.
	assert.Equal(t, []string{"ignorer"}, dispatcher.dispatched)
}

func TestRouter_LockContention(t *testing.T) {
	occ := pendingOccurrence("occ-1")
	repo := newFakeOccurrenceRepo(occ)
	repo.locked["occ-1"] = true

	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("matcher", 10, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionCreateNote),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	err := router.RouteByID(context.Background(), "occ-1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRoutingInProgress(err))

	// Loser writes nothing.
	assert.Empty(t, dispatcher.dispatched)
	stored, getErr := repo.Get(context.Background(), "occ-1")
	require.NoError(t, getErr)
	assert.Equal(t, occurrence.StatusPending, stored.Status)
}

func TestRouter_ReprocessIgnoredRequiresForce(t *testing.T) {
	occ := pendingOccurrence("occ-1")
	occ.Status = occurrence.StatusIgnored
	repo := newFakeOccurrenceRepo(occ)

	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("matcher", 10, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionCreateNote),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	_, err := router.Reprocess(context.Background(), "occ-1", false)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
	assert.Empty(t, dispatcher.dispatched)

	reprocessed, err := router.Reprocess(context.Background(), "occ-1", true)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusProcessed, reprocessed.Status)
	assert.Equal(t, []string{"matcher"}, dispatcher.dispatched)
}

func TestRouter_BrokenRuleFailsClosed(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{
		enabled: []rules.Rule{
			namedRule("broken", 20, map[string]interface{}{"subject_matches": "("}, dispatch.ActionSpawnTask),
			namedRule("fallback", 10, map[string]interface{}{"subject_contains": "invoice"}, dispatch.ActionCreateNote),
		},
	}
	dispatcher := &fakeDispatcher{}
	router, healthTracker := newTestRouter(t, repo, svc, dispatcher)

	require.NoError(t, router.RouteByID(context.Background(), "occ-1"))

	// The broken rule is skipped, the next one matches.
	assert.Equal(t, []string{"fallback"}, dispatcher.dispatched)

	snapshot := healthTracker.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "id-broken", snapshot[0].RuleID)
	assert.Equal(t, "broken", snapshot[0].RuleName)
	assert.Equal(t, int64(1), snapshot[0].ErrorCount)
	assert.Contains(t, snapshot[0].LastError, "subject_matches")
}

func TestRouter_RulesListFailureLeavesStatus(t *testing.T) {
	repo := newFakeOccurrenceRepo(pendingOccurrence("occ-1"))
	svc := &fakeRulesService{listErr: errors.New("database down")}
	dispatcher := &fakeDispatcher{}
	router, _ := newTestRouter(t, repo, svc, dispatcher)

	err := router.RouteByID(context.Background(), "occ-1")
	require.Error(t, err)

	occ, getErr := repo.Get(context.Background(), "occ-1")
	require.NoError(t, getErr)
	assert.Equal(t, occurrence.StatusPending, occ.Status)
}

func TestRouter_NotFound(t *testing.T) {
	repo := newFakeOccurrenceRepo()
	router, _ := newTestRouter(t, repo, &fakeRulesService{}, &fakeDispatcher{})

	err := router.RouteByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}
