package routing

import (
	"context"
	"time"

	"relay/internal/dispatch"
	"relay/internal/logger"
	"relay/internal/occurrence"
	"relay/internal/rules"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
)

// Dispatcher is the slice of the dispatch surface the router needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, occ *occurrence.Occurrence, rule *rules.Rule) (*dispatch.Outcome, error)
}

// Router runs the routing pass: lock, evaluate rules in order, dispatch
// the first full match, persist the status transition. At most one pass
// per occurrence runs at a time; losers of the advisory lock abort
// cleanly without writing anything.
type Router struct {
	occurrences occurrence.Repository
	rules       rules.Service
	registry    *Registry
	dispatcher  Dispatcher
	health      *HealthTracker
	logger      logger.Logger
}

func NewRouter(
	occurrences occurrence.Repository,
	ruleService rules.Service,
	registry *Registry,
	dispatcher Dispatcher,
	health *HealthTracker,
	log logger.Logger,
) *Router {
	return &Router{
		occurrences: occurrences,
		rules:       ruleService,
		registry:    registry,
		dispatcher:  dispatcher,
		health:      health,
		logger:      log,
	}
}

func (r *Router) RouteByID(ctx context.Context, id string) error {
	return r.route(ctx, id, false)
}

// Reprocess re-runs routing for an occurrence in any status. Ignored
// occurrences are refused unless force is set; ignore is a deliberate
// operator decision, not a transient state.
func (r *Router) Reprocess(ctx context.Context, id string, force bool) (*occurrence.Occurrence, error) {
	if err := r.route(ctx, id, force); err != nil {
		return nil, err
	}
	return r.occurrences.Get(ctx, id)
}

func (r *Router) route(ctx context.Context, id string, force bool) error {
	ctx = logging.WithOccurrenceID(ctx, id)
	start := time.Now()

	unlock, err := r.occurrences.TryRoutingLock(ctx, id)
	if err != nil {
		if pkgerrors.IsRoutingInProgress(err) {
			r.logger.DebugwCtx(ctx, "Routing already in progress", "occurrence_id", id)
		}
		return err
	}
	defer unlock()

	// Re-read under the lock; the row may have moved since the caller
	// last saw it.
	occ, err := r.occurrences.Get(ctx, id)
	if err != nil {
		return err
	}

	if occ.Status == occurrence.StatusIgnored && !force {
		return pkgerrors.ErrConflict.WithDetail("message",
			"occurrence is ignored; reprocess with force to override")
	}

	from := occ.Status
	to, result, err := r.evaluate(ctx, occ)
	if err != nil {
		// Infrastructure failure before any rule decision; leave the
		// occurrence as is for the sweeper.
		return err
	}

	if err := r.occurrences.SetStatus(ctx, occ.ID, from, to, result); err != nil {
		return err
	}

	metrics.RoutedOccurrencesTotal.WithLabelValues(string(to)).Inc()
	metrics.ObserveRoutingDuration(time.Since(start), string(to))

	r.logger.InfowCtx(ctx, "Occurrence routed",
		"occurrence_id", occ.ID,
		"from_status", from,
		"to_status", to,
		"rule_name", result.RuleName,
		"action", result.Action,
	)

	return nil
}

// evaluate picks the first matching rule and runs its action. Dispatch
// failure is a routing outcome (status failed), not a routing error.
func (r *Router) evaluate(ctx context.Context, occ *occurrence.Occurrence) (occurrence.Status, *occurrence.RoutingResult, error) {
	result := &occurrence.RoutingResult{RoutedAt: time.Now().UTC()}

	enabled, err := r.rules.ListEnabled(ctx)
	if err != nil {
		return "", nil, err
	}
	metrics.SetEnabledRules(len(enabled))

	matched := r.match(ctx, occ, enabled)
	if matched == nil {
		return occurrence.StatusUnmatched, result, nil
	}

	result.RuleID = matched.ID
	result.RuleName = matched.Name
	result.Action = matched.Action

	r.rules.RecordMatch(ctx, matched.ID)

	outcome, err := r.dispatcher.Dispatch(ctx, occ, matched)
	if err != nil {
		result.Error = err.Error()
		return occurrence.StatusFailed, result, nil
	}
	result.Detail = outcome.Detail

	if matched.Action == dispatch.ActionIgnore {
		return occurrence.StatusIgnored, result, nil
	}
	return occurrence.StatusProcessed, result, nil
}

// match walks the rules in evaluation order and returns the first whose
// conditions all hold. Rules that cannot be evaluated fail closed and are
// reported to the health tracker.
func (r *Router) match(ctx context.Context, occ *occurrence.Occurrence, enabled []rules.Rule) *rules.Rule {
	for i := range enabled {
		rule := &enabled[i]

		ok, err := r.registry.Evaluate(ctx, occ, rule.Conditions)
		if err != nil {
			r.health.RecordError(rule.ID, rule.Name, err)
			r.logger.WarnwCtx(ctx, "Rule evaluation failed",
				"error", err,
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"occurrence_id", occ.ID,
			)
			continue
		}
		if ok {
			return rule
		}
	}

	return nil
}
