package dispatch

import (
	"context"
	"fmt"
	"time"

	"relay/internal/logger"
	"relay/internal/occurrence"
	"relay/internal/rules"
	"relay/pkg/metrics"
)

// Dispatcher executes a matched rule's action against an occurrence. Every
// attempt is bracketed by an ActionRecord: created pending before the
// handler runs, finalized completed or failed afterwards. There are no
// internal retries; retrying is the caller's decision and appends a new
// record.
type Dispatcher struct {
	records   Records
	notes     NoteStore
	directory Directory
	tasks     TaskSubstrate
	logger    logger.Logger
}

func NewDispatcher(records Records, notes NoteStore, directory Directory, tasks TaskSubstrate, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		records:   records,
		notes:     notes,
		directory: directory,
		tasks:     tasks,
		logger:    log,
	}
}

// ValidateAction is the save-time check for a rule's action and config.
func (d *Dispatcher) ValidateAction(action string, config map[string]interface{}) error {
	_, err := DecodeConfig(action, config)
	return err
}

func (d *Dispatcher) Dispatch(ctx context.Context, occ *occurrence.Occurrence, rule *rules.Rule) (*Outcome, error) {
	record := &ActionRecord{
		OccurrenceID: occ.ID,
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Action:       rule.Action,
		Input: map[string]interface{}{
			"action_config": rule.ActionConfig,
			"occurrence": map[string]interface{}{
				"source":     occ.Source,
				"event_type": occ.EventType,
				"summary":    occ.Summary(),
			},
		},
	}

	if err := d.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create action record: %w", err)
	}

	start := time.Now()
	outcome, err := d.execute(ctx, occ, rule)
	metrics.ObserveDispatchDuration(time.Since(start), rule.Action)

	// Finalization must survive cancellation of the routing context, or a
	// canceled dispatch would leave a pending record forever.
	finalizeCtx := context.WithoutCancel(ctx)

	if err != nil {
		metrics.DispatchedActionsTotal.WithLabelValues(rule.Action, "failed").Inc()
		if finErr := d.records.Finalize(finalizeCtx, record.ID, RecordFailed, nil, err.Error()); finErr != nil {
			d.logger.ErrorwCtx(finalizeCtx, "Failed to finalize action record",
				"error", finErr,
				"record_id", record.ID,
				"occurrence_id", occ.ID,
			)
		}
		return nil, err
	}

	metrics.DispatchedActionsTotal.WithLabelValues(rule.Action, "completed").Inc()
	if finErr := d.records.Finalize(finalizeCtx, record.ID, RecordCompleted, outcome.Output, ""); finErr != nil {
		d.logger.ErrorwCtx(finalizeCtx, "Failed to finalize action record",
			"error", finErr,
			"record_id", record.ID,
			"occurrence_id", occ.ID,
		)
	}

	d.logger.InfowCtx(ctx, "Action dispatched",
		"occurrence_id", occ.ID,
		"rule_id", rule.ID,
		"action", rule.Action,
		"applied", outcome.Applied,
		"detail", outcome.Detail,
	)

	return outcome, nil
}

// ListRecords returns the append-only dispatch history for an occurrence.
func (d *Dispatcher) ListRecords(ctx context.Context, occurrenceID string) ([]ActionRecord, error) {
	return d.records.ListByOccurrence(ctx, occurrenceID)
}

func (d *Dispatcher) execute(ctx context.Context, occ *occurrence.Occurrence, rule *rules.Rule) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := DecodeConfig(rule.Action, rule.ActionConfig)
	if err != nil {
		return nil, err
	}

	switch typed := cfg.(type) {
	case *CreateNoteConfig:
		return d.createNote(ctx, occ, typed)
	case *TagConfig:
		return d.tag(ctx, occ, typed)
	case *SpawnTaskConfig:
		return d.spawnTask(ctx, occ, typed)
	default:
		return d.ignore(ctx, occ)
	}
}
