package occurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay/internal/constants"
	"relay/internal/logger"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
)

type Service interface {
	Ingest(ctx context.Context, envelope models.OccurrenceEnvelope) (*Occurrence, bool, error)
	CreateManual(ctx context.Context, req ManualOccurrenceRequest) (*Occurrence, error)
	Get(ctx context.Context, id string) (*Occurrence, error)
	Query(ctx context.Context, filter Filter) ([]Occurrence, error)
}

type service struct {
	repo   Repository
	dedupe DedupeGuard
	logger logger.Logger
}

func NewService(repo Repository, dedupe DedupeGuard, log logger.Logger) Service {
	if dedupe == nil {
		dedupe = NopDedupeGuard{}
	}
	return &service{
		repo:   repo,
		dedupe: dedupe,
		logger: log,
	}
}

func (s *service) Ingest(ctx context.Context, envelope models.OccurrenceEnvelope) (*Occurrence, bool, error) {
	if err := models.ValidateOccurrenceEnvelope(&envelope); err != nil {
		return nil, false, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
	}

	sourceID := envelope.SourceID
	if sourceID == "" {
		// Only manual envelopes pass validation without a source_id.
		sourceID = uuid.New().String()
	}

	occ := &Occurrence{
		Source:    envelope.Source,
		SourceID:  sourceID,
		EventType: envelope.EventType,
		Payload:   envelope.Payload,
		From:      envelope.From,
		To:        envelope.To,
		Subject:   envelope.Subject,
		Body:      envelope.Body,
	}
	if envelope.OccurredAt != nil {
		occ.OccurredAt = *envelope.OccurredAt
	}

	seen, err := s.dedupe.Seen(ctx, occ.Source, occ.SourceID)
	if err != nil {
		return nil, false, fmt.Errorf("dedupe check failed: %w", err)
	}
	if seen {
		existing, err := s.repo.GetBySourceID(ctx, occ.Source, occ.SourceID)
		if err == nil {
			metrics.IngestedOccurrencesTotal.WithLabelValues(occ.Source, "duplicate").Inc()
			return existing, false, nil
		}
		if !pkgerrors.IsNotFound(err) {
			return nil, false, err
		}
		// The guard remembers an occurrence the database does not have.
		// Fall through to the authoritative insert.
		metrics.DedupeFallbackTotal.WithLabelValues("stale_guard").Inc()
	}

	created, err := s.repo.Ingest(ctx, occ)
	if err != nil {
		metrics.IngestedOccurrencesTotal.WithLabelValues(occ.Source, "error").Inc()
		return nil, false, err
	}

	if created {
		metrics.IngestedOccurrencesTotal.WithLabelValues(occ.Source, "created").Inc()
		s.logger.InfowCtx(ctx, "Occurrence ingested",
			"occurrence_id", occ.ID,
			"source", occ.Source,
			"event_type", occ.EventType,
			"summary", occ.Summary(),
		)
	} else {
		metrics.IngestedOccurrencesTotal.WithLabelValues(occ.Source, "duplicate").Inc()
		s.logger.DebugwCtx(ctx, "Duplicate occurrence ignored",
			"occurrence_id", occ.ID,
			"source", occ.Source,
			"source_id", occ.SourceID,
		)
	}

	return occ, created, nil
}

func (s *service) CreateManual(ctx context.Context, req ManualOccurrenceRequest) (*Occurrence, error) {
	now := time.Now()
	envelope := models.OccurrenceEnvelope{
		Source:     constants.SourceManual,
		EventType:  req.EventType,
		Payload:    req.Payload,
		From:       req.From,
		To:         req.To,
		Subject:    req.Subject,
		Body:       req.Body,
		OccurredAt: &now,
	}

	occ, _, err := s.Ingest(ctx, envelope)
	return occ, err
}

func (s *service) Get(ctx context.Context, id string) (*Occurrence, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) Query(ctx context.Context, filter Filter) ([]Occurrence, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, pkgerrors.ErrValidation.WithDetail("message",
			fmt.Sprintf("unknown status '%s'", filter.Status))
	}
	if filter.Limit <= 0 {
		filter.Limit = constants.DefaultQueryLimit
	}
	if filter.Limit > constants.MaxQueryLimit {
		filter.Limit = constants.MaxQueryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.repo.Query(ctx, filter)
}
