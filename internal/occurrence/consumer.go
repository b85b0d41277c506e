package occurrence

import (
	"context"
	"encoding/json"
	"fmt"

	"relay/internal/logger"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/models"
	"relay/pkg/retry"
)

// Consumer turns inbound broker messages into ingested occurrences. The
// idempotent ingest makes redelivery harmless, so the handler does not
// track offsets beyond what the broker commits.
type Consumer struct {
	service       Service
	router        OccurrenceRouter
	routeOnIngest bool
	logger        logger.Logger
}

func NewConsumer(service Service, router OccurrenceRouter, routeOnIngest bool, log logger.Logger) *Consumer {
	return &Consumer{
		service:       service,
		router:        router,
		routeOnIngest: routeOnIngest,
		logger:        log,
	}
}

// Handle implements the broker handler contract. Malformed envelopes and
// validation failures are fatal so the message goes straight to the DLQ
// instead of burning retries.
func (c *Consumer) Handle(ctx context.Context, key string, value []byte) error {
	var envelope models.OccurrenceEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return retry.NewFatalError(fmt.Errorf("malformed occurrence envelope: %w", err))
	}

	occ, created, err := c.service.Ingest(ctx, envelope)
	if err != nil {
		if pkgerrors.IsValidation(err) {
			return retry.NewFatalError(err)
		}
		return err
	}

	if !created {
		c.logger.DebugwCtx(ctx, "Duplicate occurrence from broker",
			"occurrence_id", occ.ID,
			"key", key,
		)
		return nil
	}

	if c.routeOnIngest && c.router != nil {
		if err := c.router.RouteByID(ctx, occ.ID); err != nil && !pkgerrors.IsRoutingInProgress(err) {
			// The occurrence is persisted; the sweeper retries routing.
			c.logger.WarnwCtx(ctx, "Routing after broker ingest failed",
				"error", err,
				"occurrence_id", occ.ID,
			)
		}
	}

	return nil
}
