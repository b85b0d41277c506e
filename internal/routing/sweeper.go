package routing

import (
	"context"
	"time"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/internal/occurrence"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/metrics"
)

// Sweeper periodically routes occurrences stuck in pending, typically
// left behind by a crashed request or a broker hiccup. It is the safety
// net behind route-on-ingest; with route-on-ingest disabled it is the
// only routing driver.
type Sweeper struct {
	occurrences occurrence.Repository
	router      *Router
	interval    time.Duration
	batchSize   int
	logger      logger.Logger
}

func NewSweeper(occurrences occurrence.Repository, router *Router, intervalSeconds, batchSize int, log logger.Logger) *Sweeper {
	interval := time.Duration(intervalSeconds) * time.Second
	if interval <= 0 {
		interval = constants.DefaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = constants.DefaultSweepBatchSize
	}

	return &Sweeper{
		occurrences: occurrences,
		router:      router,
		interval:    interval,
		batchSize:   batchSize,
		logger:      log,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Infow("Sweeper started",
		"interval", s.interval,
		"batch_size", s.batchSize,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	pending, err := s.occurrences.ListPending(ctx, s.batchSize)
	if err != nil {
		metrics.SweeperRunsTotal.WithLabelValues("error").Inc()
		s.logger.ErrorwCtx(ctx, "Failed to list pending occurrences", "error", err)
		return
	}

	if len(pending) == 0 {
		metrics.SweeperRunsTotal.WithLabelValues("empty").Inc()
		return
	}

	routed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return
		}

		err := s.router.RouteByID(ctx, pending[i].ID)
		switch {
		case err == nil:
			routed++
		case pkgerrors.IsRoutingInProgress(err), pkgerrors.IsConflict(err):
			// Someone else got there first.
		default:
			s.logger.WarnwCtx(ctx, "Sweeper failed to route occurrence",
				"error", err,
				"occurrence_id", pending[i].ID,
			)
		}
	}

	metrics.SweeperRunsTotal.WithLabelValues("ok").Inc()
	s.logger.InfowCtx(ctx, "Sweep completed",
		"pending", len(pending),
		"routed", routed,
	)
}
