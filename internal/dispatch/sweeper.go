package dispatch

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// RetryStore is the part of the action store the sweeper needs.
type RetryStore interface {
	DueForRetry(ctx context.Context, now time.Time) iter.Seq2[actions.Action, error]
	Retry(ctx context.Context, a *actions.Action, nextRetryAt time.Time) (*actions.Action, error)
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Due       int
	Confirmed int
	Sent      int
	Failed    int
	Errors    int
}

// Sweeper re-dispatches actions whose retry time has passed.
type Sweeper struct {
	store      RetryStore
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewSweeper returns a Sweeper.
func NewSweeper(store RetryStore, dispatcher *Dispatcher, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, dispatcher: dispatcher, logger: logger.With(slog.String("component", "sweeper"))}
}

// Sweep dispatches every action due at now. FAILED actions are moved back to
// PENDING first, which increments retry_count. Errors on individual actions
// are counted and logged; a query error aborts the sweep and is returned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats
	for a, err := range s.store.DueForRetry(ctx, now) {
		if err != nil {
			return stats, errs.Wrap(err, "list actions due for retry")
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Due++

		if a.Status == actions.StatusFailed {
			// Until the dispatch finishes, a crash leaves the row PENDING and
			// due again one minimum interval later.
			if _, err := s.store.Retry(ctx, &a, now.Add(actions.MinRetryInterval)); err != nil {
				stats.Errors++
				s.logger.Warn("retry transition failed", slog.String("action_id", a.ID), slog.Any("err", errs.Loggable(err)))
				continue
			}
		}

		res, err := s.dispatcher.Dispatch(ctx, a.ID)
		if err != nil {
			stats.Errors++
			s.logger.Warn("dispatch error", slog.String("action_id", a.ID), slog.Any("err", errs.Loggable(err)))
			continue
		}
		switch res.Outcome {
		case OutcomeConfirmed:
			stats.Confirmed++
		case OutcomeSent:
			stats.Sent++
		case OutcomeFailed:
			stats.Failed++
		}
	}
	s.logger.Info("sweep finished",
		slog.Int("due", stats.Due),
		slog.Int("confirmed", stats.Confirmed),
		slog.Int("failed", stats.Failed),
		slog.Int("errors", stats.Errors),
	)
	return stats, nil
}
