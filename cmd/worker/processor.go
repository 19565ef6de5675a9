package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/aws"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

const defaultConcurrency = 8

// Processor handles SQS dispatch requests and periodic retry sweeps.
type Processor struct {
	dispatcher  Dispatcher
	sweeper     Sweeper
	metrics     SweepRecorder
	logger      *slog.Logger
	concurrency int
	nowFunc     func() time.Time
}

// NewProcessor creates a worker processor. metrics may be nil.
func NewProcessor(dispatcher Dispatcher, sweeper Sweeper, metrics SweepRecorder, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dispatcher:  dispatcher,
		sweeper:     sweeper,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "worker")),
		concurrency: defaultConcurrency,
		nowFunc:     time.Now,
	}
}

// Handle processes an SQS batch. Messages whose dispatch hit an infrastructure
// error are reported back as batch item failures so SQS redelivers only them.
// Malformed messages and actions that no longer need dispatching are dropped.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	p.logger.Info("received dispatch batch", slog.Int("records", len(ev.Records)))

	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, rec := range ev.Records {
		g.Go(func() error {
			if err := p.processMessage(gctx, rec); err != nil {
				p.logger.Error("dispatch message failed",
					slog.String("message_id", rec.MessageId),
					slog.Any("err", errs.Loggable(err)))
				mu.Lock()
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg aws.DispatchRequest
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.ActionID == "" {
		p.logger.Warn("dropping malformed dispatch message",
			slog.String("message_id", rec.MessageId),
			slog.Any("err", errs.Loggable(err)))
		return nil
	}

	logger := p.logger.With(
		slog.String("action_id", msg.ActionID),
		slog.String("provider_id", msg.ProviderID),
	)

	res, err := p.dispatcher.Dispatch(ctx, msg.ActionID)
	switch {
	case errors.Is(err, actions.ErrNotFound):
		logger.Warn("action not found; dropping message")
		return nil
	case errors.Is(err, actions.ErrInvalidTransition):
		// FAILED actions are owned by the sweeper.
		logger.Info("action not dispatchable from its current status; dropping message")
		return nil
	case err != nil:
		return fmt.Errorf("dispatch action %s: %w", msg.ActionID, err)
	}

	logger.Info("dispatch finished",
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", res.Reason))
	return nil
}

// Sweep runs one retry sweep and records how many actions were due.
func (p *Processor) Sweep(ctx context.Context) error {
	stats, err := p.sweeper.Sweep(ctx, p.nowFunc())
	if p.metrics != nil {
		p.metrics.RecordSweep(ctx, stats.Due)
	}
	if err != nil {
		return errs.Wrap(err, "sweep")
	}
	p.logger.Info("sweep finished",
		slog.Int("due", stats.Due),
		slog.Int("confirmed", stats.Confirmed),
		slog.Int("sent", stats.Sent),
		slog.Int("failed", stats.Failed),
		slog.Int("errors", stats.Errors))
	return nil
}

// HandleSchedule is the Lambda entry point for scheduled sweeps.
func (p *Processor) HandleSchedule(ctx context.Context, _ events.CloudWatchEvent) error {
	return p.Sweep(ctx)
}

// RunSweeps sweeps every interval until ctx is done.
func (p *Processor) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("sweep failed", slog.Any("err", errs.Loggable(err)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
