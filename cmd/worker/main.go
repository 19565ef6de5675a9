package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/aws"
	"github.com/imrishuroy/screening-gateway/internal/config"
	"github.com/imrishuroy/screening-gateway/internal/database"
	"github.com/imrishuroy/screening-gateway/internal/dispatch"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/metrics"
	"github.com/imrishuroy/screening-gateway/internal/relay"
	"github.com/imrishuroy/screening-gateway/internal/tunnel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("err", errs.Loggable(err)))
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	fatal := func(msg string, err error) {
		logger.Error(msg, slog.Any("err", errs.Loggable(err)))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		fatal("failed to init aws clients", err)
	}
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		fatal("failed to open database", err)
	}
	defer database.Close(db)

	registry := relay.NewRegistry(db)
	tunnels := tunnel.NewManager(relay.NewSASMinter(registry), tunnel.Options{
		OpenTimeout:   cfg.RelayOpenTimeout,
		TokenLifetime: cfg.SASTokenLifetime,
		Logger:        logger,
	})
	defer tunnels.Close()

	store := actions.NewStore(clients.DynamoDB, cfg.ActionsTable, cfg.AccessionsTable)
	recorder := metrics.NewRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	dispatcher := dispatch.NewDispatcher(store, registry, tunnels, dispatch.Config{
		ReceiveTimeout: cfg.RelayReceiveTimeout,
		Retry:          dispatch.DefaultRetryPolicy(),
		Metrics:        recorder,
		Logger:         logger,
	})
	processor := NewProcessor(dispatcher, dispatch.NewSweeper(store, dispatcher, logger), recorder, logger)

	if cfg.RunLocal {
		// LOCAL_SQS_BODY simulates a single dispatch message; otherwise sweep on a ticker.
		if body := os.Getenv("LOCAL_SQS_BODY"); body != "" {
			resp, err := processor.Handle(ctx, events.SQSEvent{
				Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
			})
			if err != nil {
				fatal("local handler error", err)
			}
			logger.Info("local dispatch done", slog.Int("failures", len(resp.BatchItemFailures)))
			return
		}
		logger.Info("running local sweeper", slog.Duration("interval", cfg.SweepInterval))
		processor.RunSweeps(ctx, cfg.SweepInterval)
		return
	}

	switch cfg.WorkerMode {
	case config.WorkerModeSweep:
		lambda.Start(processor.HandleSchedule)
	default:
		lambda.Start(processor.Handle)
	}
}
