package main

import (
	"context"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/aws"
	"github.com/imrishuroy/screening-gateway/internal/config"
	"github.com/imrishuroy/screening-gateway/internal/database"
	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/handlers"
	"github.com/imrishuroy/screening-gateway/internal/idempotency"
	"github.com/imrishuroy/screening-gateway/internal/metrics"
	"github.com/imrishuroy/screening-gateway/internal/relay"
	"github.com/imrishuroy/screening-gateway/internal/worklist"
)

func newBlobStore(ctx context.Context, cfg *config.Config) (dicom.BlobStore, error) {
	if cfg.BlobBackend == "gcs" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errs.Wrap(err, "create storage client")
		}
		return dicom.NewGCSStore(client, cfg.GCSBucket, "dicom"), nil
	}
	fs, err := dicom.NewFileStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

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

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		fatal("failed to init aws clients", err)
	}
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		fatal("failed to open database", err)
	}
	defer database.Close(db)
	if err := database.Migrate(ctx, db); err != nil {
		fatal("failed to migrate database", err)
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		fatal("failed to init blob store", err)
	}

	actionStore := actions.NewStore(clients.DynamoDB, cfg.ActionsTable, cfg.AccessionsTable)
	var publisher worklist.DispatchPublisher
	if cfg.DispatchQueueURL != "" {
		publisher = aws.NewPublisher(clients.SQS, cfg.DispatchQueueURL)
	} else {
		logger.Warn("DISPATCH_QUEUE_URL not set; new actions wait for the sweeper")
	}
	recorder := metrics.NewRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)

	r := handlers.NewRouter(handlers.RouterConfig{
		DICOM: handlers.DICOMConfig{
			Enabled:        cfg.DICOMAPIEnabled,
			Ingester:       dicom.NewRecorder(db, blobs, logger),
			MaxUploadBytes: cfg.MaxUploadBytes,
			Metrics:        recorder,
			Logger:         logger,
		},
		Worklist: handlers.WorklistConfig{
			Worklist:    worklist.NewService(relay.NewRegistry(db), actionStore, publisher, logger),
			Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
			Logger:      logger,
		},
		Appointments: handlers.AppointmentsConfig{
			ImagesEnabled: cfg.GatewayImagesEnabled,
			Images:        dicom.NewCorrelator(db, actionStore),
			Actions:       actionStore,
			Logger:        logger,
		},
	})

	// if RUN_LOCAL is true, run local HTTP server for development.
	if cfg.RunLocal {
		logger.Info("running local server", slog.String("addr", cfg.ListenAddress))
		if err := r.Run(cfg.ListenAddress); err != nil {
			fatal("failed to run local server", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
