package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sendit/internal/config"
	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/dicomfile"
	"github.com/kursadbilgin/sendit/internal/filestore"
	"github.com/kursadbilgin/sendit/internal/handler"
	"github.com/kursadbilgin/sendit/internal/identifier"
	"github.com/kursadbilgin/sendit/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sendit/internal/infra/redis"
	"github.com/kursadbilgin/sendit/internal/observability"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/ratelimit"
	"github.com/kursadbilgin/sendit/internal/retry"
	"github.com/kursadbilgin/sendit/internal/service"
	"github.com/kursadbilgin/sendit/internal/storage"
	"github.com/kursadbilgin/sendit/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the pipeline stage queues and serve health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			return runWorker(cmd.Context(), rt)
		},
	}
}

func runWorker(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger

	if err := migrations.Migrate(rt.db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	rt.closers = append(rt.closers, rdb.Close)

	metrics := observability.NewMetrics()

	orchestrator, err := rt.orchestrator()
	if err != nil {
		return err
	}
	limiter, err := infraredis.NewRedisRateLimiter(rdb, ratelimit.Limits{
		ratelimit.KeyIdentifier: cfg.IdentifierRatePerSec,
		ratelimit.KeyStorage:    cfg.StorageRatePerSec,
	})
	if err != nil {
		return err
	}
	stages, err := buildStages(rt, limiter, metrics, orchestrator)
	if err != nil {
		return err
	}

	consumer := queue.NewRabbitMQConsumer(rt.mq, cfg.WorkerPrefetch, logger)
	rt.closers = append(rt.closers, consumer.Close)

	worker, err := service.NewWorkerService(stages, consumer, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, metrics,
		handler.PostgresCheck(rt.sqlDB),
		handler.RedisCheck(rdb),
		handler.Check{Name: "rabbitmq", Ping: rt.mq.Ping},
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("sendit worker http server started", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("sendit worker started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Strings("queues", queue.WorkQueueNames()),
		)
		err := worker.Start(groupCtx)
		if err == nil && ctx.Err() == nil {
			return errors.New("worker stopped unexpectedly")
		}
		return err
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("sendit worker stopped")
		return nil
	}
	return err
}

// buildStages wires every pipeline stage from the configuration.
func buildStages(rt *runtime, limiter ratelimit.RateLimiter, metrics *observability.Metrics, feeder service.Feeder) (service.Stages, error) {
	cfg, logger := rt.cfg, rt.logger

	files, err := filestore.New(cfg.MediaRoot)
	if err != nil {
		return service.Stages{}, err
	}
	dispatcher, err := rt.dispatcher()
	if err != nil {
		return service.Stages{}, err
	}
	dispatcher.SetMetrics(metrics)

	deps := service.Deps{
		Batches:     rt.batches,
		Images:      rt.images,
		Identifiers: rt.identifiers,
		Files:       files,
		Codec:       dicomfile.NewFileCodec(),
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		Logger:      logger,
	}

	pipelineCfg, err := pipelineConfig(cfg)
	if err != nil {
		return service.Stages{}, err
	}
	pixels, err := deid.NewPixelFilter(cfg.PixelWhitelistRules())
	if err != nil {
		return service.Stages{}, fmt.Errorf("invalid PIXEL_WHITELIST: %w", err)
	}

	importer, err := service.NewImporter(deps, pipelineCfg, pixels)
	if err != nil {
		return service.Stages{}, err
	}

	var lookup identifier.Service
	if cfg.DeidentifyRestful {
		client, err := identifier.NewClient(identifier.ClientConfig{
			BaseURL:   cfg.IdentifierURL,
			Token:     cfg.IdentifierToken,
			ChunkSize: cfg.IdentifierChunkSize,
			Retry:     retryPolicy(cfg),
			Limiter:   limiter,
			Logger:    logger,
		})
		if err != nil {
			return service.Stages{}, err
		}
		lookup = client
	}
	extractor, err := service.NewExtractor(deps, pipelineCfg, lookup)
	if err != nil {
		return service.Stages{}, err
	}

	replacer, err := service.NewReplacer(deps, pipelineCfg)
	if err != nil {
		return service.Stages{}, err
	}

	uploader, err := buildUploader(cfg, deps, limiter, feeder)
	if err != nil {
		return service.Stages{}, err
	}

	cleanup, err := service.NewCleanup(deps)
	if err != nil {
		return service.Stages{}, err
	}

	return service.Stages{
		Importer:  importer,
		Extractor: extractor,
		Replacer:  replacer,
		Uploader:  uploader,
		Cleanup:   cleanup,
	}, nil
}

func buildUploader(cfg *config.Config, deps service.Deps, limiter ratelimit.RateLimiter, feeder service.Feeder) (*service.Uploader, error) {
	var factory storage.Factory
	if cfg.SendToStorage {
		factory = storage.NewGCSFactory(storage.GCSConfig{
			Project:      cfg.GCPProject,
			Bucket:       cfg.GCSBucket,
			EmulatorHost: cfg.GCSEmulatorHost,
		}, deps.Logger)
	}

	var orthanc storage.Sender
	if cfg.SendToOrthanc {
		client, err := storage.NewOrthancClient(cfg.OrthancURL)
		if err != nil {
			return nil, err
		}
		orthanc = client
	}

	return service.NewUploader(deps, service.UploadConfig{
		SendToStorage: cfg.SendToStorage,
		SendToOrthanc: cfg.SendToOrthanc,
		Collection:    cfg.GCSCollection,
		Permission:    cfg.StoragePermission,
		Agent:         cfg.UploadAgent,
		ItemField:     cfg.ItemIDField,
		Retry:         retryPolicy(cfg),
	}, factory, orthanc, limiter, feeder)
}

func pipelineConfig(cfg *config.Config) (service.PipelineConfig, error) {
	policy, err := deid.LoadPolicy(cfg.DeidPolicy, cfg.DeidPolicyFile)
	if err != nil {
		return service.PipelineConfig{}, fmt.Errorf("failed to load de-identification policy: %w", err)
	}

	return service.PipelineConfig{
		Keys: deid.Keys{
			EntityField: cfg.EntityIDField,
			ItemField:   cfg.ItemIDField,
			CodedFields: cfg.CodedFieldNames(),
		},
		Policy:             policy,
		LookupEnabled:      cfg.DeidentifyRestful,
		DeferUpload:        cfg.UploadMode == config.UploadModeDeferred,
		RejectMultiPatient: cfg.MultiPatient == config.MultiPatientError,
		ScrubPixels:        cfg.DeidentifyPixels,
		Study:              cfg.DefaultStudy,
	}, nil
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   retry.DefaultMultiplier,
	}
}
