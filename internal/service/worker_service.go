package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/observability"
	"github.com/kursadbilgin/sendit/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

const (
	outcomeOK       = "ok"
	outcomeDropped  = "dropped"
	outcomeRequeued = "requeued"
)

type BatchImporter interface {
	Import(ctx context.Context, dir string) error
}

type IdentifierExtractor interface {
	Extract(ctx context.Context, batchID string, study string) error
}

type IdentifierReplacer interface {
	Replace(ctx context.Context, batchID string) error
}

type BatchUploader interface {
	Upload(ctx context.Context, batchIDs []string, drain bool) error
}

type BatchCleaner interface {
	Clean(ctx context.Context, batchID string, removeBatch bool) error
}

// Stages are the handlers the worker routes stage messages to.
type Stages struct {
	Importer  BatchImporter
	Extractor IdentifierExtractor
	Replacer  IdentifierReplacer
	Uploader  BatchUploader
	Cleanup   BatchCleaner
}

func (s Stages) validate() error {
	switch {
	case s.Importer == nil:
		return fmt.Errorf("importer is required")
	case s.Extractor == nil:
		return fmt.Errorf("extractor is required")
	case s.Replacer == nil:
		return fmt.Errorf("replacer is required")
	case s.Uploader == nil:
		return fmt.Errorf("uploader is required")
	case s.Cleanup == nil:
		return fmt.Errorf("cleanup is required")
	}
	return nil
}

type WorkerService struct {
	stages      Stages
	consumer    queue.Consumer
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewWorkerService(
	stages Stages,
	consumer queue.Consumer,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		stages:      stages,
		consumer:    consumer,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

// Start consumes the stage queues until context cancellation. Workers are
// assigned to queues round-robin, so concurrency below the number of stages
// leaves later stages unconsumed.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}
	if s.concurrency < len(queueNames) {
		s.logger.Warn("worker concurrency is below the number of stage queues",
			zap.Int("concurrency", s.concurrency),
			zap.Int("queues", len(queueNames)),
		)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage runs the stage handler for msg. A nil return acks the
// delivery; an error requeues it.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.StageMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	if msg.BatchID != "" {
		ctx = observability.WithBatchID(ctx, msg.BatchID)
	}
	ctx = withDrain(ctx, msg.Drain)
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("stage", msg.Stage.String()),
		zap.String("messageId", msg.MessageID()),
	)

	stage := msg.Stage.String()
	if err := msg.Validate(); err != nil {
		logger.Warn("dropping invalid stage message", zap.Error(err))
		s.metrics.IncStageMessage(stage, outcomeDropped)
		return nil
	}

	s.metrics.IncWorkerInFlight(stage)
	defer s.metrics.DecWorkerInFlight(stage)

	start := s.now()
	err := s.dispatch(ctx, msg)
	s.metrics.ObserveStageDuration(stage, s.now().Sub(start))

	switch {
	case err == nil:
		s.metrics.IncStageMessage(stage, outcomeOK)
		return nil
	case isPermanent(err):
		logger.Warn("stage failed permanently, dropping message", zap.Error(err))
		s.metrics.IncStageMessage(stage, outcomeDropped)
		return nil
	default:
		logger.Error("stage failed, requeueing message", zap.Error(err))
		s.metrics.IncStageMessage(stage, outcomeRequeued)
		return err
	}
}

func (s *WorkerService) dispatch(ctx context.Context, msg queue.StageMessage) error {
	switch msg.Stage {
	case queue.StageImport:
		return s.stages.Importer.Import(ctx, msg.Path)
	case queue.StageExtract:
		return s.stages.Extractor.Extract(ctx, msg.BatchID, msg.Study)
	case queue.StageReplace:
		return s.stages.Replacer.Replace(ctx, msg.BatchID)
	case queue.StageUpload:
		return s.stages.Uploader.Upload(ctx, msg.UploadIDs(), msg.Drain)
	case queue.StageCleanup:
		return s.stages.Cleanup.Clean(ctx, msg.BatchID, msg.RemoveBatch)
	}
	return fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, msg.Stage)
}

// isPermanent reports errors that redelivery cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}
