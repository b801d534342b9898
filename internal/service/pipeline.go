package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sendit/internal/deid"
	"github.com/kursadbilgin/sendit/internal/dicomfile"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/filestore"
	"github.com/kursadbilgin/sendit/internal/observability"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/repository"
	"go.uber.org/zap"
)

// ErrInvalidInput marks caller errors that redelivery cannot fix.
var ErrInvalidInput = errors.New("invalid input")

// Dispatcher hands a batch to the next pipeline stage.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg queue.StageMessage) error
}

// QueueDispatcher publishes stage messages to their RabbitMQ work queue.
type QueueDispatcher struct {
	publisher queue.Publisher
	metrics   *observability.Metrics
}

func NewQueueDispatcher(publisher queue.Publisher) (*QueueDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &QueueDispatcher{publisher: publisher}, nil
}

// Dispatch stamps the context correlation id, or a new one, on msg. Messages
// sent while handling a draining run carry Drain forward.
func (d *QueueDispatcher) Dispatch(ctx context.Context, msg queue.StageMessage) error {
	if drainFromContext(ctx) {
		msg.Drain = true
	}
	if msg.CorrelationID == "" {
		if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
			msg.CorrelationID = correlationID
		} else {
			msg.CorrelationID = uuid.NewString()
		}
	}

	queueName := queue.QueueName(msg.Stage)
	if err := d.publisher.Publish(ctx, queueName, msg); err != nil {
		d.metrics.IncPublished(msg.Stage.String(), "failed")
		return fmt.Errorf("failed to dispatch %s: %w", msg.Stage, err)
	}
	d.metrics.IncPublished(msg.Stage.String(), "ok")
	return nil
}

func (d *QueueDispatcher) SetMetrics(metrics *observability.Metrics) {
	d.metrics = metrics
}

type drainKey struct{}

// withDrain marks ctx as part of a run started by queue draining.
func withDrain(ctx context.Context, drain bool) context.Context {
	if !drain {
		return ctx
	}
	return context.WithValue(ctx, drainKey{}, true)
}

func drainFromContext(ctx context.Context) bool {
	drain, _ := ctx.Value(drainKey{}).(bool)
	return drain
}

// Deps are the collaborators shared by the pipeline stages.
type Deps struct {
	Batches     repository.BatchRepository
	Images      repository.ImageRepository
	Identifiers repository.IdentifiersRepository
	Files       *filestore.Store
	Codec       dicomfile.Codec
	Dispatcher  Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Batches == nil:
		return fmt.Errorf("batch repository is required")
	case d.Images == nil:
		return fmt.Errorf("image repository is required")
	case d.Identifiers == nil:
		return fmt.Errorf("identifiers repository is required")
	case d.Files == nil:
		return fmt.Errorf("file store is required")
	case d.Codec == nil:
		return fmt.Errorf("dicom codec is required")
	case d.Dispatcher == nil:
		return fmt.Errorf("dispatcher is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) logger(ctx context.Context) *zap.Logger {
	return observability.WithContextLogger(d.Logger, ctx)
}

// PipelineConfig holds the de-identification settings shared by stages.
type PipelineConfig struct {
	Keys          deid.Keys
	Policy        *deid.Policy
	LookupEnabled bool
	DeferUpload   bool
	// RejectMultiPatient fails batches holding more than one patient
	// instead of warning.
	RejectMultiPatient bool
	ScrubPixels        bool
	Study              string
}

// fail records msg, moves the batch to ERROR and stamps its finish time.
func (d Deps) fail(ctx context.Context, batchID string, msg string) error {
	_, err := d.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		b.AddError(msg)
		if err := b.SetStatus(domain.BatchStatusError); err != nil {
			return err
		}
		b.Finish(d.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark batch %s as error: %w", batchID, err)
	}

	d.Metrics.IncBatchFinished(domain.BatchStatusError.String())
	d.logger(ctx).Warn("batch failed",
		zap.String("batchId", batchID),
		zap.String("reason", msg),
	)
	return nil
}

// markEmpty moves the batch to EMPTY with a warning.
func (d Deps) markEmpty(ctx context.Context, batchID string, warning string) error {
	_, err := d.Batches.Mutate(ctx, batchID, func(b *domain.Batch) error {
		b.AddWarning(warning)
		if err := b.SetStatus(domain.BatchStatusEmpty); err != nil {
			return err
		}
		b.Finish(d.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark batch %s as empty: %w", batchID, err)
	}

	d.Metrics.IncBatchFinished(domain.BatchStatusEmpty.String())
	return nil
}

// readIdentifiers parses the entity and item keys of every image header.
func (d Deps) readIdentifiers(images []domain.Image, keys deid.Keys) (domain.IdentifierMap, []domain.Fields, error) {
	ids := make(domain.IdentifierMap)
	headers := make([]domain.Fields, 0, len(images))

	for _, img := range images {
		header, err := d.Codec.ReadHeader(img.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("%s could not be read: %w", img.Name, err)
		}
		if err := header.Require(keys.EntityField, keys.ItemField); err != nil {
			return nil, nil, fmt.Errorf("%s is missing identifiers: %w", img.Name, err)
		}

		entityID := deid.EntityID(header.Get(keys.EntityField))
		itemID := header.Get(keys.ItemField)
		ids.Set(entityID, itemID, header.Fields.Clone())
		headers = append(headers, header.Fields)
	}
	return ids, headers, nil
}
