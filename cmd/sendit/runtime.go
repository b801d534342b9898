package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sendit/internal/config"
	"github.com/kursadbilgin/sendit/internal/infra/postgresql"
	"github.com/kursadbilgin/sendit/internal/queue"
	"github.com/kursadbilgin/sendit/internal/repository"
	"github.com/kursadbilgin/sendit/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds the connections a command opened. Close releases them in
// reverse order.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *gorm.DB
	sqlDB     *sql.DB
	mq        *queue.RabbitMQ
	publisher *queue.RabbitMQPublisher

	batches     *repository.GormBatchRepo
	images      *repository.GormImageRepo
	identifiers *repository.GormIdentifiersRepo

	closers []func() error
}

// openRuntime connects to postgres and, when withQueue is set, RabbitMQ.
func (c *commandContext) openRuntime(ctx context.Context, withQueue bool) (*runtime, error) {
	cfg, logger, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	rt.db = db
	rt.sqlDB = sqlDB
	rt.closers = append(rt.closers, sqlDB.Close)

	rt.batches = repository.NewGormBatchRepo(db)
	rt.images = repository.NewGormImageRepo(db)
	rt.identifiers = repository.NewGormIdentifiersRepo(db)

	if withQueue {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		rt.mq = mq
		rt.closers = append(rt.closers, mq.Close)

		rt.publisher = queue.NewRabbitMQPublisher(mq)
		rt.closers = append(rt.closers, rt.publisher.Close)
	}

	return rt, nil
}

func (rt *runtime) dispatcher() (*service.QueueDispatcher, error) {
	if rt.publisher == nil {
		return nil, fmt.Errorf("queue is not connected")
	}
	return service.NewQueueDispatcher(rt.publisher)
}

func (rt *runtime) orchestrator() (*service.Orchestrator, error) {
	dispatcher, err := rt.dispatcher()
	if err != nil {
		return nil, err
	}
	return service.NewOrchestrator(rt.batches, dispatcher, rt.cfg.DataBase, rt.cfg.InputFolders(), rt.logger)
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
