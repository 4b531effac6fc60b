// Package app wires configuration into running consumer components.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/webtrail/webtrail-stack/common/ingeststats"
	"github.com/webtrail/webtrail-stack/common/logging"
	natsclient "github.com/webtrail/webtrail-stack/common/messaging/nats"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/config"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/consumer"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/dlq"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/metrics"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/server"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/store"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

// RunOptions tweak a run of the consumer.
type RunOptions struct {
	// DryRun writes to an in-memory store instead of the configured backend.
	DryRun bool
}

// retry runs op with exponential backoff until it succeeds, ctx is cancelled or the
// configured retry ceiling has elapsed.
func retry(ctx context.Context, cfg *config.Config, logger *logging.Logger, component string, op func() error) error {
	bo := backoff.WithContext(consumer.NewBackOff(cfg.Consumer.RetryCeiling), ctx)
	return backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		metrics.ConnectionRetries.WithLabelValues(component).Inc()
		logger.Warn("connection failed, retrying",
			"component", component,
			logging.Duration(next),
			logging.Error(err),
		)
	})
}

// ConnectStream connects to Redis, retrying until the retry ceiling.
func ConnectStream(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*stream.Client, error) {
	rdb, err := stream.NewRedisClient(stream.Options{
		URL:         cfg.Redis.URL,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	client := stream.New(rdb, cfg.Stream.Name)
	err = retry(ctx, cfg, logger, "redis", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx)
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// OpenStore opens the configured store backend, retrying until the retry ceiling.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Writer, error) {
	var writer store.Writer

	switch cfg.Store.Backend {
	case config.StoreMemory:
		return store.NewMemory(), nil

	case config.StoreMongo:
		err := retry(ctx, cfg, logger, "mongo", func() error {
			m, err := store.NewMongo(ctx, cfg.Mongo.ConnectionString, cfg.Store.Database, cfg.Store.OperationTimeout)
			if err != nil {
				return err
			}
			if err := m.EnsureIndexes(ctx); err != nil {
				_ = m.Close(context.Background())
				return err
			}
			writer = m
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}

	case config.StoreOpenSearch:
		err := retry(ctx, cfg, logger, "opensearch", func() error {
			o, err := store.NewOpenSearch(store.OpenSearchConfig{
				URL:           cfg.OpenSearch.URL,
				Username:      cfg.OpenSearch.Username,
				Password:      cfg.OpenSearch.Password,
				TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
				IndexPrefix:   cfg.OpenSearch.IndexPrefix,
				MaxRetries:    cfg.OpenSearch.MaxRetries,
				Timeout:       cfg.Store.OperationTimeout,
			})
			if err != nil {
				return err
			}
			if err := o.EnsureTemplate(ctx); err != nil {
				return err
			}
			writer = o
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect to opensearch: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, cfg.Store.Backend)
	}

	return writer, nil
}

// OpenDLQ opens the configured dead-letter queue.
func OpenDLQ(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *logging.Logger) (dlq.Queue, error) {
	switch cfg.DLQ.Backend {
	case config.DLQNone:
		return dlq.Noop{}, nil
	case config.DLQRedis:
		return dlq.NewRedisQueue(rdb, cfg.Stream.Name, cfg.DLQ.MaxLen), nil
	case config.DLQFile:
		q, err := dlq.NewFileQueue(cfg.DLQ.BasePath, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.DLQJetStream:
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.DLQ.NatsURL
		natsCfg.Name = "consumer-database-" + cfg.Consumer.ID
		natsCfg.Logger = logger

		var js *natsclient.JetStreamClient
		err := retry(ctx, cfg, logger, "nats", func() error {
			var err error
			js, err = natsclient.NewJetStreamClient(natsCfg)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		q, err := dlq.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			_ = js.Close()
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("%w: unknown dlq backend %q", config.ErrInvalid, cfg.DLQ.Backend)
	}
}

// Run starts the consumer loop, the sweeper, the stats collector and the metrics
// server, and blocks until ctx is cancelled or one of them fails.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions, logger *logging.Logger) error {
	if opts.DryRun {
		cfg.Store.Backend = config.StoreMemory
		cfg.DLQ.Backend = config.DLQNone
		cfg.Stats.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = logger.With(logging.Service("consumer-database"), "consumer", cfg.Consumer.ID)
	logger.Info("starting consumer",
		logging.Stream(cfg.Stream.Name),
		logging.Group(cfg.Stream.Group),
		"store", cfg.Store.Backend,
		"dlq", cfg.DLQ.Backend,
		"dry_run", opts.DryRun,
	)

	client, err := ConnectStream(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	writer, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout)
		defer cancel()
		if err := writer.Close(closeCtx); err != nil {
			logger.Warn("failed to close store", logging.Error(err))
		}
	}()

	dead, err := OpenDLQ(ctx, cfg, client.Redis(), logger)
	if err != nil {
		return err
	}
	defer dead.Close()

	var stats consumer.StatsRecorder
	if cfg.Stats.Enabled {
		collector := ingeststats.NewCollector(
			ingeststats.NewClient(client.Redis(), cfg.Consumer.ID),
			cfg.Stats.FlushInterval,
			logger.Logger,
		)
		defer collector.Stop()
		stats = collector
	}

	processor := consumer.NewProcessor(client, writer, dead, stats, consumer.ProcessorConfig{
		Group:            cfg.Stream.Group,
		Consumer:         cfg.Consumer.ID,
		OperationTimeout: cfg.Store.OperationTimeout,
	}, logger)

	loop := consumer.NewLoop(client, processor, consumer.LoopConfig{
		Group:           cfg.Stream.Group,
		Consumer:        cfg.Consumer.ID,
		BatchSize:       cfg.Consumer.BatchSize,
		BlockTimeout:    cfg.Consumer.BlockTimeout,
		RetryCeiling:    cfg.Consumer.RetryCeiling,
		ShutdownTimeout: cfg.Consumer.ShutdownTimeout,
	}, logger)

	sweeper := consumer.NewSweeper(client, processor, consumer.SweeperConfig{
		Group:           cfg.Stream.Group,
		Consumer:        cfg.Consumer.ID,
		Interval:        cfg.Sweeper.Interval,
		MinIdle:         cfg.Sweeper.MinIdle,
		BatchSize:       cfg.Sweeper.BatchSize,
		ShutdownTimeout: cfg.Consumer.ShutdownTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.Server.Port > 0 {
		srv := server.New(server.Identity{
			Consumer: cfg.Consumer.ID,
			Group:    cfg.Stream.Group,
			Stream:   cfg.Stream.Name,
		}, client, processor, sweeper, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Port) })
	}

	err = g.Wait()
	applied, deadLettered, pending := processor.Counts()
	logger.Info("consumer stopped",
		"applied", applied,
		"dead_lettered", deadLettered,
		"left_pending", pending,
	)
	return err
}
