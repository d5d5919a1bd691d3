package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"go.flowcatalyst.tech/dispatchcore/internal/common/leader"
	"go.flowcatalyst.tech/dispatchcore/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatchcore/internal/config"
	"go.flowcatalyst.tech/dispatchcore/internal/queue"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/memory"
	natsqueue "go.flowcatalyst.tech/dispatchcore/internal/queue/nats"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/redisq"
	sqsqueue "go.flowcatalyst.tech/dispatchcore/internal/queue/sqs"
	"go.flowcatalyst.tech/dispatchcore/internal/router/configsync"
)

// clients holds connections shared by the lock provider and the pool source
type clients struct {
	cfg *config.Config

	mu    sync.Mutex
	mongo *mongo.Client
	redis *redis.Client
	etcd  *clientv3.Client
}

func newClients(cfg *config.Config) *clients {
	return &clients{cfg: cfg}
}

func (c *clients) Mongo(ctx context.Context) (*mongo.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mongo == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.MongoDB.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("ping MongoDB: %w", err)
		}
		log.Info().Str("database", c.cfg.MongoDB.Database).Msg("Connected to MongoDB")
		c.mongo = client
	}
	return c.mongo.Database(c.cfg.MongoDB.Database), nil
}

func (c *clients) Redis(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis == nil {
		opts, err := redis.ParseURL(c.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
		c.redis = client
	}
	return c.redis, nil
}

func (c *clients) Etcd() (*clientv3.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.etcd == nil {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   c.cfg.Etcd.Endpoints,
			DialTimeout: c.cfg.Etcd.DialTimeout,
			Username:    c.cfg.Etcd.Username,
			Password:    c.cfg.Etcd.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		log.Info().Strs("endpoints", c.cfg.Etcd.Endpoints).Msg("Connected to etcd")
		c.etcd = client
	}
	return c.etcd, nil
}

// Close closes every client that was dialed
func (c *clients) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.mongo != nil {
		err = multierr.Append(err, c.mongo.Disconnect(ctx))
	}
	if c.redis != nil {
		err = multierr.Append(err, c.redis.Close())
	}
	if c.etcd != nil {
		err = multierr.Append(err, c.etcd.Close())
	}
	return err
}

func newLockProvider(ctx context.Context, cfg *config.Config, c *clients) (leader.LockProvider, error) {
	if !cfg.Leader.Enabled {
		return leader.NewMemoryLock(), nil
	}
	switch cfg.Leader.Provider {
	case config.LockRedis:
		client, err := c.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return leader.NewRedisLock(client), nil
	case config.LockMongo:
		db, err := c.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return leader.NewMongoLock(ctx, db), nil
	case config.LockEtcd:
		client, err := c.Etcd()
		if err != nil {
			return nil, err
		}
		return leader.NewEtcdLock(client), nil
	case config.LockMemory:
		log.Warn().Msg("In-memory leader lock only coordinates within this process")
		return leader.NewMemoryLock(), nil
	}
	return nil, fmt.Errorf("unknown leader provider %q", cfg.Leader.Provider)
}

func newPoolSource(ctx context.Context, cfg *config.Config, c *clients) (configsync.Source, error) {
	if cfg.Pools.Source != "mongodb" {
		return configsync.NewStaticSource(cfg.Pools.Static), nil
	}
	db, err := c.Mongo(ctx)
	if err != nil {
		return nil, err
	}
	return configsync.NewMongoSource(db), nil
}

// newConsumer builds the configured queue backend. Resources that must outlive
// the consumer, like the embedded NATS server, are registered on shutdown.
func newConsumer(ctx context.Context, cfg *config.Config, shutdown *lifecycle.Manager) (queue.Consumer, error) {
	switch cfg.Queue.Type {
	case config.QueueSQS:
		client, err := sqsqueue.NewAPI(ctx, cfg.Queue.SQS)
		if err != nil {
			return nil, fmt.Errorf("create SQS client: %w", err)
		}
		log.Info().Str("queueUrl", cfg.Queue.SQS.QueueURL).Msg("Using SQS queue")
		return sqsqueue.NewConsumer(client, cfg.Queue.SQS), nil

	case config.QueueNATS:
		natsCfg := cfg.Queue.NATS
		if cfg.Queue.Embedded.Enabled {
			srv, err := natsqueue.StartEmbedded(cfg.Queue.Embedded.EmbeddedConfig)
			if err != nil {
				return nil, err
			}
			shutdown.RegisterFinalShutdown("embedded-nats", func(context.Context) error {
				return srv.Close()
			})
			natsCfg.URL = srv.ClientURL()
		}
		client, err := natsqueue.Connect(ctx, natsCfg)
		if err != nil {
			return nil, err
		}
		consumer, err := client.NewConsumer(ctx)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		shutdown.RegisterDatabaseShutdown("nats-connection", func(context.Context) error {
			return client.Close()
		})
		log.Info().Str("url", natsCfg.URL).Str("stream", natsCfg.StreamName).Msg("Using NATS JetStream queue")
		return consumer, nil

	case config.QueueRedis:
		redisCfg := cfg.Queue.Redis
		redisCfg.URL = cfg.RedisQueueURL()
		q, err := redisq.Dial(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("queue", q.Identifier()).Msg("Using Redis queue")
		return q, nil

	case config.QueueMemory:
		log.Warn().Str("queue", cfg.Queue.Memory.Name).Msg("Using in-memory queue, messages do not survive restarts")
		return memory.New(cfg.Queue.Memory.Name, cfg.Queue.VisibilityTimeout), nil
	}
	return nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
}
