// Package config loads router configuration from a TOML file with
// FLOWCATALYST_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"go.flowcatalyst.tech/dispatchcore/internal/common/leader"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/nats"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/redisq"
	"go.flowcatalyst.tech/dispatchcore/internal/queue/sqs"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/notification"
	"go.flowcatalyst.tech/dispatchcore/internal/router/traffic"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FLOWCATALYST_"

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Queue backends
const (
	QueueSQS    = "sqs"
	QueueNATS   = "nats"
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Lock providers
const (
	LockRedis  = "redis"
	LockMongo  = "mongodb"
	LockEtcd   = "etcd"
	LockMemory = "memory"
)

// Auth modes
const (
	AuthNone  = "NONE"
	AuthBasic = "BASIC"
	AuthJWT   = "JWT"
)

// Config is the router configuration
type Config struct {
	DevMode    bool   `toml:"dev_mode" env:"DEV"`
	InstanceID string `toml:"instance_id" env:"INSTANCE_ID"`

	HTTP         HTTPConfig         `toml:"http" envPrefix:"HTTP_"`
	Logging      LoggingConfig      `toml:"logging" envPrefix:"LOG_"`
	Queue        QueueConfig        `toml:"queue" envPrefix:"QUEUE_"`
	Pools        PoolsConfig        `toml:"pools" envPrefix:"POOLS_"`
	Mediator     MediatorConfig     `toml:"mediator" envPrefix:"MEDIATOR_"`
	Leader       LeaderConfig       `toml:"leader" envPrefix:"LEADER_"`
	MongoDB      MongoDBConfig      `toml:"mongodb" envPrefix:"MONGODB_"`
	Redis        RedisConfig        `toml:"redis" envPrefix:"REDIS_"`
	Etcd         EtcdConfig         `toml:"etcd" envPrefix:"ETCD_"`
	Lifecycle    LifecycleConfig    `toml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Auth         AuthConfig         `toml:"auth" envPrefix:"AUTH_"`
	Traffic      traffic.Config     `toml:"traffic" envPrefix:"TRAFFIC_"`
	Notification NotificationConfig `toml:"notification" envPrefix:"NOTIFICATION_"`
}

// HTTPConfig configures the monitoring API
type HTTPConfig struct {
	Port            int           `toml:"port" env:"PORT" validate:"min=1,max=65535"`
	CORSOrigins     []string      `toml:"cors_origins" env:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig configures zerolog
type LoggingConfig struct {
	Level  string `toml:"level" env:"LEVEL" validate:"oneof=trace debug info warn error"`
	Pretty bool   `toml:"pretty" env:"PRETTY"`
}

// QueueConfig selects and configures the queue backend
type QueueConfig struct {
	Type string `toml:"type" env:"TYPE" validate:"oneof=sqs nats redis memory"`

	MaxMessagesPerPoll int           `toml:"max_messages_per_poll" env:"MAX_MESSAGES_PER_POLL" validate:"min=1,max=100"`
	PollInterval       time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	DeferDelay         time.Duration `toml:"defer_delay" env:"DEFER_DELAY"`
	VisibilityTimeout  time.Duration `toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	ExtendThreshold    time.Duration `toml:"extend_threshold" env:"EXTEND_THRESHOLD"`

	SQS      sqs.Config         `toml:"sqs" envPrefix:"SQS_"`
	NATS     nats.Config        `toml:"nats" envPrefix:"NATS_"`
	Embedded EmbeddedNATSConfig `toml:"embedded_nats" envPrefix:"EMBEDDED_NATS_"`
	Redis    redisq.Config      `toml:"redis" envPrefix:"REDIS_"`
	Memory   MemoryQueueConfig  `toml:"memory" envPrefix:"MEMORY_"`
}

// EmbeddedNATSConfig starts an in-process NATS server for the nats backend
type EmbeddedNATSConfig struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
	nats.EmbeddedConfig
}

// MemoryQueueConfig configures the in-process queue
type MemoryQueueConfig struct {
	Name string `toml:"name" env:"NAME"`
}

// PoolsConfig sets pool defaults and the static pool list
type PoolsConfig struct {
	DefaultConcurrency int           `toml:"default_concurrency" env:"DEFAULT_CONCURRENCY" validate:"min=1"`
	MaxGroupQueue      int           `toml:"max_group_queue" env:"MAX_GROUP_QUEUE" validate:"min=1"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// Source is where pool definitions come from: static or mongodb
	Source string `toml:"source" env:"SOURCE" validate:"oneof=static mongodb"`

	RetryInitial    time.Duration `toml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMultiplier float64       `toml:"retry_multiplier" env:"RETRY_MULTIPLIER" validate:"gte=1"`
	RetryMax        time.Duration `toml:"retry_max" env:"RETRY_MAX"`

	Static []model.PoolConfig `toml:"static" env:"-"`
}

// MediatorConfig configures delivery and circuit breakers
type MediatorConfig struct {
	Timeout             time.Duration `toml:"timeout" env:"TIMEOUT"`
	MaxIdleConnsPerHost int           `toml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST" validate:"min=1"`

	BreakerFailureThreshold uint32        `toml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" validate:"min=1"`
	BreakerSuccessThreshold uint32        `toml:"breaker_success_threshold" env:"BREAKER_SUCCESS_THRESHOLD" validate:"min=1"`
	BreakerCooldown         time.Duration `toml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	BreakerWindow           time.Duration `toml:"breaker_window" env:"BREAKER_WINDOW"`
}

// LeaderConfig configures leadership
type LeaderConfig struct {
	Enabled         bool          `toml:"enabled" env:"ENABLED"`
	Provider        string        `toml:"provider" env:"PROVIDER" validate:"oneof=redis mongodb etcd memory"`
	Key             string        `toml:"key" env:"KEY" validate:"required"`
	TTL             time.Duration `toml:"ttl" env:"TTL"`
	RefreshInterval time.Duration `toml:"refresh_interval" env:"REFRESH_INTERVAL"`
}

// MongoDBConfig configures the MongoDB client
type MongoDBConfig struct {
	URI      string `toml:"uri" env:"URI"`
	Database string `toml:"database" env:"DATABASE"`
}

// RedisConfig configures the shared Redis client used for leadership
type RedisConfig struct {
	URL string `toml:"url" env:"URL"`
}

// EtcdConfig configures the etcd client
type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints" env:"ENDPOINTS"`
	DialTimeout time.Duration `toml:"dial_timeout" env:"DIAL_TIMEOUT"`
	Username    string        `toml:"username" env:"USERNAME"`
	Password    string        `toml:"password" env:"PASSWORD"`
}

// LifecycleConfig sets background task intervals. Zero disables a task.
type LifecycleConfig struct {
	VisibilityInterval     time.Duration `toml:"visibility_interval" env:"VISIBILITY_INTERVAL"`
	ReapInterval           time.Duration `toml:"reap_interval" env:"REAP_INTERVAL"`
	SnapshotInterval       time.Duration `toml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	WarningCleanupInterval time.Duration `toml:"warning_cleanup_interval" env:"WARNING_CLEANUP_INTERVAL"`
	WarningMaxAge          time.Duration `toml:"warning_max_age" env:"WARNING_MAX_AGE"`
	HealthInterval         time.Duration `toml:"health_interval" env:"HEALTH_INTERVAL"`
	ConfigSyncInterval     time.Duration `toml:"config_sync_interval" env:"CONFIG_SYNC_INTERVAL"`
	ShutdownTimeout        time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AuthConfig protects the monitoring API
type AuthConfig struct {
	Mode string `toml:"mode" env:"MODE" validate:"oneof=NONE BASIC JWT"`

	BasicUsername     string `toml:"basic_username" env:"BASIC_USERNAME"`
	BasicPasswordHash string `toml:"basic_password_hash" env:"BASIC_PASSWORD_HASH"`

	JWTSecret        string `toml:"jwt_secret" env:"JWT_SECRET"`
	JWTPublicKeyPath string `toml:"jwt_public_key_path" env:"JWT_PUBLIC_KEY_PATH"`
	JWTIssuer        string `toml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience      string `toml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// NotificationConfig configures warning forwarding
type NotificationConfig struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
	notification.WebhookConfig
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		InstanceID: leader.DefaultInstanceID(),
		HTTP: HTTPConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Queue: QueueConfig{
			Type:               QueueMemory,
			MaxMessagesPerPoll: 10,
			PollInterval:       time.Second,
			DeferDelay:         10 * time.Second,
			VisibilityTimeout:  120 * time.Second,
			ExtendThreshold:    50 * time.Second,
			NATS:               nats.DefaultConfig(),
			Memory:             MemoryQueueConfig{Name: "dispatch"},
		},
		Pools: PoolsConfig{
			DefaultConcurrency: 20,
			MaxGroupQueue:      1000,
			ShutdownTimeout:    30 * time.Second,
			Source:             "static",
			RetryInitial:       5 * time.Second,
			RetryMultiplier:    2,
			RetryMax:           15 * time.Minute,
		},
		Mediator: MediatorConfig{
			Timeout:                 30 * time.Second,
			MaxIdleConnsPerHost:     10,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 3,
			BreakerCooldown:         30 * time.Second,
			BreakerWindow:           60 * time.Second,
		},
		Leader: LeaderConfig{
			Provider:        LockRedis,
			Key:             leader.DefaultKey,
			TTL:             leader.DefaultTTL,
			RefreshInterval: leader.DefaultRefreshInterval,
		},
		MongoDB: MongoDBConfig{
			URI:      "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true",
			Database: "flowcatalyst",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			VisibilityInterval:     55 * time.Second,
			ReapInterval:           60 * time.Second,
			SnapshotInterval:       60 * time.Second,
			WarningCleanupInterval: 5 * time.Minute,
			WarningMaxAge:          8 * time.Hour,
			HealthInterval:         30 * time.Second,
			ConfigSyncInterval:     5 * time.Minute,
			ShutdownTimeout:        60 * time.Second,
		},
		Auth: AuthConfig{Mode: AuthNone},
		Traffic: traffic.Config{
			Strategy: traffic.StrategyNoOp,
			Timeout:  5 * time.Second,
		},
		Notification: NotificationConfig{
			WebhookConfig: notification.WebhookConfig{
				BatchInterval: 5 * time.Minute,
				MaxBatch:      20,
				Timeout:       10 * time.Second,
			},
		},
	}
}

// ConfigPaths lists the paths searched for a config file
var ConfigPaths = []string{
	"config.toml",
	"router.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/router.toml",
	"/etc/flowcatalyst/router.toml",
}

// Load reads defaults, then the config file (FLOWCATALYST_CONFIG or the first
// of ConfigPaths that exists), then environment overrides, and validates.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		for _, p := range ConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without reading the environment
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Queue.Type = strings.ToLower(strings.TrimSpace(c.Queue.Type))
	c.Leader.Provider = strings.ToLower(strings.TrimSpace(c.Leader.Provider))
	c.Auth.Mode = strings.ToUpper(strings.TrimSpace(c.Auth.Mode))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Leader.Provider == "mongo" {
		c.Leader.Provider = LockMongo
	}
	if c.InstanceID == "" {
		c.InstanceID = leader.DefaultInstanceID()
	}
	for i := range c.Pools.Static {
		if c.Pools.Static[i].Status == "" {
			c.Pools.Static[i].Status = model.PoolStatusActive
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the settings each selected backend needs
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Queue.Type {
	case QueueSQS:
		if c.Queue.SQS.QueueURL == "" {
			add("queue.sqs.queue_url is required for the sqs backend")
		}
	case QueueNATS:
		if c.Queue.NATS.URL == "" && !c.Queue.Embedded.Enabled {
			add("queue.nats.url is required unless embedded_nats is enabled")
		}
	case QueueRedis:
		if c.Queue.Redis.URL == "" && c.Redis.URL == "" {
			add("queue.redis.url or redis.url is required for the redis backend")
		}
	}

	if c.Queue.ExtendThreshold >= c.Queue.VisibilityTimeout {
		add("queue.extend_threshold (%s) must be below queue.visibility_timeout (%s)", c.Queue.ExtendThreshold, c.Queue.VisibilityTimeout)
	}

	if c.Leader.Enabled {
		if c.Leader.RefreshInterval <= 0 || c.Leader.TTL <= 0 {
			add("leader.ttl and leader.refresh_interval must be positive")
		} else if c.Leader.RefreshInterval >= c.Leader.TTL {
			add("leader.refresh_interval (%s) must be shorter than leader.ttl (%s)", c.Leader.RefreshInterval, c.Leader.TTL)
		}
		switch c.Leader.Provider {
		case LockRedis:
			if c.Redis.URL == "" {
				add("redis.url is required for the redis lock provider")
			}
		case LockMongo:
			if c.MongoDB.URI == "" {
				add("mongodb.uri is required for the mongodb lock provider")
			}
		case LockEtcd:
			if len(c.Etcd.Endpoints) == 0 {
				add("etcd.endpoints is required for the etcd lock provider")
			}
		}
	}

	if c.Pools.Source == "mongodb" && (c.MongoDB.URI == "" || c.MongoDB.Database == "") {
		add("mongodb.uri and mongodb.database are required for the mongodb pool source")
	}
	seen := make(map[string]bool, len(c.Pools.Static))
	for i, p := range c.Pools.Static {
		if p.Code == "" {
			add("pools.static[%d] has no code", i)
			continue
		}
		if seen[p.Code] {
			add("pools.static has duplicate code %s", p.Code)
		}
		seen[p.Code] = true
		if p.Concurrency != nil && *p.Concurrency < 1 {
			add("pool %s concurrency must be at least 1", p.Code)
		}
		if p.RateLimitPerMinute != nil && *p.RateLimitPerMinute < 1 {
			add("pool %s rate_limit must be at least 1", p.Code)
		}
		if p.Status != model.PoolStatusActive && p.Status != model.PoolStatusArchived {
			add("pool %s has unknown status %s", p.Code, p.Status)
		}
	}

	switch c.Auth.Mode {
	case AuthBasic:
		if c.Auth.BasicUsername == "" || c.Auth.BasicPasswordHash == "" {
			add("auth.basic_username and auth.basic_password_hash are required for BASIC auth")
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyPath == "" {
			add("auth.jwt_secret or auth.jwt_public_key_path is required for JWT auth")
		}
	}

	if c.Traffic.Enabled && c.Traffic.Strategy == traffic.StrategyHTTPCallback && c.Traffic.CallbackURL == "" {
		add("traffic.callback_url is required for the http-callback strategy")
	}
	if c.Notification.Enabled && c.Notification.URL == "" {
		add("notification.webhook_url is required when notifications are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// RedisQueueURL returns the queue's own URL or the shared one
func (c *Config) RedisQueueURL() string {
	if c.Queue.Redis.URL != "" {
		return c.Queue.Redis.URL
	}
	return c.Redis.URL
}
