package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, QueueMemory, cfg.Queue.Type)
	assert.Equal(t, 20, cfg.Pools.DefaultConcurrency)
	assert.Equal(t, 55*time.Second, cfg.Lifecycle.VisibilityInterval)
	assert.Equal(t, 8*time.Hour, cfg.Lifecycle.WarningMaxAge)
	assert.NotEmpty(t, cfg.InstanceID)
}

const sample = `
instance_id = "router-1"

[http]
port = 9090
cors_origins = ["http://localhost:4200"]

[logging]
level = "DEBUG"

[queue]
type = "sqs"
visibility_timeout = "2m"
extend_threshold = "50s"

[queue.sqs]
queue_url = "https://sqs.eu-west-1.amazonaws.com/123/dispatch.fifo"
region = "eu-west-1"

[leader]
enabled = true
provider = "mongo"
ttl = "30s"
refresh_interval = "10s"

[mediator]
breaker_failure_threshold = 3
breaker_cooldown = "45s"

[[pools.static]]
code = "ORDERS"
concurrency = 5
rate_limit = 120

[[pools.static]]
code = "LEGACY"
status = "ARCHIVED"

[notification]
enabled = true
webhook_url = "https://hooks.example.com/x"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "router-1", cfg.InstanceID)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"http://localhost:4200"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, QueueSQS, cfg.Queue.Type)
	assert.Equal(t, "eu-west-1", cfg.Queue.SQS.Region)
	assert.Equal(t, LockMongo, cfg.Leader.Provider)
	assert.Equal(t, uint32(3), cfg.Mediator.BreakerFailureThreshold)
	assert.Equal(t, uint32(3), cfg.Mediator.BreakerSuccessThreshold)
	assert.Equal(t, 45*time.Second, cfg.Mediator.BreakerCooldown)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Notification.URL)

	require.Len(t, cfg.Pools.Static, 2)
	assert.Equal(t, model.PoolConfig{
		Code:               "ORDERS",
		Concurrency:        model.IntPtr(5),
		RateLimitPerMinute: model.IntPtr(120),
		Status:             model.PoolStatusActive,
	}, cfg.Pools.Static[0])
	assert.True(t, cfg.Pools.Static[1].IsArchived())
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown queue type": `[queue]
type = "kafka"`,
		"sqs without url": `[queue]
type = "sqs"`,
		"refresh not below ttl": `[leader]
enabled = true
ttl = "10s"
refresh_interval = "10s"`,
		"duplicate pool": `[[pools.static]]
code = "A"
[[pools.static]]
code = "A"`,
		"zero concurrency": `[[pools.static]]
code = "A"
concurrency = 0`,
		"basic without hash": `[auth]
mode = "basic"
basic_username = "ops"`,
		"jwt without key": `[auth]
mode = "JWT"`,
		"bad port": `[http]
port = 70000`,
		"extend threshold above visibility": `[queue]
visibility_timeout = "30s"
extend_threshold = "40s"`,
		"callback without url": `[traffic]
enabled = true
strategy = "http-callback"`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMalformedTOML(t *testing.T) {
	_, err := Parse("[http\nport = 1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("FLOWCATALYST_HTTP_PORT", "7070")
	t.Setenv("FLOWCATALYST_QUEUE_SQS_REGION", "us-west-2")
	t.Setenv("FLOWCATALYST_LEADER_TTL", "45s")
	t.Setenv("FLOWCATALYST_AUTH_MODE", "jwt")
	t.Setenv("FLOWCATALYST_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("FLOWCATALYST_ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "us-west-2", cfg.Queue.SQS.Region)
	assert.Equal(t, 45*time.Second, cfg.Leader.TTL)
	assert.Equal(t, 10*time.Second, cfg.Leader.RefreshInterval)
	assert.Equal(t, AuthJWT, cfg.Auth.Mode)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "router-1", cfg.InstanceID)
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[http]\nport = 8181\n"), 0o600))
	t.Setenv("FLOWCATALYST_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.HTTP.Port)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestRedisQueueURLFallsBackToShared(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Redis.URL, cfg.RedisQueueURL())
	cfg.Queue.Redis.URL = "redis://queue:6379/1"
	assert.Equal(t, "redis://queue:6379/1", cfg.RedisQueueURL())
}
