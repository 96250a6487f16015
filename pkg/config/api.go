package config

import (
	"os"
	"time"
)

// APIConfig holds runtime configuration for the control service.
type APIConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	JWTSecret           string
	SecretEncryptionKey string
	StreamTokenTTL      time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogStream           string
	LogStreamPartitions int
	LogConsumerGroup    string
	LogConsumerName     string

	IngestBatchSize      int
	IngestBlock          time.Duration
	IngestHeartbeat      time.Duration
	IngestReclaimIdle    time.Duration
	IngestRestartBackoff time.Duration

	LogStoreTimeout        time.Duration
	LogStoreRetryAttempts  int
	LogStoreRetryBase      time.Duration
	BreakerThreshold       int
	BreakerTimeout         time.Duration
	LogStoreHealthInterval time.Duration

	StreamPollInterval      time.Duration
	StreamHeartbeatInterval time.Duration

	WorkerBackend       string
	WorkerImage         string
	WorkerLaunchTimeout time.Duration
	WorkerWatchEnabled  bool
	WorkerWatchInterval time.Duration
	DockerHost          string
	DockerNetwork       string
	KubeNamespace       string

	ReconcileInterval time.Duration
	DeploymentTTL     time.Duration

	RateLimitTrigger  int
	RateLimitStream   int
	MaxStreamsPerUser int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":9000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://snapdeploy:snapdeploy@db:5432/snapdeploy?sslmode=disable"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		StreamTokenTTL:      time.Duration(GetInt("STREAM_TOKEN_TTL_MIN", 60)) * time.Minute,

		RedisAddr:     GetString("LOG_REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("LOG_REDIS_PASSWORD", ""),
		RedisDB:       GetInt("LOG_REDIS_DB", 0),

		LogStream:           GetString("LOG_STREAM", "container-logs"),
		LogStreamPartitions: GetInt("LOG_STREAM_PARTITIONS", 4),
		LogConsumerGroup:    GetString("LOG_CONSUMER_GROUP", "api-server-logs-consumer"),
		LogConsumerName:     GetString("LOG_CONSUMER_NAME", hostname()),

		IngestBatchSize:      GetInt("INGEST_BATCH_SIZE", 50),
		IngestBlock:          time.Duration(GetInt("INGEST_BLOCK_MS", 2000)) * time.Millisecond,
		IngestHeartbeat:      time.Duration(GetInt("INGEST_HEARTBEAT_SECONDS", 5)) * time.Second,
		IngestReclaimIdle:    time.Duration(GetInt("INGEST_RECLAIM_IDLE_SECONDS", 60)) * time.Second,
		IngestRestartBackoff: time.Duration(GetInt("INGEST_RESTART_BACKOFF_SECONDS", 5)) * time.Second,

		LogStoreTimeout:        time.Duration(GetInt("LOG_STORE_TIMEOUT_SECONDS", 5)) * time.Second,
		LogStoreRetryAttempts:  GetInt("LOG_STORE_RETRY_ATTEMPTS", 3),
		LogStoreRetryBase:      time.Duration(GetInt("LOG_STORE_RETRY_BASE_MS", 1000)) * time.Millisecond,
		BreakerThreshold:       GetInt("LOG_STORE_BREAKER_THRESHOLD", 3),
		BreakerTimeout:         time.Duration(GetInt("LOG_STORE_BREAKER_TIMEOUT_SECONDS", 30)) * time.Second,
		LogStoreHealthInterval: time.Duration(GetInt("LOG_STORE_HEALTH_SECONDS", 15)) * time.Second,

		StreamPollInterval:      time.Duration(GetInt("STREAM_POLL_SECONDS", 3)) * time.Second,
		StreamHeartbeatInterval: time.Duration(GetInt("STREAM_HEARTBEAT_SECONDS", 30)) * time.Second,

		WorkerBackend:       GetString("WORKER_BACKEND", "docker"),
		WorkerImage:         GetString("WORKER_IMAGE", "snapdeploy/build-worker:latest"),
		WorkerLaunchTimeout: time.Duration(GetInt("WORKER_LAUNCH_TIMEOUT_SECONDS", 30)) * time.Second,
		WorkerWatchEnabled:  GetBool("WORKER_WATCH_ENABLED", true),
		WorkerWatchInterval: time.Duration(GetInt("WORKER_WATCH_INTERVAL_SECONDS", 5)) * time.Second,
		DockerHost:          GetString("DOCKER_HOST", ""),
		DockerNetwork:       GetString("WORKER_DOCKER_NETWORK", ""),
		KubeNamespace:       GetString("WORKER_KUBE_NAMESPACE", "snapdeploy-builds"),

		ReconcileInterval: time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second,
		DeploymentTTL:     time.Duration(GetInt("DEPLOYMENT_TTL_SECONDS", 1800)) * time.Second,

		RateLimitTrigger:  GetInt("RATE_LIMIT_TRIGGER_PER_MIN", 30),
		RateLimitStream:   GetInt("RATE_LIMIT_STREAM_PER_MIN", 20),
		MaxStreamsPerUser: GetInt("MAX_STREAMS_PER_USER", 10),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "api"
	}
	return name
}
