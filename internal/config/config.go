package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	OpsAddr  string `env:"OPS_ADDR" envDefault:":9090"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Broker    string `env:"BROKER" envDefault:"redis"`
	AMQPURL   string `env:"AMQP_URL"`
	QueueName string `env:"QUEUE_NAME" envDefault:"visionq"`
	DefaultVT int    `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`

	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1m"`
	JobMaxTTL      time.Duration `env:"JOB_MAX_TTL" envDefault:"15m"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	InferenceTimeout  time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"30s"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	SweepBatch     int           `env:"SWEEP_BATCH" envDefault:"500"`
	DispatchGrace  time.Duration `env:"DISPATCH_GRACE" envDefault:"2m"`
	SweeperLockKey int64         `env:"SWEEPER_LOCK_KEY" envDefault:"42"`

	S3Endpoint  string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"visionq"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`

	DetectorURL string `env:"DETECTOR_URL" envDefault:"http://localhost:8000"`
}

// Load reads the configuration of a process backed by Postgres and Redis.
func Load() (Config, error) {
	c, err := LoadLocal()
	if err != nil {
		return c, err
	}
	if c.PostgresDSN == "" {
		return c, fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return c, fmt.Errorf("REDIS_ADDR is required")
	}
	return c, nil
}

// LoadLocal reads the configuration without requiring the shared stores,
// for single-process runs that keep jobs in memory.
func LoadLocal() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.DefaultVT) * time.Second
}

func (c Config) Dev() bool { return c.AppEnv == "dev" }

// Validate rejects combinations that would break delivery guarantees.
func (c Config) Validate() error {
	switch c.Broker {
	case "redis":
	case "rabbitmq":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when BROKER=rabbitmq")
		}
	default:
		return fmt.Errorf("unknown BROKER %q", c.Broker)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	// A lease must outlive the attempt, or a slow attempt is redelivered
	// while it is still running.
	if c.VisibilityTimeout() <= c.InferenceTimeout {
		return fmt.Errorf("DEFAULT_VISIBILITY_TIMEOUT_SEC (%s) must exceed INFERENCE_TIMEOUT (%s)",
			c.VisibilityTimeout(), c.InferenceTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}
