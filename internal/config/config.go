package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// StoreConfig selects and sizes the Rule/Message store.
type StoreConfig struct {
	Driver     string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"relay.db"`

	DBDSN                   string        `envconfig:"DB_DSN"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"1h"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"30m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
	DBMigrateOnStart        bool          `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// QueueConfig covers backend selection, job policy and per-kind concurrency.
type QueueConfig struct {
	QueueBackend string `envconfig:"QUEUE_BACKEND"`

	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisDisabled bool   `envconfig:"REDIS_DISABLED" default:"false"`

	QueuePrefix         string        `envconfig:"QUEUE_PREFIX" default:"relay"`
	QueueMaxAttempts    int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueBackoffBase    time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"5s"`
	QueueLockDuration   time.Duration `envconfig:"QUEUE_LOCK_DURATION" default:"30s"`
	QueueKeepCompleted  int           `envconfig:"QUEUE_KEEP_COMPLETED" default:"100"`
	QueueKeepFailed     int           `envconfig:"QUEUE_KEEP_FAILED" default:"200"`
	QueueFailedTTL      time.Duration `envconfig:"QUEUE_FAILED_TTL" default:"168h"`
	QueueConnectTimeout time.Duration `envconfig:"QUEUE_CONNECT_TIMEOUT" default:"3s"`
	QueuePollInterval   time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURLs       string `envconfig:"SQS_QUEUE_URLS"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`

	WorkersEmail         int `envconfig:"WORKERS_EMAIL" default:"2"`
	WorkersWebhook       int `envconfig:"WORKERS_WEBHOOK" default:"5"`
	WorkersReply         int `envconfig:"WORKERS_REPLY" default:"5"`
	UrgentWorkersEmail   int `envconfig:"URGENT_WORKERS_EMAIL" default:"3"`
	UrgentWorkersWebhook int `envconfig:"URGENT_WORKERS_WEBHOOK" default:"5"`
	UrgentWorkersReply   int `envconfig:"URGENT_WORKERS_REPLY" default:"5"`
}

type RelayConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreConfig
	QueueConfig

	// Mail
	SMTPHost      string `envconfig:"SMTP_HOST"`
	SMTPPort      int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername  string `envconfig:"SMTP_USERNAME"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	SMTPMode      string `envconfig:"SMTP_MODE" default:"starttls"`
	SMTPFromEmail string `envconfig:"SMTP_FROM_EMAIL" default:"relay@relay.local"`
	EmailDomain   string `envconfig:"EMAIL_DOMAIN" default:"relay.local"`
	HelpdeskEmail string `envconfig:"HELPDESK_EMAIL"`
	UnitNamesFile string `envconfig:"UNIT_NAMES_FILE"`

	// Webhook
	WebhookAttempts   int           `envconfig:"WEBHOOK_ATTEMPTS" default:"3"`
	WebhookRetryDelay time.Duration `envconfig:"WEBHOOK_RETRY_DELAY" default:"5s"`
	WebhookTimeout    time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	WebhookRPS        float64       `envconfig:"WEBHOOK_RPS" default:"20"`
	WebhookBurst      int           `envconfig:"WEBHOOK_BURST" default:"40"`

	// Sources
	TelegramBotToken  string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	FeishuAppID       string        `envconfig:"FEISHU_APP_ID"`
	FeishuAppSecret   string        `envconfig:"FEISHU_APP_SECRET"`
	IngestSecret      string        `envconfig:"INGEST_SECRET"`
	IngestReplyURL    string        `envconfig:"INGEST_REPLY_URL"`
	MediaMaxBytes     int64         `envconfig:"MEDIA_MAX_BYTES" default:"20971520"`
	MediaFetchTimeout time.Duration `envconfig:"MEDIA_FETCH_TIMEOUT" default:"30s"`
}

// CtlConfig is what relayctl needs: a store and, for queue inspection, the queue settings.
type CtlConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`

	StoreConfig
	QueueConfig
}

type MockEndpointConfig struct {
	Port      string `envconfig:"PORT" default:"8090"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// FailFirst makes the first N requests per messageId return FailStatus.
	FailFirst  int    `envconfig:"MOCK_FAIL_FIRST" default:"0"`
	FailStatus int    `envconfig:"MOCK_FAIL_STATUS" default:"500"`
	APIKey     string `envconfig:"MOCK_API_KEY"`
	// ReplySecret verifies signed reply callbacks when set.
	ReplySecret string `envconfig:"MOCK_REPLY_SECRET"`
	// Latency is added before every response.
	Latency time.Duration `envconfig:"MOCK_LATENCY" default:"0s"`
}

func LoadRelay() RelayConfig {
	var cfg RelayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCtl() CtlConfig {
	var cfg CtlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockEndpoint() MockEndpointConfig {
	var cfg MockEndpointConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
