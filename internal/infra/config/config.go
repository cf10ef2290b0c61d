package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv        string `envconfig:"APP_ENV" default:"dev"`
	DefaultUserTZ string `envconfig:"DEFAULT_USER_TZ" default:"Asia/Kolkata"`

	API struct {
		Addr  string `envconfig:"API_ADDR" default:":8080"`
		Token string `envconfig:"API_TOKEN"`
	} `envconfig:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitMQURL string `envconfig:"RABBITMQ_URL"`

	Extract struct {
		MinActivityText int `envconfig:"MIN_ACTIVITY_TEXT" default:"3"`
	} `envconfig:""`

	Sweep struct {
		Cron       string        `envconfig:"SWEEP_CRON" default:"* * * * *"`
		LateWindow time.Duration `envconfig:"SWEEP_LATE_WINDOW" default:"10m"`
	} `envconfig:""`

	Queues struct {
		Dispatch string `envconfig:"DISPATCH_QUEUE_KEY" default:"dispatch_jobs"`
	} `envconfig:""`

	Push struct {
		ProviderURL   string `envconfig:"PUSH_PROVIDER_URL"`
		ProviderToken string `envconfig:"PUSH_PROVIDER_TOKEN"`
	} `envconfig:""`

	Telegram struct {
		Token       string `envconfig:"TG_BOT_TOKEN"`
		WebhookAddr string `envconfig:"TG_WEBHOOK_ADDR" default:":8081"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
