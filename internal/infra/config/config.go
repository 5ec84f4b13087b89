package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`

	Telegram struct {
		Token      string  `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string  `envconfig:"TG_WEBHOOK_URL"`
		SourceBot  string  `envconfig:"TG_SOURCE_BOT" default:"HowGayBot"`
		AdminIDs   []int64 `envconfig:"TG_ADMIN_IDS"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queue struct {
		Backend string `envconfig:"EVENT_QUEUE_BACKEND" default:"redis"`
		Key     string `envconfig:"EVENT_QUEUE_KEY" default:"title_events"`
		AMQPURL string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	Snapshots struct {
		BackfillDays int `envconfig:"SNAPSHOT_BACKFILL_DAYS" default:"7"`
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

// IsAdmin сообщает, входит ли пользователь в список админов.
func (c AppConfig) IsAdmin(tgUserID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == tgUserID {
			return true
		}
	}
	return false
}
