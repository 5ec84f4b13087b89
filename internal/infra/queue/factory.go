package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/config"
)

// Build собирает очередь событий по конфигу: redis или rabbitmq.
func Build(cfg config.AppConfig) (domain.EventQueue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisEventQueue(client, cfg.Queue.Key), nil
	case "rabbitmq":
		return NewAMQPEventQueue(cfg.Queue.AMQPURL, cfg.Queue.Key)
	default:
		return nil, fmt.Errorf("неизвестный бэкенд очереди: %s", cfg.Queue.Backend)
	}
}
