package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// RedisEventQueue реализует очередь событий титула на базе Redis lists.
type RedisEventQueue struct {
	client *redis.Client
	key    string
}

var _ domain.EventQueue = (*RedisEventQueue)(nil)

// NewRedisEventQueue создаёт очередь по указанному ключу.
func NewRedisEventQueue(client *redis.Client, key string) *RedisEventQueue {
	return &RedisEventQueue{client: client, key: key}
}

// Enqueue публикует событие в очередь.
func (q *RedisEventQueue) Enqueue(ctx context.Context, event domain.TitleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Receive блокирующе читает событие из очереди. Неуспешный ack возвращает
// событие обратно в очередь для повторной доставки.
func (q *RedisEventQueue) Receive(ctx context.Context) (domain.TitleEvent, domain.EventAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.TitleEvent{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.TitleEvent{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.TitleEvent{}, nil, err
		}
		if len(res) != 2 {
			return domain.TitleEvent{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := res[1]
		var event domain.TitleEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return domain.TitleEvent{}, nil, fmt.Errorf("decode event: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, raw).Err()
		}
		return event, ack, nil
	}
}
