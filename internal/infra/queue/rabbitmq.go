package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// AMQPEventQueue реализует очередь событий титула поверх RabbitMQ.
// Подтверждения доставки используют штатные Ack/Nack брокера.
type AMQPEventQueue struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	deliverCh <-chan amqp.Delivery
}

var _ domain.EventQueue = (*AMQPEventQueue)(nil)

// NewAMQPEventQueue подключается к брокеру и объявляет durable-очередь.
func NewAMQPEventQueue(url, queue string) (*AMQPEventQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPEventQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Close закрывает канал и соединение.
func (q *AMQPEventQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Enqueue публикует событие в очередь с persistent delivery mode.
func (q *AMQPEventQueue) Enqueue(ctx context.Context, event domain.TitleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Receive блокирующе читает событие. Неуспешный ack делает Nack с requeue.
func (q *AMQPEventQueue) Receive(ctx context.Context) (domain.TitleEvent, domain.EventAckFunc, error) {
	if q.deliverCh == nil {
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.TitleEvent{}, nil, fmt.Errorf("consume %s: %w", q.queue, err)
		}
		q.deliverCh = deliveries
	}

	for {
		select {
		case <-ctx.Done():
			return domain.TitleEvent{}, nil, ctx.Err()
		case delivery, ok := <-q.deliverCh:
			if !ok {
				return domain.TitleEvent{}, nil, amqp.ErrClosed
			}
			var event domain.TitleEvent
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				// Нечитаемое сообщение убираем из очереди, иначе оно
				// будет доставляться бесконечно.
				_ = delivery.Nack(false, false)
				continue
			}
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return event, ack, nil
		}
	}
}
