package domain

import (
	"context"
	"time"
)

// TitleEvent — входящее событие с процентом для пользователя.
// Доставка как минимум однократная: обработчик обязан быть идемпотентным.
type TitleEvent struct {
	ID         string    `json:"event_id,omitempty"`
	TGUserID   int64     `json:"tg_user_id"`
	ChatID     int64     `json:"chat_id,omitempty"`
	Percentage int       `json:"percentage"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventAckFunc подтверждает обработку события или запрашивает повторную доставку.
type EventAckFunc func(success bool) error

// EventQueue описывает очередь входящих событий титула.
type EventQueue interface {
	Enqueue(ctx context.Context, event TitleEvent) error
	Receive(ctx context.Context) (TitleEvent, EventAckFunc, error)
}
