package domain

import (
	"context"
	"time"
)

// LeaderboardQuery задаёт страницу и порядок выборки рейтинга.
type LeaderboardQuery struct {
	Limit  int
	Offset int
	Desc   bool
}

// TransitionRecord — принятый автоматический переход. Строка пользователя,
// запись истории и дневной срез пишутся из него одной транзакцией: либо всё,
// либо ничего, чтобы повторная доставка события применялась начисто.
type TransitionRecord struct {
	UserID        int64
	OldTitle      Title
	NewTitle      Title
	LetterCount   int
	Percentage    Percentage
	ProcessedDate time.Time
}

// UserRepo управляет пользователями.
type UserRepo interface {
	// GetByTGID возвращает пользователя по Telegram ID, ErrUserNotFound при отсутствии.
	GetByTGID(ctx context.Context, tgUserID int64) (User, error)
	// Save апсёртит пользователя по tg_user_id и возвращает строку с заполненным ID.
	Save(ctx context.Context, user User) (User, error)
	// Delete удаляет пользователя вместе с историей и срезами. Возвращает false, если его не было.
	Delete(ctx context.Context, userID int64) (bool, error)
	// CountAll возвращает число активных пользователей. Читается всегда вживую.
	CountAll(ctx context.Context) (int, error)
	// ApplyTransition атомарно записывает принятый переход: условное обновление
	// пользователя, запись истории и дневной срез в одной транзакции. Условие по
	// last_processed_date — серверная защита дневного гейта от гонок: если дата
	// уже продвинута, возвращается false и ничего не пишется. Ошибка означает,
	// что не записано ничего.
	ApplyTransition(ctx context.Context, rec TransitionRecord) (bool, error)
	// ListLeaderboard возвращает страницу рейтинга по длине титула.
	ListLeaderboard(ctx context.Context, q LeaderboardQuery) ([]LeaderboardEntry, error)
	// LeaderboardPosition возвращает позицию пользователя в рейтинге (с единицы).
	LeaderboardPosition(ctx context.Context, letterCount int, desc bool) (int, error)
	// ListByLastProcessedDate возвращает пользователей, принявших переход в указанную дату.
	ListByLastProcessedDate(ctx context.Context, date time.Time) ([]User, error)
	// ListWithoutFullTitle возвращает пользователей без базового титула.
	ListWithoutFullTitle(ctx context.Context) ([]User, error)
}

// ActiveUserCounter отдаёт живое число активных пользователей для правила 100%.
type ActiveUserCounter interface {
	CountAll(ctx context.Context) (int, error)
}

// HistoryRepo ведёт журнал изменений титула.
type HistoryRepo interface {
	// Append добавляет запись. Автоматические записи дедуплицируются по
	// (user_id, change_date): повторная доставка того же события — no-op.
	Append(ctx context.Context, entry TitleHistoryEntry) error
	// ListRecent возвращает последние записи пользователя, новые первыми.
	ListRecent(ctx context.Context, userID int64, limit int) ([]TitleHistoryEntry, error)
}

// SnapshotRepo управляет дневными срезами.
type SnapshotRepo interface {
	// Upsert записывает срез по ключу (user_id, snapshot_date), перезаписывая существующий.
	Upsert(ctx context.Context, snap DailySnapshot) error
	// ListByPeriod возвращает срезы за период, опционально по одному пользователю.
	ListByPeriod(ctx context.Context, start, end time.Time, userID *int64) ([]DailySnapshot, error)
	// AveragePercentage возвращает средний процент срезов за период (nil границы —
	// без ограничения, nil userID — по всем). Срезы без процента не учитываются.
	// nil результат означает отсутствие данных.
	AveragePercentage(ctx context.Context, start, end *time.Time, userID *int64) (*float64, error)
}

// CachedStatistic — значение из кэша статистики.
type CachedStatistic struct {
	Value     float64
	ExpiresAt time.Time
}

// StatsCacheRepo хранит мемоизированные агрегаты с TTL.
type StatsCacheRepo interface {
	// Get возвращает запись кэша или nil, если её нет. Проверка свежести — на вызывающем.
	Get(ctx context.Context, calcType string, periodDays int) (*CachedStatistic, error)
	// Put записывает значение по ключу (calcType, periodDays).
	Put(ctx context.Context, calcType string, periodDays int, value float64, expiresAt time.Time) error
}

// SettingsRepo хранит общие настройки.
type SettingsRepo interface {
	DefaultTitle(ctx context.Context) (string, error)
	SetDefaultTitle(ctx context.Context, title string) error
	AveragePeriodDays(ctx context.Context) (int, error)
	SetAveragePeriodDays(ctx context.Context, days int) error
}
