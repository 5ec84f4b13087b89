package domain

import "time"

// User описывает пользователя Telegram в системе.
type User struct {
	ID                int64
	TGUserID          int64
	Username          string
	DisplayName       string
	FullTitle         Title
	Title             Title
	TitleLetterCount  int
	TitleLocked       bool
	Timezone          string
	LastPercentage    *Percentage
	LastProcessedDate *time.Time
	MigrationBatchID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SetTitle обновляет отображаемый титул и денормализованный счётчик букв.
func (u *User) SetTitle(title Title) {
	u.Title = title
	u.TitleLetterCount = title.LetterCount()
}

// Location возвращает часовой пояс пользователя, UTC при отсутствии или ошибке.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ChangeType — источник изменения титула в истории.
type ChangeType string

const (
	ChangeTypeCreated     ChangeType = "created"
	ChangeTypeAutomatic   ChangeType = "automatic"
	ChangeTypeManualAdmin ChangeType = "manual_admin"
)

// TitleHistoryEntry — запись журнала изменений титула. Записи только добавляются.
type TitleHistoryEntry struct {
	ID         int64
	UserID     int64
	OldTitle   Title
	NewTitle   Title
	Percentage *Percentage
	ChangeType ChangeType
	// ChangeDate — локальная дата события для автоматических переходов,
	// ключ дедупликации при повторной доставке.
	ChangeDate *time.Time
	CreatedAt  time.Time
}

// DailySnapshot — срез состояния пользователя на дату. Уникален по (UserID, SnapshotDate),
// повторная запись с тем же ключом перезаписывает значения.
type DailySnapshot struct {
	ID               int64
	UserID           int64
	SnapshotDate     time.Time
	Percentage       *Percentage
	Title            Title
	TitleLetterCount int
	CreatedAt        time.Time
}

// LeaderboardEntry — позиция пользователя в рейтинге по длине титула.
type LeaderboardEntry struct {
	Position         int
	TGUserID         int64
	Username         string
	DisplayName      string
	Title            Title
	TitleLetterCount int
}

// DateOf нормализует момент времени до календарной даты в указанной зоне.
// Результат хранится как полночь UTC, чтобы сравнение дат не зависело от зоны хранения.
func DateOf(at time.Time, loc *time.Location) time.Time {
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
