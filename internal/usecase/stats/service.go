package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// CalcTypeGlobalAverage — ключ кэша глобального среднего процента.
const CalcTypeGlobalAverage = "global_average"

// cacheTTL ограничивает устаревание кэша. Инвалидация только по истечению:
// путь записи кэш не сбрасывает, окно устаревания до суток принято осознанно.
const cacheTTL = 24 * time.Hour

// UserStats — сводка по пользователю для команды /me.
type UserStats struct {
	TGUserID      int64
	Username      string
	DisplayName   string
	Title         domain.Title
	LetterCount   int
	Percentage    *domain.Percentage
	Position      int
	RecentChanges []domain.TitleHistoryEntry
	DailyTrend    *float64
	WeeklyTrend   *float64
	MonthlyTrend  *float64
}

// Service считает агрегаты по срезам: глобальное среднее с TTL-кэшем,
// рейтинг и сводки пользователей.
type Service struct {
	users     domain.UserRepo
	history   domain.HistoryRepo
	snapshots domain.SnapshotRepo
	cache     domain.StatsCacheRepo
	settings  domain.SettingsRepo
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис статистики.
func NewService(users domain.UserRepo, history domain.HistoryRepo, snapshots domain.SnapshotRepo, cache domain.StatsCacheRepo, settings domain.SettingsRepo, logger zerolog.Logger) *Service {
	return &Service{
		users:     users,
		history:   history,
		snapshots: snapshots,
		cache:     cache,
		settings:  settings,
		log:       logger,
		now:       time.Now,
	}
}

// GlobalAverage возвращает средний процент всех срезов за окно periodDays
// (0 — за всё время, nil — окно из настроек). Свежее значение кэшируется на
// сутки; просроченный кэш считается отсутствующим и пересчитывается.
// nil результат означает отсутствие данных.
func (s *Service) GlobalAverage(ctx context.Context, periodDays *int) (*float64, error) {
	days := 0
	if periodDays != nil {
		days = *periodDays
	} else {
		configured, err := s.settings.AveragePeriodDays(ctx)
		if err != nil {
			return nil, fmt.Errorf("чтение периода: %w", err)
		}
		days = configured
	}

	now := s.now()
	cached, err := s.cache.Get(ctx, CalcTypeGlobalAverage, days)
	if err != nil {
		return nil, fmt.Errorf("чтение кэша: %w", err)
	}
	if cached != nil && now.Before(cached.ExpiresAt) {
		metrics.StatsCacheHitsTotal.Inc()
		value := cached.Value
		return &value, nil
	}
	metrics.StatsCacheMissesTotal.Inc()

	var start, end *time.Time
	if days > 0 {
		to := domain.DateOf(now, time.UTC)
		from := to.AddDate(0, 0, -days)
		start, end = &from, &to
	}
	average, err := s.snapshots.AveragePercentage(ctx, start, end, nil)
	if err != nil {
		return nil, fmt.Errorf("расчёт среднего: %w", err)
	}
	if average == nil {
		return nil, nil
	}

	if err := s.cache.Put(ctx, CalcTypeGlobalAverage, days, *average, now.Add(cacheTTL)); err != nil {
		return nil, fmt.Errorf("запись кэша: %w", err)
	}
	return average, nil
}

// Leaderboard возвращает страницу рейтинга по длине титула.
func (s *Service) Leaderboard(ctx context.Context, q domain.LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	return s.users.ListLeaderboard(ctx, q)
}

// UserStats собирает сводку пользователя: позиция в рейтинге, последние
// изменения титула и тренды за день, неделю и месяц.
func (s *Service) UserStats(ctx context.Context, tgUserID int64) (UserStats, error) {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return UserStats{}, err
	}

	position, err := s.users.LeaderboardPosition(ctx, user.TitleLetterCount, false)
	if err != nil {
		return UserStats{}, fmt.Errorf("позиция в рейтинге: %w", err)
	}
	recent, err := s.history.ListRecent(ctx, user.ID, 5)
	if err != nil {
		return UserStats{}, fmt.Errorf("чтение истории: %w", err)
	}

	today := domain.DateOf(s.now(), user.Location())
	daily, err := s.trend(ctx, user.ID, today, today)
	if err != nil {
		return UserStats{}, err
	}
	weekly, err := s.trend(ctx, user.ID, today.AddDate(0, 0, -7), today)
	if err != nil {
		return UserStats{}, err
	}
	monthly, err := s.trend(ctx, user.ID, today.AddDate(0, 0, -30), today)
	if err != nil {
		return UserStats{}, err
	}

	return UserStats{
		TGUserID:      user.TGUserID,
		Username:      user.Username,
		DisplayName:   user.DisplayName,
		Title:         user.Title,
		LetterCount:   user.TitleLetterCount,
		Percentage:    user.LastPercentage,
		Position:      position,
		RecentChanges: recent,
		DailyTrend:    daily,
		WeeklyTrend:   weekly,
		MonthlyTrend:  monthly,
	}, nil
}

func (s *Service) trend(ctx context.Context, userID int64, start, end time.Time) (*float64, error) {
	average, err := s.snapshots.AveragePercentage(ctx, &start, &end, &userID)
	if err != nil {
		return nil, fmt.Errorf("расчёт тренда: %w", err)
	}
	return average, nil
}
