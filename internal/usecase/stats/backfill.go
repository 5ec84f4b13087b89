package stats

import (
	"context"
	"fmt"
	"time"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// RunDailySnapshots записывает срезы для всех пользователей, принявших переход
// в указанную дату. Задача идемпотентна: срез пишется апсёртом по ключу
// (user_id, snapshot_date), повторный запуск за ту же дату безопасен.
func (s *Service) RunDailySnapshots(ctx context.Context, date time.Time) (int, error) {
	users, err := s.users.ListByLastProcessedDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("выборка пользователей: %w", err)
	}

	written := 0
	for _, user := range users {
		snap := domain.DailySnapshot{
			UserID:           user.ID,
			SnapshotDate:     date,
			Percentage:       user.LastPercentage,
			Title:            user.Title,
			TitleLetterCount: user.TitleLetterCount,
		}
		if err := s.snapshots.Upsert(ctx, snap); err != nil {
			metrics.SnapshotJobErrorsTotal.Inc()
			s.log.Error().Err(err).Int64("user_id", user.ID).Msg("snapshot job: не удалось записать срез")
			continue
		}
		metrics.SnapshotJobWrittenTotal.Inc()
		written++
	}
	s.log.Info().Str("date", date.Format("2006-01-02")).Int("written", written).Msg("snapshot job: завершено")
	return written, nil
}

// BackfillMissedDays перезаписывает срезы за последние daysBack дней,
// закрывая пропуски после простоя планировщика.
func (s *Service) BackfillMissedDays(ctx context.Context, daysBack int) error {
	today := domain.DateOf(s.now(), time.UTC)
	for i := 0; i < daysBack; i++ {
		date := today.AddDate(0, 0, -i)
		if _, err := s.RunDailySnapshots(ctx, date); err != nil {
			return fmt.Errorf("бэкфилл за %s: %w", date.Format("2006-01-02"), err)
		}
	}
	return nil
}
