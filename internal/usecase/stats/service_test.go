package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
)

type stubUsers struct {
	user     domain.User
	users    []domain.User
	position int
}

func (s *stubUsers) GetByTGID(_ context.Context, tgUserID int64) (domain.User, error) {
	if s.user.TGUserID != tgUserID {
		return domain.User{}, domain.ErrUserNotFound
	}
	return s.user, nil
}

func (s *stubUsers) Save(_ context.Context, user domain.User) (domain.User, error) {
	return user, nil
}

func (s *stubUsers) Delete(context.Context, int64) (bool, error) { return false, nil }
func (s *stubUsers) CountAll(context.Context) (int, error)       { return len(s.users), nil }

func (s *stubUsers) ApplyTransition(context.Context, domain.TransitionRecord) (bool, error) {
	return true, nil
}

func (s *stubUsers) ListLeaderboard(_ context.Context, q domain.LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	entries := make([]domain.LeaderboardEntry, 0, len(s.users))
	for i, user := range s.users {
		if i < q.Offset {
			continue
		}
		if len(entries) == q.Limit {
			break
		}
		entries = append(entries, domain.LeaderboardEntry{
			Position:         i + 1,
			TGUserID:         user.TGUserID,
			Title:            user.Title,
			TitleLetterCount: user.TitleLetterCount,
		})
	}
	return entries, nil
}

func (s *stubUsers) LeaderboardPosition(context.Context, int, bool) (int, error) {
	return s.position, nil
}

func (s *stubUsers) ListByLastProcessedDate(_ context.Context, date time.Time) ([]domain.User, error) {
	var matched []domain.User
	for _, user := range s.users {
		if user.LastProcessedDate != nil && user.LastProcessedDate.Equal(date) {
			matched = append(matched, user)
		}
	}
	return matched, nil
}

func (s *stubUsers) ListWithoutFullTitle(context.Context) ([]domain.User, error) { return nil, nil }

type stubHistory struct {
	entries []domain.TitleHistoryEntry
}

func (s *stubHistory) Append(_ context.Context, entry domain.TitleHistoryEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubHistory) ListRecent(_ context.Context, _ int64, limit int) ([]domain.TitleHistoryEntry, error) {
	if len(s.entries) <= limit {
		return s.entries, nil
	}
	return s.entries[:limit], nil
}

type stubSnapshots struct {
	average      *float64
	averageCalls int
	upserts      []domain.DailySnapshot
}

func (s *stubSnapshots) Upsert(_ context.Context, snap domain.DailySnapshot) error {
	for i, existing := range s.upserts {
		if existing.UserID == snap.UserID && existing.SnapshotDate.Equal(snap.SnapshotDate) {
			s.upserts[i] = snap
			return nil
		}
	}
	s.upserts = append(s.upserts, snap)
	return nil
}

func (s *stubSnapshots) ListByPeriod(context.Context, time.Time, time.Time, *int64) ([]domain.DailySnapshot, error) {
	return nil, nil
}

func (s *stubSnapshots) AveragePercentage(context.Context, *time.Time, *time.Time, *int64) (*float64, error) {
	s.averageCalls++
	return s.average, nil
}

type stubCache struct {
	entries map[string]domain.CachedStatistic
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string]domain.CachedStatistic)}
}

func cacheKey(calcType string, periodDays int) string {
	return fmt.Sprintf("%s:%d", calcType, periodDays)
}

func (s *stubCache) Get(_ context.Context, calcType string, periodDays int) (*domain.CachedStatistic, error) {
	entry, ok := s.entries[cacheKey(calcType, periodDays)]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *stubCache) Put(_ context.Context, calcType string, periodDays int, value float64, expiresAt time.Time) error {
	s.entries[cacheKey(calcType, periodDays)] = domain.CachedStatistic{Value: value, ExpiresAt: expiresAt}
	return nil
}

type stubSettings struct {
	periodDays int
}

func (s *stubSettings) DefaultTitle(context.Context) (string, error)    { return "", nil }
func (s *stubSettings) SetDefaultTitle(context.Context, string) error   { return nil }
func (s *stubSettings) AveragePeriodDays(context.Context) (int, error)  { return s.periodDays, nil }
func (s *stubSettings) SetAveragePeriodDays(context.Context, int) error { return nil }

func newTestService(users *stubUsers, history *stubHistory, snapshots *stubSnapshots, cache *stubCache, settings *stubSettings) *Service {
	return NewService(users, history, snapshots, cache, settings, zerolog.Nop())
}

func floatPtr(v float64) *float64 { return &v }

func TestGlobalAverageCachesValue(t *testing.T) {
	snapshots := &stubSnapshots{average: floatPtr(42.5)}
	cache := newStubCache()
	service := newTestService(&stubUsers{}, &stubHistory{}, snapshots, cache, &stubSettings{})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	days := 7
	got, err := service.GlobalAverage(context.Background(), &days)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got == nil || *got != 42.5 {
		t.Fatalf("ожидали 42.5, получили %v", got)
	}
	if snapshots.averageCalls != 1 {
		t.Fatalf("ожидали один расчёт, получили %d", snapshots.averageCalls)
	}

	// Данные поменялись, но до истечения TTL отдаётся кэш.
	snapshots.average = floatPtr(99)
	now = now.Add(23 * time.Hour)
	got, err = service.GlobalAverage(context.Background(), &days)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if *got != 42.5 {
		t.Fatalf("до истечения TTL ожидали кэш 42.5, получили %v", *got)
	}
	if snapshots.averageCalls != 1 {
		t.Fatalf("кэш не должен пересчитываться, расчётов: %d", snapshots.averageCalls)
	}

	// После истечения — пересчёт.
	now = now.Add(2 * time.Hour)
	got, err = service.GlobalAverage(context.Background(), &days)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if *got != 99 {
		t.Fatalf("после истечения TTL ожидали 99, получили %v", *got)
	}
	if snapshots.averageCalls != 2 {
		t.Fatalf("ожидали пересчёт, расчётов: %d", snapshots.averageCalls)
	}
}

func TestGlobalAverageNoData(t *testing.T) {
	snapshots := &stubSnapshots{}
	cache := newStubCache()
	service := newTestService(&stubUsers{}, &stubHistory{}, snapshots, cache, &stubSettings{})

	days := 0
	got, err := service.GlobalAverage(context.Background(), &days)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != nil {
		t.Fatalf("без данных ожидали nil, получили %v", *got)
	}
	if len(cache.entries) != 0 {
		t.Fatal("пустой результат не должен кэшироваться")
	}
}

func TestGlobalAveragePeriodFromSettings(t *testing.T) {
	snapshots := &stubSnapshots{average: floatPtr(10)}
	cache := newStubCache()
	service := newTestService(&stubUsers{}, &stubHistory{}, snapshots, cache, &stubSettings{periodDays: 30})

	if _, err := service.GlobalAverage(context.Background(), nil); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := cache.entries[cacheKey(CalcTypeGlobalAverage, 30)]; !ok {
		t.Fatal("кэш должен использовать период из настроек")
	}
}

func TestUserStats(t *testing.T) {
	pct, _ := domain.NewPercentage(77)
	users := &stubUsers{
		user: domain.User{
			ID:               1,
			TGUserID:         42,
			Username:         "tester",
			Title:            "Sup",
			TitleLetterCount: 3,
			LastPercentage:   &pct,
			Timezone:         "UTC",
		},
		position: 2,
	}
	history := &stubHistory{entries: []domain.TitleHistoryEntry{
		{UserID: 1, NewTitle: "Sup", ChangeType: domain.ChangeTypeAutomatic},
	}}
	snapshots := &stubSnapshots{average: floatPtr(55)}
	service := newTestService(users, history, snapshots, newStubCache(), &stubSettings{})

	got, err := service.UserStats(context.Background(), 42)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Position != 2 || got.Title != "Sup" || got.LetterCount != 3 {
		t.Fatalf("неожиданная сводка: %+v", got)
	}
	if len(got.RecentChanges) != 1 {
		t.Fatalf("ожидали одну запись истории, получили %d", len(got.RecentChanges))
	}
	if got.WeeklyTrend == nil || *got.WeeklyTrend != 55 {
		t.Fatalf("ожидали тренд 55, получили %v", got.WeeklyTrend)
	}
}

func TestRunDailySnapshotsIdempotent(t *testing.T) {
	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	pct, _ := domain.NewPercentage(50)
	users := &stubUsers{users: []domain.User{
		{ID: 1, TGUserID: 42, Title: "Sup", TitleLetterCount: 3, LastPercentage: &pct, LastProcessedDate: &date},
		{ID: 2, TGUserID: 43, Title: "Mega"},
	}}
	snapshots := &stubSnapshots{}
	service := newTestService(users, &stubHistory{}, snapshots, newStubCache(), &stubSettings{})

	written, err := service.RunDailySnapshots(context.Background(), date)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if written != 1 {
		t.Fatalf("ожидали один срез, получили %d", written)
	}

	// Повторный запуск за ту же дату не плодит записи.
	if _, err := service.RunDailySnapshots(context.Background(), date); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(snapshots.upserts) != 1 {
		t.Fatalf("ожидали одну запись после повтора, получили %d", len(snapshots.upserts))
	}
}
