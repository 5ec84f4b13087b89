package title

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
)

// stubStore эмулирует все хранилища, включая условную запись дневного гейта.
type stubStore struct {
	user    domain.User
	missing bool

	count         int
	history       []domain.TitleHistoryEntry
	snapshots     map[string]domain.DailySnapshot
	transitionErr error
	forceLostRace bool
	saveCalls     int
}

func newStubStore(user domain.User) *stubStore {
	return &stubStore{user: user, snapshots: make(map[string]domain.DailySnapshot)}
}

func (s *stubStore) GetByTGID(_ context.Context, tgUserID int64) (domain.User, error) {
	if s.missing || s.user.TGUserID != tgUserID {
		return domain.User{}, domain.ErrUserNotFound
	}
	return s.user, nil
}

func (s *stubStore) Save(_ context.Context, user domain.User) (domain.User, error) {
	s.saveCalls++
	if user.ID == 0 {
		user.ID = 1
	}
	s.user = user
	s.missing = false
	return user, nil
}

func (s *stubStore) Delete(context.Context, int64) (bool, error) {
	deleted := !s.missing
	s.missing = true
	return deleted, nil
}

func (s *stubStore) CountAll(context.Context) (int, error) { return s.count, nil }

// ApplyTransition эмулирует транзакцию: при ошибке состояние не меняется вовсе,
// при успехе атомарно обновляются пользователь, история и срез.
func (s *stubStore) ApplyTransition(_ context.Context, rec domain.TransitionRecord) (bool, error) {
	if s.transitionErr != nil {
		return false, s.transitionErr
	}
	if s.forceLostRace {
		return false, nil
	}
	if s.user.LastProcessedDate != nil && !s.user.LastProcessedDate.Before(rec.ProcessedDate) {
		return false, nil
	}
	s.user.Title = rec.NewTitle
	s.user.TitleLetterCount = rec.LetterCount
	pct := rec.Percentage
	s.user.LastPercentage = &pct
	date := rec.ProcessedDate
	s.user.LastProcessedDate = &date

	duplicate := false
	for _, existing := range s.history {
		if existing.ChangeType == domain.ChangeTypeAutomatic && existing.ChangeDate != nil && existing.ChangeDate.Equal(rec.ProcessedDate) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		s.history = append(s.history, domain.TitleHistoryEntry{
			UserID:     rec.UserID,
			OldTitle:   rec.OldTitle,
			NewTitle:   rec.NewTitle,
			Percentage: &pct,
			ChangeType: domain.ChangeTypeAutomatic,
			ChangeDate: &date,
		})
	}
	s.snapshots[rec.ProcessedDate.Format("2006-01-02")] = domain.DailySnapshot{
		UserID:           rec.UserID,
		SnapshotDate:     rec.ProcessedDate,
		Percentage:       &pct,
		Title:            rec.NewTitle,
		TitleLetterCount: rec.LetterCount,
	}
	return true, nil
}

func (s *stubStore) ListLeaderboard(context.Context, domain.LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

func (s *stubStore) LeaderboardPosition(context.Context, int, bool) (int, error) { return 1, nil }

func (s *stubStore) ListByLastProcessedDate(context.Context, time.Time) ([]domain.User, error) {
	return nil, nil
}

func (s *stubStore) ListWithoutFullTitle(context.Context) ([]domain.User, error) {
	if s.user.FullTitle.IsEmpty() && !s.missing {
		return []domain.User{s.user}, nil
	}
	return nil, nil
}

func (s *stubStore) Append(_ context.Context, entry domain.TitleHistoryEntry) error {
	if entry.ChangeType == domain.ChangeTypeAutomatic && entry.ChangeDate != nil {
		for _, existing := range s.history {
			if existing.ChangeType == domain.ChangeTypeAutomatic && existing.ChangeDate != nil && existing.ChangeDate.Equal(*entry.ChangeDate) {
				return nil
			}
		}
	}
	s.history = append(s.history, entry)
	return nil
}

func (s *stubStore) ListRecent(_ context.Context, _ int64, limit int) ([]domain.TitleHistoryEntry, error) {
	if len(s.history) <= limit {
		return s.history, nil
	}
	return s.history[len(s.history)-limit:], nil
}

func (s *stubStore) Upsert(_ context.Context, snap domain.DailySnapshot) error {
	s.snapshots[snap.SnapshotDate.Format("2006-01-02")] = snap
	return nil
}

func (s *stubStore) ListByPeriod(context.Context, time.Time, time.Time, *int64) ([]domain.DailySnapshot, error) {
	return nil, nil
}

func (s *stubStore) AveragePercentage(context.Context, *time.Time, *time.Time, *int64) (*float64, error) {
	return nil, nil
}

func mustPercentage(t *testing.T, value int) domain.Percentage {
	t.Helper()
	p, err := domain.NewPercentage(value)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return p
}

func testUser() domain.User {
	return domain.User{
		ID:        1,
		TGUserID:  42,
		FullTitle: "Super Gay Title",
		Timezone:  "UTC",
	}
}

func TestApplyPercentageScenario(t *testing.T) {
	store := newStubStore(testUser())
	service := NewService(store, store, zerolog.Nop())
	dayOne := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	result, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), dayOne)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("ожидали принятый переход, получили %s", result.Outcome)
	}
	if result.NewTitle != "Sup" {
		t.Fatalf("ожидали Sup, получили %q", result.NewTitle)
	}
	if store.user.TitleLetterCount != 3 {
		t.Fatalf("ожидали 3 буквы, получили %d", store.user.TitleLetterCount)
	}
	if len(store.history) != 1 || len(store.snapshots) != 1 {
		t.Fatalf("ожидали по одной записи истории и среза, получили %d и %d", len(store.history), len(store.snapshots))
	}

	// Второе событие в тот же локальный день игнорируется.
	result, err = service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), dayOne.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeAlreadyToday {
		t.Fatalf("ожидали пропуск, получили %s", result.Outcome)
	}
	if len(store.history) != 1 || len(store.snapshots) != 1 {
		t.Fatal("повторное событие не должно добавлять записи")
	}

	// На следующий локальный день процент 1 добавляет одну букву.
	dayTwo := dayOne.Add(24 * time.Hour)
	result, err = service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 1), dayTwo)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("ожидали принятый переход, получили %s", result.Outcome)
	}
	if store.user.TitleLetterCount != 4 {
		t.Fatalf("ожидали 4 буквы, получили %d", store.user.TitleLetterCount)
	}
	if len(store.history) != 2 || len(store.snapshots) != 2 {
		t.Fatalf("ожидали по две записи, получили %d и %d", len(store.history), len(store.snapshots))
	}
}

func TestApplyPercentageUserNotFound(t *testing.T) {
	store := newStubStore(testUser())
	store.missing = true
	service := NewService(store, store, zerolog.Nop())

	_, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 50), time.Now())
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("ожидали ErrUserNotFound, получили %v", err)
	}
}

func TestApplyPercentageLocked(t *testing.T) {
	user := testUser()
	user.Title = "Sup"
	user.TitleLetterCount = 3
	user.TitleLocked = true
	store := newStubStore(user)
	service := NewService(store, store, zerolog.Nop())

	_, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), time.Now())
	if !errors.Is(err, domain.ErrTitleLocked) {
		t.Fatalf("ожидали ErrTitleLocked, получили %v", err)
	}
	if store.user.Title != "Sup" || store.user.LastProcessedDate != nil {
		t.Fatal("заблокированный пользователь не должен меняться")
	}
	if len(store.history) != 0 || len(store.snapshots) != 0 {
		t.Fatal("заблокированное событие не должно оставлять записей")
	}
}

func TestApplyPercentageTimezoneGate(t *testing.T) {
	user := testUser()
	user.Timezone = "Asia/Tokyo"
	// Переход уже принят 1 августа по токийскому времени.
	processed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	user.LastProcessedDate = &processed
	store := newStubStore(user)
	service := NewService(store, store, zerolog.Nop())

	// 1 августа 20:00 UTC — в Токио уже 2 августа, гейт открыт.
	eventAt := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	result, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), eventAt)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("ожидали принятый переход, получили %s", result.Outcome)
	}
	if got := store.user.LastProcessedDate.Format("2006-01-02"); got != "2026-08-02" {
		t.Fatalf("ожидали локальную дату 2026-08-02, получили %s", got)
	}
}

func TestApplyPercentagePersistenceFailureAborts(t *testing.T) {
	store := newStubStore(testUser())
	store.transitionErr = errors.New("БД недоступна")
	service := NewService(store, store, zerolog.Nop())
	eventAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	_, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), eventAt)
	if err == nil {
		t.Fatal("ожидали ошибку записи перехода")
	}
	if store.user.LastProcessedDate != nil || store.user.Title != "" {
		t.Fatal("ошибка хранилища не должна оставлять частично применённое состояние")
	}
	if len(store.history) != 0 || len(store.snapshots) != 0 {
		t.Fatal("ошибка хранилища не должна оставлять записей")
	}

	// Хранилище восстановилось, то же событие доставлено повторно:
	// переход применяется начисто вместе с историей и срезом.
	store.transitionErr = nil
	result, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), eventAt)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("ожидали принятый переход, получили %s", result.Outcome)
	}
	if len(store.history) != 1 || len(store.snapshots) != 1 {
		t.Fatalf("ожидали по одной записи истории и среза, получили %d и %d", len(store.history), len(store.snapshots))
	}
}

func TestApplyPercentageLostRace(t *testing.T) {
	store := newStubStore(testUser())
	store.forceLostRace = true
	service := NewService(store, store, zerolog.Nop())

	result, err := service.ApplyPercentage(context.Background(), 42, mustPercentage(t, 0), time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Outcome != OutcomeLostRace {
		t.Fatalf("ожидали проигранную гонку, получили %s", result.Outcome)
	}
	if len(store.history) != 0 || len(store.snapshots) != 0 {
		t.Fatal("проигранная гонка не должна оставлять записей")
	}
	if store.user.Title != "" || store.user.LastProcessedDate != nil {
		t.Fatal("проигранная гонка не должна менять пользователя")
	}
}

func TestFirstEventOfDay(t *testing.T) {
	loc := time.UTC
	eventAt := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	if !FirstEventOfDay(nil, eventAt, loc) {
		t.Fatal("без даты гейт должен быть открыт")
	}
	yesterday := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !FirstEventOfDay(&yesterday, eventAt, loc) {
		t.Fatal("вчерашняя дата должна открывать гейт")
	}
	today := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	if FirstEventOfDay(&today, eventAt, loc) {
		t.Fatal("сегодняшняя дата должна закрывать гейт")
	}
}
