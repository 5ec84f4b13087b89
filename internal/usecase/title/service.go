package title

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// Outcome описывает исход обработки события.
type Outcome string

const (
	// OutcomeApplied — переход принят и сохранён.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyToday — событие не первое за локальный день, проигнорировано.
	OutcomeAlreadyToday Outcome = "already_today"
	// OutcomeLostRace — условная запись не прошла: параллельное событие успело раньше.
	OutcomeLostRace Outcome = "lost_race"
)

// Result — результат применения события к пользователю.
type Result struct {
	Outcome  Outcome
	OldTitle domain.Title
	NewTitle domain.Title
}

// Service — оркестратор автоматических переходов титула: дневной гейт,
// движок правил и атомарная запись принятого перехода.
type Service struct {
	users   domain.UserRepo
	counter domain.ActiveUserCounter
	log     zerolog.Logger

	mu sync.Mutex
	// locks растёт по одному мьютексу на пользователя и не вычищается:
	// карта ограничена числом зарегистрированных пользователей.
	locks map[int64]*sync.Mutex
}

// NewService создаёт оркестратор.
func NewService(users domain.UserRepo, counter domain.ActiveUserCounter, logger zerolog.Logger) *Service {
	return &Service{
		users:   users,
		counter: counter,
		log:     logger,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// FirstEventOfDay сообщает, первое ли это событие пользователя за локальный
// календарный день. lastProcessed продвигается только принятыми переходами,
// поэтому отклонённые события гейт не сдвигают.
func FirstEventOfDay(lastProcessed *time.Time, eventAt time.Time, loc *time.Location) bool {
	if lastProcessed == nil {
		return true
	}
	return lastProcessed.Before(domain.DateOf(eventAt, loc))
}

// lockUser сериализует обработку событий одного пользователя внутри процесса.
// Между процессами гонку закрывает условная запись в ApplyTransition.
func (s *Service) lockUser(tgUserID int64) func() {
	s.mu.Lock()
	lock, ok := s.locks[tgUserID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tgUserID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// ApplyPercentage применяет входящее событие процента к пользователю.
// Принятый переход пишется одной транзакцией: ошибка хранилища не оставляет
// частично применённого состояния, и повторная доставка применяет переход
// заново. Второй заход уже принятого дня отсекается гейтом.
func (s *Service) ApplyPercentage(ctx context.Context, tgUserID int64, pct domain.Percentage, eventAt time.Time) (Result, error) {
	unlock := s.lockUser(tgUserID)
	defer unlock()

	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		metrics.IncSkipped("user_not_found")
		return Result{}, err
	}
	if user.TitleLocked {
		metrics.IncSkipped("locked")
		return Result{}, fmt.Errorf("%w: tg_user_id=%d", domain.ErrTitleLocked, tgUserID)
	}

	loc := user.Location()
	if !FirstEventOfDay(user.LastProcessedDate, eventAt, loc) {
		metrics.IncSkipped("already_today")
		return Result{Outcome: OutcomeAlreadyToday, OldTitle: user.Title, NewTitle: user.Title}, nil
	}
	eventDate := domain.DateOf(eventAt, loc)

	newTitle, err := ComputeDisplayedTitle(ctx, user.FullTitle, user.Title, pct, s.counter)
	if err != nil {
		return Result{}, err
	}

	rec := domain.TransitionRecord{
		UserID:        user.ID,
		OldTitle:      user.Title,
		NewTitle:      newTitle,
		LetterCount:   newTitle.LetterCount(),
		Percentage:    pct,
		ProcessedDate: eventDate,
	}
	applied, err := s.users.ApplyTransition(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("запись перехода: %w", err)
	}
	if !applied {
		metrics.IncSkipped("lost_race")
		return Result{Outcome: OutcomeLostRace, OldTitle: user.Title, NewTitle: user.Title}, nil
	}

	metrics.IncTransition(Bucket(pct))
	s.log.Info().
		Int64("tg_user_id", tgUserID).
		Int("percentage", pct.Int()).
		Str("old_title", user.Title.String()).
		Str("new_title", newTitle.String()).
		Msg("переход титула принят")
	return Result{Outcome: OutcomeApplied, OldTitle: user.Title, NewTitle: newTitle}, nil
}
