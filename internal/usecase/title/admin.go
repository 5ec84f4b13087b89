package title

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
)

const maxDefaultTitleLength = 500

// AdminService выполняет административные операции над титулами.
// Они обходят дневной гейт и движок правил, кроме пересчёта после смены базового титула.
type AdminService struct {
	users    domain.UserRepo
	history  domain.HistoryRepo
	settings domain.SettingsRepo
	counter  domain.ActiveUserCounter
	log      zerolog.Logger
}

// NewAdminService создаёт сервис административных операций.
func NewAdminService(users domain.UserRepo, history domain.HistoryRepo, settings domain.SettingsRepo, counter domain.ActiveUserCounter, logger zerolog.Logger) *AdminService {
	return &AdminService{users: users, history: history, settings: settings, counter: counter, log: logger}
}

// Register регистрирует пользователя. Базовым титулом становится дефолтный из
// настроек, отображаемый титул пуст до первого принятого события.
// Повторная регистрация возвращает существующего пользователя без изменений.
func (s *AdminService) Register(ctx context.Context, tgUserID int64, username, displayName string) (domain.User, error) {
	existing, err := s.users.GetByTGID(ctx, tgUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, err
	}

	defaultTitle, err := s.settings.DefaultTitle(ctx)
	if err != nil {
		return domain.User{}, fmt.Errorf("чтение дефолтного титула: %w", err)
	}
	user := domain.User{
		TGUserID:    tgUserID,
		Username:    username,
		DisplayName: displayName,
		FullTitle:   domain.Title(defaultTitle),
		Timezone:    "UTC",
	}
	saved, err := s.users.Save(ctx, user)
	if err != nil {
		return domain.User{}, fmt.Errorf("сохранение пользователя: %w", err)
	}

	entry := domain.TitleHistoryEntry{
		UserID:     saved.ID,
		NewTitle:   saved.FullTitle,
		ChangeType: domain.ChangeTypeCreated,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return domain.User{}, fmt.Errorf("запись истории: %w", err)
	}
	s.log.Info().Int64("tg_user_id", tgUserID).Msg("пользователь зарегистрирован")
	return saved, nil
}

// SetFullTitle задаёт базовый титул пользователя. Если у пользователя есть
// последний известный процент, движок правил прогоняется один раз по новому
// базовому титулу, чтобы отображаемый титул остался согласованным.
func (s *AdminService) SetFullTitle(ctx context.Context, tgUserID int64, fullTitle string) (domain.User, error) {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return domain.User{}, err
	}

	oldFull := user.FullTitle
	user.FullTitle = domain.Title(fullTitle)
	if user.LastPercentage != nil {
		displayed, err := ComputeDisplayedTitle(ctx, user.FullTitle, user.Title, *user.LastPercentage, s.counter)
		if err != nil {
			return domain.User{}, err
		}
		user.SetTitle(displayed)
	} else {
		user.SetTitle("")
	}

	saved, err := s.users.Save(ctx, user)
	if err != nil {
		return domain.User{}, fmt.Errorf("сохранение пользователя: %w", err)
	}

	entry := domain.TitleHistoryEntry{
		UserID:     saved.ID,
		OldTitle:   oldFull,
		NewTitle:   user.FullTitle,
		ChangeType: domain.ChangeTypeManualAdmin,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return domain.User{}, fmt.Errorf("запись истории: %w", err)
	}
	return saved, nil
}

// SetDisplayedTitle напрямую задаёт отображаемый титул пользователя.
func (s *AdminService) SetDisplayedTitle(ctx context.Context, tgUserID int64, title string) (domain.User, error) {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return domain.User{}, err
	}

	oldTitle := user.Title
	user.SetTitle(domain.Title(title))
	saved, err := s.users.Save(ctx, user)
	if err != nil {
		return domain.User{}, fmt.Errorf("сохранение пользователя: %w", err)
	}

	entry := domain.TitleHistoryEntry{
		UserID:     saved.ID,
		OldTitle:   oldTitle,
		NewTitle:   user.Title,
		ChangeType: domain.ChangeTypeManualAdmin,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return domain.User{}, fmt.Errorf("запись истории: %w", err)
	}
	return saved, nil
}

// SetLocked блокирует или разблокирует автоматические изменения титула.
func (s *AdminService) SetLocked(ctx context.Context, tgUserID int64, locked bool) error {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return err
	}
	if user.TitleLocked == locked {
		return nil
	}
	user.TitleLocked = locked
	if _, err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("сохранение пользователя: %w", err)
	}
	return nil
}

// DeleteUser удаляет пользователя вместе с историей и срезами.
func (s *AdminService) DeleteUser(ctx context.Context, tgUserID int64) error {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return err
	}
	deleted, err := s.users.Delete(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("удаление пользователя: %w", err)
	}
	if !deleted {
		return domain.ErrUserNotFound
	}
	s.log.Info().Int64("tg_user_id", tgUserID).Msg("пользователь удалён")
	return nil
}

// SetDefaultTitle задаёт дефолтный титул для новых пользователей.
func (s *AdminService) SetDefaultTitle(ctx context.Context, title string) error {
	if err := validateDefaultTitle(title); err != nil {
		return err
	}
	return s.settings.SetDefaultTitle(ctx, title)
}

// SetAveragePeriodDays задаёт окно глобального среднего в днях, 0 — за всё время.
func (s *AdminService) SetAveragePeriodDays(ctx context.Context, days int) error {
	if days < 0 {
		return fmt.Errorf("период не может быть отрицательным: %d", days)
	}
	return s.settings.SetAveragePeriodDays(ctx, days)
}

// MigrateToDefaultTitle присваивает дефолтный титул всем пользователям без
// базового. Затронутые строки помечаются общим идентификатором партии.
func (s *AdminService) MigrateToDefaultTitle(ctx context.Context) (int, string, error) {
	defaultTitle, err := s.settings.DefaultTitle(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("чтение дефолтного титула: %w", err)
	}
	if defaultTitle == "" {
		return 0, "", domain.ErrInvalidDefaultTitle
	}

	users, err := s.users.ListWithoutFullTitle(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("выборка пользователей: %w", err)
	}

	batchID := uuid.NewString()
	migrated := 0
	for _, user := range users {
		user.FullTitle = domain.Title(defaultTitle)
		user.MigrationBatchID = batchID
		saved, err := s.users.Save(ctx, user)
		if err != nil {
			s.log.Error().Err(err).Int64("tg_user_id", user.TGUserID).Msg("миграция: не удалось сохранить пользователя")
			continue
		}
		entry := domain.TitleHistoryEntry{
			UserID:     saved.ID,
			NewTitle:   domain.Title(defaultTitle),
			ChangeType: domain.ChangeTypeManualAdmin,
		}
		if err := s.history.Append(ctx, entry); err != nil {
			s.log.Error().Err(err).Int64("tg_user_id", user.TGUserID).Msg("миграция: не удалось записать историю")
			continue
		}
		migrated++
	}
	s.log.Info().Str("batch_id", batchID).Int("migrated", migrated).Msg("миграция на дефолтный титул завершена")
	return migrated, batchID, nil
}

func validateDefaultTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: пустая строка", domain.ErrInvalidDefaultTitle)
	}
	if len([]rune(title)) > maxDefaultTitleLength {
		return fmt.Errorf("%w: длиннее %d символов", domain.ErrInvalidDefaultTitle, maxDefaultTitleLength)
	}
	for _, r := range title {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: управляющие символы запрещены", domain.ErrInvalidDefaultTitle)
		}
	}
	return nil
}
