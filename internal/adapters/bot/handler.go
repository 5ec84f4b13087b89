package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
	"tg-title-bot/internal/usecase/stats"
	"tg-title-bot/internal/usecase/title"
)

// Handler обслуживает вебхук бота.
type Handler struct {
	bot       *tgbotapi.BotAPI
	log       zerolog.Logger
	adminUC   *title.AdminService
	statsUC   *stats.Service
	events    domain.EventQueue
	sourceBot string
	isAdmin   func(int64) bool
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, adminUC *title.AdminService, statsUC *stats.Service, events domain.EventQueue, sourceBot string, isAdmin func(int64) bool) *Handler {
	return &Handler{
		bot:       bot,
		log:       log,
		adminUC:   adminUC,
		statsUC:   statsUC,
		events:    events,
		sourceBot: sourceBot,
		isAdmin:   isAdmin,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil {
		return
	}
	h.handleMessage(ctx, upd.Message)
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		h.tryHandlePercentage(ctx, msg, text)
		return
	}
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleRegister(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.handleHelp(msg.Chat.ID)
	case strings.HasPrefix(text, "/register"):
		h.handleRegister(ctx, msg)
	case strings.HasPrefix(text, "/me"):
		h.handleMe(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/who"):
		h.handleWho(ctx, msg)
	case strings.HasPrefix(text, "/leaderboard"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/leaderboard"))
		h.handleLeaderboard(ctx, msg.Chat.ID, payload)
	case strings.HasPrefix(text, "/lock_title"):
		h.handleLock(ctx, msg, true)
	case strings.HasPrefix(text, "/unlock_title"):
		h.handleLock(ctx, msg, false)
	case strings.HasPrefix(text, "/set_full_title"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/set_full_title"))
		h.handleSetFullTitle(ctx, msg, payload)
	case strings.HasPrefix(text, "/set_title"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/set_title"))
		h.handleSetTitle(ctx, msg, payload)
	case strings.HasPrefix(text, "/set_default_title"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/set_default_title"))
		h.handleSetDefaultTitle(ctx, msg, payload)
	case strings.HasPrefix(text, "/set_global_average_period"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/set_global_average_period"))
		h.handleSetAveragePeriod(ctx, msg, payload)
	case strings.HasPrefix(text, "/add_user"):
		h.handleAddUser(ctx, msg)
	case strings.HasPrefix(text, "/delete_user"):
		h.handleDeleteUser(ctx, msg)
	case strings.HasPrefix(text, "/migrate_default_title"):
		h.handleMigrate(ctx, msg)
	case strings.HasPrefix(text, "/global_average"):
		h.handleGlobalAverage(ctx, msg.Chat.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
	}
}

// tryHandlePercentage ставит событие с процентом в очередь. Обработка
// и обновление титула выполняются воркером асинхронно.
func (h *Handler) tryHandlePercentage(ctx context.Context, msg *tgbotapi.Message, text string) {
	pct, ok := ParsePercentageMessage(text)
	if !ok {
		return
	}
	target, ok := EventTarget(msg, h.sourceBot)
	if !ok {
		return
	}
	event := domain.TitleEvent{
		ID:         uuid.NewString(),
		TGUserID:   target,
		ChatID:     msg.Chat.ID,
		Percentage: pct.Int(),
		OccurredAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if err := h.events.Enqueue(ctx, event); err != nil {
		h.log.Error().Err(err).Int64("user", target).Msg("не удалось поставить событие в очередь")
		h.reply(msg.Chat.ID, "Не получилось обработать результат, попробуйте позже.")
		return
	}
	h.log.Debug().Int64("user", target).Int("percentage", pct.Int()).Msg("событие поставлено в очередь")
}

func (h *Handler) handleHelp(chatID int64) {
	lines := []string{
		"Я слежу за титулами.",
		"",
		"/register — встать на учёт",
		"/me — мой титул и статистика",
		"/who — титул пользователя (ответом на его сообщение)",
		"/leaderboard — таблица лидеров (/leaderboard desc — с конца)",
		"/global_average — средний процент по всем",
		"",
		"Результаты из @" + h.sourceBot + " засчитываются автоматически, раз в день.",
	}
	h.reply(chatID, strings.Join(lines, "\n"))
}

func (h *Handler) handleRegister(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	user, err := h.adminUC.Register(ctx, msg.From.ID, msg.From.UserName, displayName(msg.From))
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось зарегистрировать пользователя")
		h.reply(msg.Chat.ID, "Ошибка регистрации, попробуйте позже.")
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Добро пожаловать! Ваш полный титул: %q. Отправляйте результаты из @%s, и он будет открываться по буквам.", user.FullTitle, h.sourceBot))
}

func (h *Handler) handleMe(ctx context.Context, chatID, tgUserID int64) {
	st, err := h.statsUC.UserStats(ctx, tgUserID)
	if err != nil {
		h.replyError(chatID, err)
		return
	}
	h.reply(chatID, formatUserStats(st))
}

func (h *Handler) handleWho(ctx context.Context, msg *tgbotapi.Message) {
	target := replyTarget(msg)
	if target == nil {
		h.reply(msg.Chat.ID, "Ответьте командой /who на сообщение пользователя")
		return
	}
	st, err := h.statsUC.UserStats(ctx, target.ID)
	if err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, formatUserStats(st))
}

func (h *Handler) handleLeaderboard(ctx context.Context, chatID int64, payload string) {
	q := domain.LeaderboardQuery{Limit: 10}
	if payload == "desc" {
		q.Desc = true
	}
	entries, err := h.statsUC.Leaderboard(ctx, q)
	if err != nil {
		h.replyError(chatID, err)
		return
	}
	if len(entries) == 0 {
		h.reply(chatID, "Пока никто не зарегистрирован")
		return
	}
	var b strings.Builder
	b.WriteString("Таблица лидеров:\n")
	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = "@" + e.Username
		}
		fmt.Fprintf(&b, "%d. %s — %q (%d букв)\n", e.Position, name, e.Title, e.TitleLetterCount)
	}
	h.reply(chatID, b.String())
}

func (h *Handler) handleGlobalAverage(ctx context.Context, chatID int64) {
	avg, err := h.statsUC.GlobalAverage(ctx, nil)
	if err != nil {
		h.replyError(chatID, err)
		return
	}
	if avg == nil {
		h.reply(chatID, "Пока нет данных для среднего")
		return
	}
	h.reply(chatID, fmt.Sprintf("Средний процент по всем: %.1f%%", *avg))
}

func (h *Handler) handleLock(ctx context.Context, msg *tgbotapi.Message, locked bool) {
	target, ok := h.adminTarget(msg)
	if !ok {
		return
	}
	if err := h.adminUC.SetLocked(ctx, target, locked); err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	if locked {
		h.reply(msg.Chat.ID, "Титул заблокирован")
	} else {
		h.reply(msg.Chat.ID, "Титул разблокирован")
	}
}

func (h *Handler) handleSetFullTitle(ctx context.Context, msg *tgbotapi.Message, payload string) {
	target, ok := h.adminTarget(msg)
	if !ok {
		return
	}
	if payload == "" {
		h.reply(msg.Chat.ID, "Укажите новый полный титул: /set_full_title <текст>")
		return
	}
	user, err := h.adminUC.SetFullTitle(ctx, target, payload)
	if err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Полный титул обновлён, видимая часть: %q", user.Title))
}

func (h *Handler) handleSetTitle(ctx context.Context, msg *tgbotapi.Message, payload string) {
	target, ok := h.adminTarget(msg)
	if !ok {
		return
	}
	user, err := h.adminUC.SetDisplayedTitle(ctx, target, payload)
	if err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Видимый титул теперь: %q (%d букв)", user.Title, user.TitleLetterCount))
}

func (h *Handler) handleSetDefaultTitle(ctx context.Context, msg *tgbotapi.Message, payload string) {
	if !h.requireAdmin(msg) {
		return
	}
	if err := h.adminUC.SetDefaultTitle(ctx, payload); err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, "Титул по умолчанию обновлён")
}

func (h *Handler) handleSetAveragePeriod(ctx context.Context, msg *tgbotapi.Message, payload string) {
	if !h.requireAdmin(msg) {
		return
	}
	days, err := strconv.Atoi(payload)
	if err != nil {
		h.reply(msg.Chat.ID, "Укажите период в днях: /set_global_average_period <дни> (0 — за всё время)")
		return
	}
	if err := h.adminUC.SetAveragePeriodDays(ctx, days); err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Период среднего: %d дней", days))
}

func (h *Handler) handleAddUser(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(msg) {
		return
	}
	target := replyTarget(msg)
	if target == nil {
		h.reply(msg.Chat.ID, "Ответьте командой /add_user на сообщение пользователя")
		return
	}
	user, err := h.adminUC.Register(ctx, target.ID, target.UserName, displayName(target))
	if err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Пользователь добавлен, полный титул: %q", user.FullTitle))
}

func (h *Handler) handleDeleteUser(ctx context.Context, msg *tgbotapi.Message) {
	target, ok := h.adminTarget(msg)
	if !ok {
		return
	}
	if err := h.adminUC.DeleteUser(ctx, target); err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, "Пользователь и его история удалены")
}

func (h *Handler) handleMigrate(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(msg) {
		return
	}
	count, batchID, err := h.adminUC.MigrateToDefaultTitle(ctx)
	if err != nil {
		h.replyError(msg.Chat.ID, err)
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Мигрировано пользователей: %d (batch %s)", count, batchID))
}

// adminTarget проверяет права и возвращает пользователя, на сообщение
// которого ответили командой.
func (h *Handler) adminTarget(msg *tgbotapi.Message) (int64, bool) {
	if !h.requireAdmin(msg) {
		return 0, false
	}
	target := replyTarget(msg)
	if target == nil {
		h.reply(msg.Chat.ID, "Ответьте командой на сообщение пользователя")
		return 0, false
	}
	return target.ID, true
}

func (h *Handler) requireAdmin(msg *tgbotapi.Message) bool {
	if msg.From == nil || !h.isAdmin(msg.From.ID) {
		h.reply(msg.Chat.ID, "Команда доступна только администраторам")
		return false
	}
	return true
}

func (h *Handler) replyError(chatID int64, err error) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		h.reply(chatID, "Пользователь не зарегистрирован. Используйте /register")
	case errors.Is(err, domain.ErrTitleLocked):
		h.reply(chatID, "Титул заблокирован администратором")
	case errors.Is(err, domain.ErrInvalidPercentage):
		h.reply(chatID, "Процент должен быть целым числом от 0 до 100")
	case errors.Is(err, domain.ErrInvalidDefaultTitle):
		h.reply(chatID, "Некорректный титул: до 500 символов, без управляющих")
	default:
		h.log.Error().Err(err).Msg("ошибка обработки команды")
		h.reply(chatID, "Что-то пошло не так, попробуйте позже.")
	}
}

func (h *Handler) reply(chatID int64, text string) {
	for _, part := range SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func replyTarget(msg *tgbotapi.Message) *tgbotapi.User {
	if msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		return nil
	}
	return msg.ReplyToMessage.From
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.UserName
	}
	return name
}

func formatUserStats(st stats.UserStats) string {
	var b strings.Builder
	name := st.DisplayName
	if name == "" {
		name = "@" + st.Username
	}
	fmt.Fprintf(&b, "%s\n", name)
	fmt.Fprintf(&b, "Титул: %q (%d букв)\n", st.Title, st.LetterCount)
	if st.Percentage != nil {
		fmt.Fprintf(&b, "Последний результат: %d%%\n", st.Percentage.Int())
	}
	fmt.Fprintf(&b, "Место в таблице: %d\n", st.Position)
	writeTrend := func(label string, v *float64) {
		if v != nil {
			fmt.Fprintf(&b, "%s: %.1f%%\n", label, *v)
		}
	}
	writeTrend("Средний за день", st.DailyTrend)
	writeTrend("Средний за неделю", st.WeeklyTrend)
	writeTrend("Средний за месяц", st.MonthlyTrend)
	if len(st.RecentChanges) > 0 {
		b.WriteString("Последние изменения:\n")
		for _, c := range st.RecentChanges {
			if c.Percentage != nil {
				fmt.Fprintf(&b, "  %s: %q → %q (%d%%)\n", c.CreatedAt.Format("2006-01-02"), c.OldTitle, c.NewTitle, c.Percentage.Int())
			} else {
				fmt.Fprintf(&b, "  %s: %q → %q\n", c.CreatedAt.Format("2006-01-02"), c.OldTitle, c.NewTitle)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
