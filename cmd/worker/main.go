package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tg-title-bot/internal/adapters/repo"
	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/config"
	"tg-title-bot/internal/infra/db"
	"tg-title-bot/internal/infra/log"
	"tg-title-bot/internal/infra/metrics"
	"tg-title-bot/internal/infra/queue"
	"tg-title-bot/internal/usecase/title"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "worker")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	events, err := queue.Build(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось собрать очередь событий")
	}

	titleService := title.NewService(repoAdapter, repoAdapter, logger)

	var botAPI *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось создать бота")
		}
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.MetricsPort))

	logger.Info().Msg("worker: старт обработки событий")
	for {
		event, ack, err := events.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Msg("worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}
		processEvent(ctx, logger, titleService, botAPI, event, ack)
	}
	logger.Info().Msg("worker: остановка")
}

func processEvent(ctx context.Context, logger zerolog.Logger, svc *title.Service, botAPI *tgbotapi.BotAPI, event domain.TitleEvent, ack domain.EventAckFunc) {
	pct, err := domain.NewPercentage(event.Percentage)
	if err != nil {
		// Битое событие не станет валидным при повторе.
		logger.Warn().Int("percentage", event.Percentage).Msg("worker: событие с некорректным процентом")
		_ = ack(true)
		return
	}

	result, err := svc.ApplyPercentage(ctx, event.TGUserID, pct, event.OccurredAt)
	switch {
	case err == nil:
		if result.Outcome == title.OutcomeApplied && botAPI != nil && event.ChatID != 0 {
			announce(logger, botAPI, event.ChatID, result)
		}
		_ = ack(true)
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrTitleLocked):
		// Повторная доставка не поможет, событие выбрасываем.
		logger.Debug().Err(err).Int64("user", event.TGUserID).Msg("worker: событие пропущено")
		_ = ack(true)
	default:
		logger.Error().Err(err).Int64("user", event.TGUserID).Msg("worker: ошибка обработки, вернём событие в очередь")
		_ = ack(false)
	}
}

func announce(logger zerolog.Logger, botAPI *tgbotapi.BotAPI, chatID int64, result title.Result) {
	text := fmt.Sprintf("Титул обновлён: %q → %q", result.OldTitle, result.NewTitle)
	msg := tgbotapi.NewMessage(chatID, text)
	start := time.Now()
	_, err := botAPI.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
		logger.Error().Err(err).Msg("worker: не удалось отправить сообщение")
	}
}
