package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-title-bot/internal/adapters/bot"
	"tg-title-bot/internal/adapters/repo"
	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/cache"
	"tg-title-bot/internal/infra/config"
	"tg-title-bot/internal/infra/db"
	httpinfra "tg-title-bot/internal/infra/http"
	"tg-title-bot/internal/infra/log"
	"tg-title-bot/internal/infra/metrics"
	"tg-title-bot/internal/infra/queue"
	"tg-title-bot/internal/usecase/stats"
	"tg-title-bot/internal/usecase/title"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "bot-gateway")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	events, err := queue.Build(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось собрать очередь событий")
	}

	// Кэш агрегатов живёт в Redis, когда он настроен, иначе в таблице Postgres.
	var statsCache domain.StatsCacheRepo = repoAdapter
	if cfg.RedisAddr != "" {
		statsCache = cache.NewRedisStatsCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	adminService := title.NewAdminService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, logger)
	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter, statsCache, repoAdapter, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный webhook URL")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить webhook")
		}
	}

	h := bot.NewHandler(botAPI, logger, adminService, statsService, events, cfg.Telegram.SourceBot, cfg.IsAdmin)

	srv := httpinfra.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.MetricsPort))
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
