package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-title-bot/internal/adapters/repo"
	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/cache"
	"tg-title-bot/internal/infra/config"
	"tg-title-bot/internal/infra/db"
	httpinfra "tg-title-bot/internal/infra/http"
	"tg-title-bot/internal/infra/log"
	"tg-title-bot/internal/infra/metrics"
	"tg-title-bot/internal/usecase/stats"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	// Кэш агрегатов живёт в Redis, когда он настроен, иначе в таблице Postgres.
	var statsCache domain.StatsCacheRepo = repoAdapter
	if cfg.RedisAddr != "" {
		statsCache = cache.NewRedisStatsCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter, statsCache, repoAdapter, logger)

	srv := httpinfra.NewServer(logger)

	srv.Router.Get("/api/v1/stats/global-average", func(w http.ResponseWriter, r *http.Request) {
		var periodDays *int
		if raw := r.URL.Query().Get("period_days"); raw != "" {
			days, err := strconv.Atoi(raw)
			if err != nil || days < 0 {
				writeError(w, http.StatusBadRequest, "period_days must be a non-negative integer")
				return
			}
			periodDays = &days
		}
		avg, err := statsService.GlobalAverage(r.Context(), periodDays)
		if err != nil {
			logger.Error().Err(err).Msg("api: ошибка расчёта среднего")
			writeError(w, http.StatusInternalServerError, "failed to compute average")
			return
		}
		writeJSON(w, map[string]any{"average_percentage": avg})
	})

	srv.Router.Get("/api/v1/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		q := domain.LeaderboardQuery{Limit: 10}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 || limit > 100 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
				return
			}
			q.Limit = limit
		}
		if raw := r.URL.Query().Get("offset"); raw != "" {
			offset, err := strconv.Atoi(raw)
			if err != nil || offset < 0 {
				writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
				return
			}
			q.Offset = offset
		}
		q.Desc = r.URL.Query().Get("order") == "desc"
		entries, err := statsService.Leaderboard(r.Context(), q)
		if err != nil {
			logger.Error().Err(err).Msg("api: ошибка выборки таблицы лидеров")
			writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
			return
		}
		items := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			items = append(items, map[string]any{
				"position":     e.Position,
				"tg_user_id":   e.TGUserID,
				"username":     e.Username,
				"display_name": e.DisplayName,
				"title":        string(e.Title),
				"letter_count": e.TitleLetterCount,
			})
		}
		writeJSON(w, map[string]any{"leaderboard": items})
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.MetricsPort))
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
