package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tg-title-bot/internal/adapters/repo"
	"tg-title-bot/internal/infra/config"
	"tg-title-bot/internal/infra/db"
	"tg-title-bot/internal/infra/log"
	"tg-title-bot/internal/infra/metrics"
	"tg-title-bot/internal/usecase/stats"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, logger)

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.MetricsPort))

	// Навёрстываем дни, пропущенные пока сервис лежал.
	if err := statsService.BackfillMissedDays(ctx, cfg.Snapshots.BackfillDays); err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка наверстывания срезов")
	}

	for {
		next := nextMidnightUTC(time.Now().UTC())
		logger.Info().Time("next_run", next).Msg("scheduler: ожидание следующего запуска")
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case <-time.After(time.Until(next)):
		}
		// Срез пишем за только что завершившийся день.
		day := next.AddDate(0, 0, -1)
		if _, err := statsService.RunDailySnapshots(ctx, day); err != nil {
			logger.Error().Err(err).Msg("scheduler: ошибка записи срезов")
		}
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}
