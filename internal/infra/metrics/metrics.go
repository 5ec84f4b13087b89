package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TitleTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "title_transitions_total",
		Help: "Принятые автоматические переходы титула по бакетам процента",
	}, []string{"bucket"})

	TitleEventsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "title_events_skipped_total",
		Help: "Отклонённые или пропущенные события титула по причинам",
	}, []string{"reason"})

	StatsCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stats_cache_hits_total",
		Help: "Попадания в кэш статистики",
	})

	StatsCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stats_cache_misses_total",
		Help: "Промахи кэша статистики",
	})

	SnapshotJobWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_job_written_total",
		Help: "Срезы, записанные фоновой задачей",
	})

	SnapshotJobErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_job_errors_total",
		Help: "Ошибки фоновой задачи срезов",
	})

	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		TitleTransitionsTotal,
		TitleEventsSkippedTotal,
		StatsCacheHitsTotal,
		StatsCacheMissesTotal,
		SnapshotJobWrittenTotal,
		SnapshotJobErrorsTotal,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncTransition увеличивает счётчик принятых переходов.
func IncTransition(bucket string) {
	TitleTransitionsTotal.WithLabelValues(bucket).Inc()
}

// IncSkipped увеличивает счётчик пропущенных событий.
func IncSkipped(reason string) {
	TitleEventsSkippedTotal.WithLabelValues(reason).Inc()
}
