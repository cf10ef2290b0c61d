package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	ExtractBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_build_seconds",
		Help:    "Время разбора текста рациона",
		Buckets: prometheus.DefBuckets,
	})
	ExtractRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extract_requests_total",
		Help: "Общее количество запросов на разбор текста",
	})
	ExtractRequestsByUser = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_requests_by_user_total",
		Help: "Количество запросов на разбор текста по пользователям",
	}, []string{"user_id"})
	ExtractedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extracted_records_total",
		Help: "Количество записей, собранных из текстов",
	})

	SweepTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_ticks_total",
		Help: "Количество проходов планировщика",
	})
	RemindersEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_enqueued_total",
		Help: "Количество напоминаний, поставленных в очередь доставки",
	})
	RemindersSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_skipped_total",
		Help: "Количество просроченных срабатываний, пропущенных планировщиком",
	})

	RemindersDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reminders_delivered_total",
		Help: "Количество доставленных напоминаний по каналам",
	}, []string{"channel"})
	DeliveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_errors_total",
		Help: "Ошибки доставки напоминаний",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ExtractBuildSeconds,
		ExtractRequestsTotal,
		ExtractRequestsByUser,
		ExtractedRecordsTotal,
		SweepTicksTotal,
		RemindersEnqueuedTotal,
		RemindersSkippedTotal,
		RemindersDeliveredTotal,
		DeliveryErrors,
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

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
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

// IncExtractOverall увеличивает общий счётчик запросов на разбор.
func IncExtractOverall() {
	ExtractRequestsTotal.Inc()
}

// IncExtractForUser увеличивает счётчик запросов на разбор для пользователя.
func IncExtractForUser(userID int64) {
	ExtractRequestsByUser.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}

// AddExtractedRecords увеличивает счётчик собранных записей.
func AddExtractedRecords(n int) {
	if n > 0 {
		ExtractedRecordsTotal.Add(float64(n))
	}
}

// ObserveSweep записывает итоги одного прохода планировщика.
func ObserveSweep(enqueued, skipped int) {
	SweepTicksTotal.Inc()
	if enqueued > 0 {
		RemindersEnqueuedTotal.Add(float64(enqueued))
	}
	if skipped > 0 {
		RemindersSkippedTotal.Add(float64(skipped))
	}
}

// IncReminderDelivered увеличивает счётчик доставленных напоминаний.
func IncReminderDelivered(channel string) {
	if channel == "" {
		channel = "unknown"
	}
	RemindersDeliveredTotal.WithLabelValues(channel).Inc()
}

// IncDeliveryError увеличивает счётчик ошибок доставки.
func IncDeliveryError() {
	DeliveryErrors.Inc()
}
