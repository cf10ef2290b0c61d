package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"diet-notify/internal/adapters/delivery"
	"diet-notify/internal/adapters/httpapi"
	"diet-notify/internal/adapters/repo"
	"diet-notify/internal/infra/config"
	"diet-notify/internal/infra/db"
	httpinfra "diet-notify/internal/infra/http"
	applog "diet-notify/internal/infra/log"
	"diet-notify/internal/infra/metrics"
	"diet-notify/internal/usecase/extract"
	"diet-notify/internal/usecase/lifecycle"
	"diet-notify/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	scheduleSvc := schedule.NewService(repoAdapter, cfg.DefaultUserTZ, logger.With().Str("component", "schedule").Logger())
	deliveryRouter := delivery.NewRouter(
		delivery.NewServerAdapter(repoAdapter, logger.With().Str("component", "delivery_server").Logger()),
		delivery.NewDeviceAdapter(logger.With().Str("component", "delivery_device").Logger()),
	)
	lifecycleSvc := lifecycle.NewService(
		repoAdapter,
		repoAdapter,
		extract.NewService(cfg.Extract.MinActivityText),
		extract.NewBuilder(),
		scheduleSvc,
		deliveryRouter,
		logger.With().Str("component", "lifecycle").Logger(),
	)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	handler := httpapi.NewHandler(lifecycleSvc, scheduleSvc, repoAdapter, repoAdapter, logger.With().Str("component", "api").Logger())
	server.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.BearerAuthMiddleware(cfg.API.Token))
		handler.Routes(protected)
	})

	go func() {
		if err := server.Start(cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
