package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"diet-notify/internal/adapters/delivery"
	"diet-notify/internal/adapters/repo"
	"diet-notify/internal/domain"
	"diet-notify/internal/infra/config"
	"diet-notify/internal/infra/db"
	applog "diet-notify/internal/infra/log"
	"diet-notify/internal/infra/metrics"
	"diet-notify/internal/infra/queue"
	"diet-notify/internal/usecase/dispatch"
	"diet-notify/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var dispatchQueue domain.DispatchQueue
	switch {
	case cfg.RabbitMQURL != "":
		rabbit, err := queue.NewRabbitDispatchQueue(cfg.RabbitMQURL, cfg.Queues.Dispatch)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		dispatchQueue = rabbit
	case cfg.RedisAddr != "":
		dispatchQueue = queue.NewRedisDispatchQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Dispatch)
		logger.Warn().Msg("scheduler: RabbitMQ не настроен, очередь доставки работает на Redis")
	default:
		logger.Fatal().Msg("scheduler: не настроена очередь доставки (RABBITMQ_URL или REDIS_ADDR)")
	}

	scheduleSvc := schedule.NewService(repoAdapter, cfg.DefaultUserTZ, logger.With().Str("component", "schedule").Logger())
	serverLane := delivery.NewServerAdapter(repoAdapter, logger.With().Str("component", "delivery_server").Logger())
	sweeper := dispatch.NewService(repoAdapter, dispatchQueue, scheduleSvc, serverLane, cfg.Sweep.LateWindow, logger.With().Str("component", "sweep").Logger())

	c := cron.New()
	_, err = c.AddFunc(cfg.Sweep.Cron, func() {
		// Начатый проход доводится до конца даже при остановке процесса.
		enqueued, skipped, err := sweeper.Tick(context.Background())
		metrics.ObserveSweep(enqueued, skipped)
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: проход завершился ошибкой")
			return
		}
		if enqueued > 0 || skipped > 0 {
			logger.Info().Int("enqueued", enqueued).Int("skipped", skipped).Msg("scheduler: проход завершён")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Sweep.Cron).Msg("scheduler: некорректное cron-выражение")
	}

	logger.Info().Str("spec", cfg.Sweep.Cron).Msg("scheduler: запуск")
	c.Start()

	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка")
	<-c.Stop().Done()
	logger.Info().Msg("scheduler: остановлен")
}
