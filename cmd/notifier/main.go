package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"diet-notify/internal/adapters/push"
	"diet-notify/internal/adapters/repo"
	"diet-notify/internal/domain"
	"diet-notify/internal/infra/cache"
	"diet-notify/internal/infra/config"
	"diet-notify/internal/infra/db"
	applog "diet-notify/internal/infra/log"
	"diet-notify/internal/infra/metrics"
	"diet-notify/internal/infra/queue"
)

const maxDeliveryAttempts = 5

// onceTTL покрывает окно, в котором повтор той же задачи ещё может прийти
// из очереди.
const onceTTL = 24 * time.Hour

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "notifier")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var dispatchQueue domain.DispatchQueue
	switch {
	case cfg.RabbitMQURL != "":
		rabbit, err := queue.NewRabbitDispatchQueue(cfg.RabbitMQURL, cfg.Queues.Dispatch)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		dispatchQueue = rabbit
	case redisClient != nil:
		dispatchQueue = queue.NewRedisDispatchQueue(redisClient, cfg.Queues.Dispatch)
		logger.Warn().Msg("notifier: RabbitMQ не настроен, очередь доставки работает на Redis")
	default:
		logger.Fatal().Msg("notifier: не настроена очередь доставки (RABBITMQ_URL или REDIS_ADDR)")
	}

	var onceGuard domain.Cache
	if redisClient != nil {
		onceGuard = cache.NewRedis(redisClient)
	} else {
		logger.Warn().Msg("notifier: Redis не настроен, защита от двойной отправки отключена")
	}

	senders := push.NewMux()
	if cfg.Push.ProviderURL != "" {
		senders.Register(domain.ChannelPush, push.NewWebhookSender(cfg.Push.ProviderURL, cfg.Push.ProviderToken))
	}
	if cfg.Telegram.Token != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось создать бота")
		}
		senders.Register(domain.ChannelTelegram, push.NewTelegramSender(botAPI))
	}

	worker := &reminderWorker{
		log:       logger,
		queue:     dispatchQueue,
		statuses:  repoAdapter,
		sender:    senders,
		once:      onceGuard,
		analytics: repoAdapter,
	}

	logger.Info().Msg("notifier: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("notifier: остановлен")
}

type reminderWorker struct {
	log       zerolog.Logger
	queue     domain.DispatchQueue
	statuses  domain.DispatchStatusRepo
	sender    domain.ReminderSender
	once      domain.Cache
	analytics domain.BusinessMetricRepo
}

func (w *reminderWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("notifier: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("user", job.UserExtID).
			Str("record", job.RecordID).
			Str("channel", string(job.Channel)).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("notifier: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("notifier: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		delivered, attempt, err := w.statuses.EnsureDispatchJob(job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("notifier: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if delivered {
			jobLog.Info().Msg("notifier: задача уже была доставлена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("notifier: не удалось подтвердить ранее доставленную задачу")
			}
			continue
		}

		err = w.deliver(ctx, job)
		if err != nil && attempt < maxDeliveryAttempts {
			metrics.IncDeliveryError()
			jobLog.Warn().Err(err).Msg("notifier: доставка не удалась, повторим позже")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("notifier: не удалось вернуть задачу после ошибки")
			}
			continue
		}
		if err != nil {
			metrics.IncDeliveryError()
			jobLog.Error().Err(err).Msg("notifier: достигнут предел попыток, помечаем задачу как завершённую")
		} else {
			metrics.IncReminderDelivered(string(job.Channel))
			w.observeReminderDelivery(ctx, job, attempt)
		}

		if err := w.statuses.MarkDispatchJobDelivered(job.ID); err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось пометить задачу доставленной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("notifier: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось подтвердить задачу")
		}
	}
}

func (w *reminderWorker) observeReminderDelivery(ctx context.Context, job domain.DispatchJob, attempt int) {
	if w.analytics == nil {
		return
	}
	recordID := job.RecordID
	meta := map[string]any{
		"job_id":         job.ID,
		"ext_id":         job.UserExtID,
		"cause":          string(job.Cause),
		"attempt":        attempt,
		"channel":        string(job.Channel),
		"occurrence_utc": job.OccurrenceUTC,
		"requested_at":   job.RequestedAt,
		"delivered_at":   time.Now().UTC(),
	}
	metric := domain.BusinessMetric{
		Event:    domain.BusinessMetricEventReminderDelivered,
		RecordID: &recordID,
		Metadata: meta,
	}
	if err := w.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		w.log.Error().Err(err).Str("event", domain.BusinessMetricEventReminderDelivered).Msg("notifier: не удалось сохранить бизнес-метрику")
	}
}

// deliver отправляет напоминание. Ключ once закрывает пару (запись,
// срабатывание) от двойной отправки при гонке двух воркеров.
func (w *reminderWorker) deliver(ctx context.Context, job domain.DispatchJob) error {
	send := func() error { return w.sender.Send(ctx, job) }
	if w.once == nil {
		return send()
	}
	key := fmt.Sprintf("dispatch:%s:%s:%d", job.UserExtID, job.RecordID, job.OccurrenceUTC.Unix())
	return w.once.Once(key, onceTTL, send)
}
