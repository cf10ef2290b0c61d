package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"diet-notify/internal/domain"
	"diet-notify/internal/infra/metrics"
)

// Postgres реализует репозитории движка на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const userColumns = "id, ext_id, tz, channel, chat_id, push_target, generation, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		user    domain.User
		channel string
	)
	err := row.Scan(&user.ID, &user.ExtID, &user.Timezone, &channel, &user.ChatID, &user.PushTarget, &user.Generation, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	user.Channel = domain.DeliveryChannel(channel)
	return user, nil
}

// UpsertByExtID регистрирует пользователя по внешнему идентификатору.
func (p *Postgres) UpsertByExtID(extID string) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		user    domain.User
		channel string
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (ext_id)
VALUES ($1)
ON CONFLICT (ext_id) DO UPDATE SET updated_at = now()
RETURNING `+userColumns+`, (xmax = 0) AS inserted
`, extID).Scan(&user.ID, &user.ExtID, &user.Timezone, &channel, &user.ChatID, &user.PushTarget, &user.Generation, &user.CreatedAt, &user.UpdatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}
	user.Channel = domain.DeliveryChannel(channel)
	if created {
		userID := user.ID
		_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventUserRegistered,
			UserID:   &userID,
			Metadata: map[string]any{"ext_id": user.ExtID},
		})
	}
	return user, nil
}

// GetByExtID возвращает пользователя по внешнему идентификатору.
func (p *Postgres) GetByExtID(extID string) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users WHERE ext_id = $1
`, extID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_ext", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// GetByChatID возвращает пользователя, привязавшего Telegram-чат.
func (p *Postgres) GetByChatID(chatID int64) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users WHERE channel = 'telegram' AND chat_id = $1
ORDER BY updated_at DESC
LIMIT 1
`, chatID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_chat", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// UpdateTimezone сохраняет часовой пояс пользователя.
func (p *Postgres) UpdateTimezone(userID int64, tz string) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
UPDATE users SET tz = $2, updated_at = now()
WHERE id = $1
RETURNING `+userColumns+`
`, userID, tz))
	metrics.ObserveNetworkRequest("postgres", "users_update_tz", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// UpdateChannel сохраняет канал доставки пользователя.
func (p *Postgres) UpdateChannel(userID int64, channel domain.DeliveryChannel, chatID int64, pushTarget string) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
UPDATE users SET channel = $2, chat_id = $3, push_target = $4, updated_at = now()
WHERE id = $1
RETURNING `+userColumns+`
`, userID, string(channel), chatID, pushTarget))
	metrics.ObserveNetworkRequest("postgres", "users_update_channel", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

const recordColumns = "user_id, id, message, time_hhmm, selected_days, is_active, origin, authority, generation, created_at, updated_at"

func scanRecord(row rowScanner) (domain.NotificationRecord, error) {
	var (
		rec       domain.NotificationRecord
		days      []int32
		origin    string
		authority string
	)
	err := row.Scan(&rec.UserID, &rec.ID, &rec.Message, &rec.Time, &days, &rec.IsActive, &origin, &authority, &rec.Generation, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	rec.SelectedDays = intsToDays(days)
	rec.Origin = domain.RecordOrigin(origin)
	rec.Authority = domain.RecordAuthority(authority)
	return rec, nil
}

func daysToInts(days []domain.Weekday) []int32 {
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}

func intsToDays(vals []int32) []domain.Weekday {
	out := make([]domain.Weekday, len(vals))
	for i, v := range vals {
		out[i] = domain.Weekday(v)
	}
	return out
}

func (p *Postgres) listRecords(operation, query string, userID int64) ([]domain.NotificationRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, userID)
	metrics.ObserveNetworkRequest("postgres", operation, "notifications", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.NotificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListByUser возвращает все записи пользователя, включая неактивные.
func (p *Postgres) ListByUser(userID int64) ([]domain.NotificationRecord, error) {
	return p.listRecords("notifications_list", `
SELECT `+recordColumns+`
FROM notifications WHERE user_id = $1
ORDER BY time_hhmm, message
`, userID)
}

// ListActive возвращает активные записи пользователя.
func (p *Postgres) ListActive(userID int64) ([]domain.NotificationRecord, error) {
	return p.listRecords("notifications_list_active", `
SELECT `+recordColumns+`
FROM notifications WHERE user_id = $1 AND is_active
ORDER BY time_hhmm, message
`, userID)
}

// Get возвращает запись пользователя по идентификатору.
func (p *Postgres) Get(userID int64, recordID string) (domain.NotificationRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
SELECT `+recordColumns+`
FROM notifications WHERE user_id = $1 AND id = $2
`, userID, recordID))
	metrics.ObserveNetworkRequest("postgres", "notifications_get", "notifications", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	return rec, nil
}

// Create сохраняет новую запись. Занятый слот возвращает ErrRecordExists.
func (p *Postgres) Create(rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	created, err := scanRecord(p.pool.QueryRow(ctx, `
INSERT INTO notifications (user_id, id, message, time_hhmm, selected_days, is_active, origin, authority, generation)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+recordColumns+`
`, rec.UserID, rec.ID, rec.Message, rec.Time, daysToInts(rec.SelectedDays), rec.IsActive, string(rec.Origin), string(rec.Authority), rec.Generation))
	metrics.ObserveNetworkRequest("postgres", "notifications_create", "notifications", start, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.NotificationRecord{}, domain.ErrRecordExists
	}
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	return created, nil
}

// Update перезаписывает изменяемые поля записи.
func (p *Postgres) Update(rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	updated, err := scanRecord(p.pool.QueryRow(ctx, `
UPDATE notifications
SET message = $3, time_hhmm = $4, selected_days = $5, is_active = $6, authority = $7, updated_at = now()
WHERE user_id = $1 AND id = $2
RETURNING `+recordColumns+`
`, rec.UserID, rec.ID, rec.Message, rec.Time, daysToInts(rec.SelectedDays), rec.IsActive, string(rec.Authority)))
	metrics.ObserveNetworkRequest("postgres", "notifications_update", "notifications", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	return updated, nil
}

// Delete удаляет запись насовсем вместе с её будильниками.
func (p *Postgres) Delete(userID int64, recordID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "notifications", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start = time.Now()
	_, err = tx.Exec(ctx, `
DELETE FROM dispatches WHERE user_id = $1 AND record_id = $2 AND fired_at IS NULL
`, userID, recordID)
	metrics.ObserveNetworkRequest("postgres", "dispatches_delete_for_record", "dispatches", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	res, err := tx.Exec(ctx, `
DELETE FROM notifications WHERE user_id = $1 AND id = $2
`, userID, recordID)
	metrics.ObserveNetworkRequest("postgres", "notifications_delete", "notifications", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "notifications", start, err)
	return err
}

// InstallGeneration атомарно устанавливает новый набор извлечённых записей.
// Поколение пользователя сверяется под блокировкой строки: проигравший
// параллельный разбор получает ErrGenerationConflict и повторяет попытку
// уже поверх свежего состояния.
func (p *Postgres) InstallGeneration(userID int64, expectedGen int64, records []domain.NotificationRecord) ([]domain.NotificationRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "notifications", start, err)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
SELECT generation FROM users WHERE id = $1 FOR UPDATE
`, userID).Scan(&current)
	metrics.ObserveNetworkRequest("postgres", "users_lock_generation", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if current != expectedGen {
		return nil, domain.ErrGenerationConflict
	}
	newGen := expectedGen + 1

	freshIDs := make([]string, 0, len(records))
	for _, rec := range records {
		freshIDs = append(freshIDs, rec.ID)
	}

	start = time.Now()
	rows, err := tx.Query(ctx, `
UPDATE notifications
SET is_active = false, updated_at = now()
WHERE user_id = $1 AND is_active
  AND origin IN ('extraction', 'extraction_undetermined')
  AND NOT (id = ANY($2))
RETURNING `+recordColumns+`
`, userID, freshIDs)
	metrics.ObserveNetworkRequest("postgres", "notifications_deactivate_stale", "notifications", start, err)
	if err != nil {
		return nil, err
	}
	var deactivated []domain.NotificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		deactivated = append(deactivated, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO notifications (user_id, id, message, time_hhmm, selected_days, is_active, origin, authority, generation)
VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8)
ON CONFLICT (user_id, id) DO UPDATE SET
  message = EXCLUDED.message,
  time_hhmm = EXCLUDED.time_hhmm,
  selected_days = EXCLUDED.selected_days,
  is_active = true,
  origin = EXCLUDED.origin,
  authority = EXCLUDED.authority,
  generation = EXCLUDED.generation,
  updated_at = now()
`, userID, rec.ID, rec.Message, rec.Time, daysToInts(rec.SelectedDays), string(rec.Origin), string(rec.Authority), newGen)
		metrics.ObserveNetworkRequest("postgres", "notifications_install", "notifications", start, err)
		if err != nil {
			return nil, err
		}
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE users SET generation = $2, updated_at = now() WHERE id = $1
`, userID, newGen)
	metrics.ObserveNetworkRequest("postgres", "users_bump_generation", "users", start, err)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "notifications", start, err)
	if err != nil {
		return nil, err
	}
	return deactivated, nil
}

// Arm взводит будильник на пару (запись, срабатывание). Повторное взведение
// той же пары молча возвращает false: доставка остаётся однократной.
func (p *Postgres) Arm(rec domain.NotificationRecord, occurrenceUTC time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO dispatches (user_id, record_id, occurrence_utc)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, record_id, occurrence_utc) DO NOTHING
`, rec.UserID, rec.ID, occurrenceUTC)
	metrics.ObserveNetworkRequest("postgres", "dispatches_arm", "dispatches", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// DisarmPending снимает невыстрелившие будильники записи.
func (p *Postgres) DisarmPending(userID int64, recordID string) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
DELETE FROM dispatches WHERE user_id = $1 AND record_id = $2 AND fired_at IS NULL
`, userID, recordID)
	metrics.ObserveNetworkRequest("postgres", "dispatches_disarm", "dispatches", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ListDue возвращает созревшие будильники активных серверных записей вместе
// с данными пользователя для сборки задач доставки.
func (p *Postgres) ListDue(now time.Time) ([]domain.DueDispatch, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT n.user_id, n.id, n.message, n.time_hhmm, n.selected_days, n.is_active, n.origin, n.authority, n.generation, n.created_at, n.updated_at,
       u.id, u.ext_id, u.tz, u.channel, u.chat_id, u.push_target, u.generation, u.created_at, u.updated_at,
       d.occurrence_utc
FROM dispatches d
JOIN notifications n ON n.user_id = d.user_id AND n.id = d.record_id
JOIN users u ON u.id = d.user_id
WHERE d.fired_at IS NULL AND d.occurrence_utc <= $1
  AND n.is_active AND n.authority = 'server'
ORDER BY d.occurrence_utc
`, now)
	metrics.ObserveNetworkRequest("postgres", "dispatches_list_due", "dispatches", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.DueDispatch
	for rows.Next() {
		var (
			item      domain.DueDispatch
			days      []int32
			origin    string
			authority string
			channel   string
		)
		err := rows.Scan(
			&item.Record.UserID, &item.Record.ID, &item.Record.Message, &item.Record.Time, &days, &item.Record.IsActive, &origin, &authority, &item.Record.Generation, &item.Record.CreatedAt, &item.Record.UpdatedAt,
			&item.User.ID, &item.User.ExtID, &item.User.Timezone, &channel, &item.User.ChatID, &item.User.PushTarget, &item.User.Generation, &item.User.CreatedAt, &item.User.UpdatedAt,
			&item.Occurrence,
		)
		if err != nil {
			return nil, err
		}
		item.Record.SelectedDays = intsToDays(days)
		item.Record.Origin = domain.RecordOrigin(origin)
		item.Record.Authority = domain.RecordAuthority(authority)
		item.User.Channel = domain.DeliveryChannel(channel)
		due = append(due, item)
	}
	return due, rows.Err()
}

// MarkFired атомарно забирает будильник: выигрывает ровно один экземпляр
// планировщика.
func (p *Postgres) MarkFired(userID int64, recordID string, occurrenceUTC, firedAt time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE dispatches SET fired_at = $4
WHERE user_id = $1 AND record_id = $2 AND occurrence_utc = $3 AND fired_at IS NULL
`, userID, recordID, occurrenceUTC, firedAt)
	metrics.ObserveNetworkRequest("postgres", "dispatches_mark_fired", "dispatches", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkSkipped помечает слишком старый будильник пропущенным.
func (p *Postgres) MarkSkipped(userID int64, recordID string, occurrenceUTC time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE dispatches SET fired_at = now(), skipped = true
WHERE user_id = $1 AND record_id = $2 AND occurrence_utc = $3 AND fired_at IS NULL
`, userID, recordID, occurrenceUTC)
	metrics.ObserveNetworkRequest("postgres", "dispatches_mark_skipped", "dispatches", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// EnsureDispatchJob регистрирует попытку обработки задачи доставки.
func (p *Postgres) EnsureDispatchJob(jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var (
		attempt   int
		delivered bool
	)
	err := p.pool.QueryRow(ctx, `
INSERT INTO dispatch_statuses (job_id, attempts)
VALUES ($1, 1)
ON CONFLICT (job_id) DO UPDATE SET attempts = dispatch_statuses.attempts + 1, updated_at = now()
RETURNING attempts, delivered_at IS NOT NULL
`, jobID).Scan(&attempt, &delivered)
	metrics.ObserveNetworkRequest("postgres", "dispatch_status_ensure", "dispatch_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return delivered, attempt, nil
}

// MarkDispatchJobDelivered помечает задачу доставленной.
func (p *Postgres) MarkDispatchJobDelivered(jobID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE dispatch_statuses SET delivered_at = now(), updated_at = now() WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "dispatch_status_delivered", "dispatch_statuses", start, err)
	return err
}

func (p *Postgres) saveBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}

	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID sql.NullInt64
	if metric.UserID != nil {
		userID = sql.NullInt64{Int64: *metric.UserID, Valid: true}
	}

	var recordID sql.NullString
	if metric.RecordID != nil {
		recordID = sql.NullString{String: *metric.RecordID, Valid: true}
	}

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, record_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, recordID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	return p.saveBusinessMetric(ctx, metric)
}
