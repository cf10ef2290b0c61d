package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
	httpinfra "diet-notify/internal/infra/http"
	"diet-notify/internal/infra/metrics"
	"diet-notify/internal/usecase/lifecycle"
	"diet-notify/internal/usecase/schedule"
)

// Handler обслуживает REST API приложения. Пользователь приходит в
// заголовке X-User-ID, сервисный токен проверяет middleware выше.
type Handler struct {
	lifecycle *lifecycle.Service
	schedule  *schedule.Service
	users     domain.UserRepo
	analytics domain.BusinessMetricRepo
	log       zerolog.Logger
}

// NewHandler создаёт обработчик API.
func NewHandler(lifecycleSvc *lifecycle.Service, scheduleSvc *schedule.Service, users domain.UserRepo, analytics domain.BusinessMetricRepo, log zerolog.Logger) *Handler {
	return &Handler{
		lifecycle: lifecycleSvc,
		schedule:  scheduleSvc,
		users:     users,
		analytics: analytics,
		log:       log,
	}
}

// Routes регистрирует маршруты API.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/extract", h.extract)
	r.Get("/api/v1/notifications", h.list)
	r.Post("/api/v1/notifications", h.create)
	r.Patch("/api/v1/notifications/{id}", h.update)
	r.Delete("/api/v1/notifications/{id}", h.remove)
	r.Post("/api/v1/notifications/schedule_all", h.scheduleAll)
	r.Post("/api/v1/notifications/cancel_all", h.cancelAll)
	r.Put("/api/v1/settings/timezone", h.updateTimezone)
	r.Put("/api/v1/settings/channel", h.updateChannel)
}

type extractRequest struct {
	Text string `json:"text"`
}

type createRecordRequest struct {
	Message      string `json:"message"`
	Time         string `json:"time"`
	SelectedDays []int  `json:"selected_days"`
	Authority    string `json:"authority"`
}

type updateRecordRequest struct {
	Message      *string `json:"message"`
	Time         *string `json:"time"`
	SelectedDays []int   `json:"selected_days"`
	IsActive     *bool   `json:"is_active"`
	Authority    *string `json:"authority"`
}

type timezoneRequest struct {
	Timezone string `json:"timezone"`
}

type channelRequest struct {
	Channel    string `json:"channel"`
	ChatID     int64  `json:"chat_id"`
	PushTarget string `json:"push_target"`
}

type userResponse struct {
	ExtID      string `json:"ext_id"`
	Timezone   string `json:"timezone"`
	Channel    string `json:"channel"`
	ChatID     int64  `json:"chat_id,omitempty"`
	PushTarget string `json:"push_target,omitempty"`
	Generation int64  `json:"generation"`
}

type recordResponse struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	Time         string `json:"time"`
	SelectedDays []int  `json:"selected_days"`
	IsActive     bool   `json:"is_active"`
	Origin       string `json:"origin"`
	Authority    string `json:"authority"`
	NextLocal    string `json:"next_local,omitempty"`
	NextUTC      string `json:"next_utc,omitempty"`
}

type listResponse struct {
	User          userResponse     `json:"user"`
	Notifications []recordResponse `json:"notifications"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *Handler) extract(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}

	metrics.IncExtractOverall()
	start := time.Now()
	installed, err := h.lifecycle.ReExtract(r.Context(), extID, req.Text)
	metrics.ExtractBuildSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	metrics.AddExtractedRecords(len(installed))

	user, records, err := h.lifecycle.List(r.Context(), extID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	metrics.IncExtractForUser(user.ID)
	h.observeExtraction(r.Context(), user, len(installed))
	writeJSON(w, http.StatusOK, h.listResponse(user, records))
}

func (h *Handler) observeExtraction(ctx context.Context, user domain.User, installed int) {
	if h.analytics == nil {
		return
	}
	userID := user.ID
	metric := domain.BusinessMetric{
		Event:  domain.BusinessMetricEventExtractionCompleted,
		UserID: &userID,
		Metadata: map[string]any{
			"installed_count": installed,
			"generation":      user.Generation,
		},
	}
	if err := h.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		h.log.Error().Err(err).Str("event", domain.BusinessMetricEventExtractionCompleted).Msg("не удалось сохранить бизнес-метрику")
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	user, records, err := h.lifecycle.List(r.Context(), extID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listResponse(user, records))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	rec, err := h.lifecycle.CreateManual(r.Context(), extID, req.Message, req.Time, intsToDays(req.SelectedDays), domain.RecordAuthority(req.Authority))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.recordWithNext(extID, rec))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "id")
	defer r.Body.Close()
	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	upd := lifecycle.RecordUpdate{
		Message:  req.Message,
		Time:     req.Time,
		IsActive: req.IsActive,
	}
	if req.SelectedDays != nil {
		upd.SelectedDays = intsToDays(req.SelectedDays)
	}
	if req.Authority != nil {
		authority := domain.RecordAuthority(*req.Authority)
		upd.Authority = &authority
	}
	rec, err := h.lifecycle.UpdateRecord(r.Context(), extID, recordID, upd)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.recordWithNext(extID, rec))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	if err := h.lifecycle.Remove(r.Context(), extID, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scheduleAll(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	count, err := h.lifecycle.ScheduleAll(r.Context(), extID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *Handler) cancelAll(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	count, err := h.lifecycle.CancelAll(r.Context(), extID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *Handler) updateTimezone(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req timezoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	user, err := h.schedule.UpdateTimezone(r.Context(), extID, req.Timezone)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) updateChannel(w http.ResponseWriter, r *http.Request) {
	extID, ok := h.extractExtID(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	user, err := h.schedule.UpdateChannel(r.Context(), extID, domain.DeliveryChannel(req.Channel), req.ChatID, req.PushTarget)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) extractExtID(w http.ResponseWriter, r *http.Request) (string, bool) {
	extID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if extID == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("заголовок X-User-ID обязателен"))
		return "", false
	}
	return extID, true
}

func (h *Handler) listResponse(user domain.User, records []domain.NotificationRecord) listResponse {
	loc := h.schedule.Location(user)
	now := time.Now()
	resp := listResponse{
		User:          toUserResponse(user),
		Notifications: make([]recordResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Notifications = append(resp.Notifications, h.toRecordResponse(rec, now, loc))
	}
	return resp
}

func (h *Handler) recordWithNext(extID string, rec domain.NotificationRecord) recordResponse {
	user, err := h.users.GetByExtID(extID)
	if err != nil {
		return h.toRecordResponse(rec, time.Now(), time.UTC)
	}
	return h.toRecordResponse(rec, time.Now(), h.schedule.Location(user))
}

func (h *Handler) toRecordResponse(rec domain.NotificationRecord, now time.Time, loc *time.Location) recordResponse {
	resp := recordResponse{
		ID:           rec.ID,
		Message:      rec.Message,
		Time:         rec.Time,
		SelectedDays: daysToInts(rec.SelectedDays),
		IsActive:     rec.IsActive,
		Origin:       string(rec.Origin),
		Authority:    string(rec.Authority),
	}
	if rec.IsActive {
		occ, err := h.schedule.NextOccurrence(rec, now, loc)
		if err == nil {
			resp.NextLocal = occ.Local.Format(time.RFC3339)
			resp.NextUTC = occ.UTC.Format(time.RFC3339)
		}
	}
	return resp
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrRecordNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, lifecycle.ErrConcurrentModification), errors.Is(err, domain.ErrRecordExists):
		httpinfra.WriteError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidTime),
		errors.Is(err, domain.ErrNoDaysSelected),
		errors.Is(err, lifecycle.ErrEmptyMessage),
		errors.Is(err, lifecycle.ErrInvalidDays),
		errors.Is(err, lifecycle.ErrInvalidAuthority),
		errors.Is(err, schedule.ErrInvalidTimezone),
		errors.Is(err, schedule.ErrUnknownChannel):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
	default:
		h.log.Error().Err(err).Msg("внутренняя ошибка API")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func toUserResponse(user domain.User) userResponse {
	return userResponse{
		ExtID:      user.ExtID,
		Timezone:   user.Timezone,
		Channel:    string(user.Channel),
		ChatID:     user.ChatID,
		PushTarget: user.PushTarget,
		Generation: user.Generation,
	}
}

func daysToInts(days []domain.Weekday) []int {
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func intsToDays(vals []int) []domain.Weekday {
	out := make([]domain.Weekday, len(vals))
	for i, v := range vals {
		out[i] = domain.Weekday(v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
