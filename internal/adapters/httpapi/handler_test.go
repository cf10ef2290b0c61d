package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"diet-notify/internal/domain"
	"diet-notify/internal/usecase/extract"
	"diet-notify/internal/usecase/lifecycle"
	"diet-notify/internal/usecase/schedule"
)

const dietText = `Thursday
5:30 AM 1 glass jeera water
Friday
6:00 AM soaked almonds`

type memStore struct {
	seq     int64
	users   map[string]domain.User
	records map[int64]map[string]domain.NotificationRecord
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]domain.User),
		records: make(map[int64]map[string]domain.NotificationRecord),
	}
}

func (m *memStore) UpsertByExtID(extID string) (domain.User, error) {
	if user, ok := m.users[extID]; ok {
		return user, nil
	}
	m.seq++
	user := domain.User{ID: m.seq, ExtID: extID, Channel: domain.ChannelPush}
	m.users[extID] = user
	m.records[user.ID] = make(map[string]domain.NotificationRecord)
	return user, nil
}

func (m *memStore) GetByExtID(extID string) (domain.User, error) {
	user, ok := m.users[extID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) GetByChatID(chatID int64) (domain.User, error) {
	for _, user := range m.users {
		if user.Channel == domain.ChannelTelegram && user.ChatID == chatID {
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (m *memStore) updateUser(userID int64, mutate func(*domain.User)) (domain.User, error) {
	for extID, user := range m.users {
		if user.ID == userID {
			mutate(&user)
			m.users[extID] = user
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (m *memStore) UpdateTimezone(userID int64, tz string) (domain.User, error) {
	return m.updateUser(userID, func(u *domain.User) { u.Timezone = tz })
}

func (m *memStore) UpdateChannel(userID int64, channel domain.DeliveryChannel, chatID int64, pushTarget string) (domain.User, error) {
	return m.updateUser(userID, func(u *domain.User) {
		u.Channel = channel
		u.ChatID = chatID
		u.PushTarget = pushTarget
	})
}

func (m *memStore) sorted(userID int64, onlyActive bool) []domain.NotificationRecord {
	var out []domain.NotificationRecord
	for _, rec := range m.records[userID] {
		if onlyActive && !rec.IsActive {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].Message < out[j].Message
	})
	return out
}

func (m *memStore) ListByUser(userID int64) ([]domain.NotificationRecord, error) {
	return m.sorted(userID, false), nil
}

func (m *memStore) ListActive(userID int64) ([]domain.NotificationRecord, error) {
	return m.sorted(userID, true), nil
}

func (m *memStore) Get(userID int64, recordID string) (domain.NotificationRecord, error) {
	rec, ok := m.records[userID][recordID]
	if !ok {
		return domain.NotificationRecord{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) Create(rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	if _, ok := m.records[rec.UserID][rec.ID]; ok {
		return domain.NotificationRecord{}, domain.ErrRecordExists
	}
	m.records[rec.UserID][rec.ID] = rec
	return rec, nil
}

func (m *memStore) Update(rec domain.NotificationRecord) (domain.NotificationRecord, error) {
	if _, ok := m.records[rec.UserID][rec.ID]; !ok {
		return domain.NotificationRecord{}, domain.ErrRecordNotFound
	}
	m.records[rec.UserID][rec.ID] = rec
	return rec, nil
}

func (m *memStore) Delete(userID int64, recordID string) error {
	if _, ok := m.records[userID][recordID]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(m.records[userID], recordID)
	return nil
}

func (m *memStore) InstallGeneration(userID int64, expectedGen int64, records []domain.NotificationRecord) ([]domain.NotificationRecord, error) {
	user, err := m.userByID(userID)
	if err != nil {
		return nil, err
	}
	if user.Generation != expectedGen {
		return nil, domain.ErrGenerationConflict
	}
	newGen := expectedGen + 1
	fresh := make(map[string]bool, len(records))
	for _, rec := range records {
		fresh[rec.ID] = true
	}
	var deactivated []domain.NotificationRecord
	for id, rec := range m.records[userID] {
		if rec.IsActive && rec.Origin.Extracted() && !fresh[id] {
			rec.IsActive = false
			m.records[userID][id] = rec
			deactivated = append(deactivated, rec)
		}
	}
	for _, rec := range records {
		rec.IsActive = true
		rec.Generation = newGen
		m.records[userID][rec.ID] = rec
	}
	if _, err := m.updateUser(userID, func(u *domain.User) { u.Generation = newGen }); err != nil {
		return nil, err
	}
	return deactivated, nil
}

func (m *memStore) userByID(userID int64) (domain.User, error) {
	for _, user := range m.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

type noopAdapter struct{}

func (noopAdapter) Schedule(rec domain.NotificationRecord, occ domain.Occurrence) error {
	return nil
}

func (noopAdapter) Cancel(userID int64, recordID string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	scheduleSvc := schedule.NewService(store, "Asia/Kolkata", zerolog.Nop())
	lifecycleSvc := lifecycle.NewService(
		store,
		store,
		extract.NewService(0),
		extract.NewBuilder(),
		scheduleSvc,
		noopAdapter{},
		zerolog.Nop(),
	)
	handler := NewHandler(lifecycleSvc, scheduleSvc, store, nil, zerolog.Nop())
	r := chi.NewRouter()
	handler.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, method, url, extID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("не удалось закодировать тело: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("не удалось создать запрос: %v", err)
	}
	if extID != "" {
		req.Header.Set("X-User-ID", extID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("запрос не прошёл: %v", err)
	}
	return resp
}

func decodeList(t *testing.T, resp *http.Response) listResponse {
	t.Helper()
	defer resp.Body.Close()
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	return out
}

func TestExtractEndpointInstallsRecords(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", resp.StatusCode)
	}
	out := decodeList(t, resp)
	if out.User.Generation != 1 {
		t.Fatalf("ожидали поколение 1, получили %d", out.User.Generation)
	}
	if len(out.Notifications) != 2 {
		t.Fatalf("ожидали две записи, получили %d", len(out.Notifications))
	}
	for _, rec := range out.Notifications {
		if !rec.IsActive {
			t.Fatalf("запись %s должна быть активной", rec.ID)
		}
		if rec.NextUTC == "" || rec.NextLocal == "" {
			t.Fatalf("у записи %s нет ближайшего срабатывания", rec.ID)
		}
	}
	first := out.Notifications[0]
	if first.Time != "05:30" || first.Message != "1 glass jeera water" {
		t.Fatalf("неожиданная первая запись: %+v", first)
	}
	if len(first.SelectedDays) != 1 || first.SelectedDays[0] != int(domain.Thursday) {
		t.Fatalf("неожиданные дни первой записи: %v", first.SelectedDays)
	}
}

func TestExtractRequiresUserHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "", extractRequest{Text: dietText})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", resp.StatusCode)
	}
}

func TestListUnknownUserReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/notifications", "ghost", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", resp.StatusCode)
	}
}

func TestCreateManualRecord(t *testing.T) {
	srv, _ := newTestServer(t)

	body := createRecordRequest{
		Message:      "evening walk",
		Time:         "19:00",
		SelectedDays: []int{int(domain.Monday), int(domain.Wednesday)},
	}
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/notifications", "user-7", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d", resp.StatusCode)
	}
	var rec recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	resp.Body.Close()
	if rec.Authority != string(domain.AuthorityDevice) {
		t.Fatalf("ручная запись без авторитета должна уходить устройству, получили %q", rec.Authority)
	}
	if rec.Origin != string(domain.OriginManual) {
		t.Fatalf("ожидали ручное происхождение, получили %q", rec.Origin)
	}

	dup := doRequest(t, http.MethodPost, srv.URL+"/api/v1/notifications", "user-7", body)
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("повтор слота должен вернуть 409, получили %d", dup.StatusCode)
	}
}

func TestCreateValidatesTime(t *testing.T) {
	srv, _ := newTestServer(t)

	body := createRecordRequest{Message: "walk", Time: "25:70", SelectedDays: []int{0}}
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/notifications", "user-7", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", resp.StatusCode)
	}
}

func TestUpdateUnknownRecordReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText}); resp.StatusCode != http.StatusOK {
		t.Fatalf("подготовка не удалась: %d", resp.StatusCode)
	}
	message := "updated"
	resp := doRequest(t, http.MethodPatch, srv.URL+"/api/v1/notifications/no-such-id", "user-7", updateRecordRequest{Message: &message})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", resp.StatusCode)
	}
}

func TestDeleteRecord(t *testing.T) {
	srv, store := newTestServer(t)

	if resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText}); resp.StatusCode != http.StatusOK {
		t.Fatalf("подготовка не удалась: %d", resp.StatusCode)
	}
	user, err := store.GetByExtID("user-7")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	records, err := store.ListActive(user.ID)
	if err != nil || len(records) == 0 {
		t.Fatalf("нет записей для удаления: %v", err)
	}

	url := fmt.Sprintf("%s/api/v1/notifications/%s", srv.URL, records[0].ID)
	resp := doRequest(t, http.MethodDelete, url, "user-7", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", resp.StatusCode)
	}
	if _, err := store.Get(user.ID, records[0].ID); err == nil {
		t.Fatalf("запись должна быть удалена")
	}
}

func TestCancelAllEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText}); resp.StatusCode != http.StatusOK {
		t.Fatalf("подготовка не удалась: %d", resp.StatusCode)
	}
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/notifications/cancel_all", "user-7", nil)
	var out countResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	resp.Body.Close()
	if out.Count != 2 {
		t.Fatalf("ожидали две снятых записи, получили %d", out.Count)
	}

	list := doRequest(t, http.MethodGet, srv.URL+"/api/v1/notifications", "user-7", nil)
	outList := decodeList(t, list)
	for _, rec := range outList.Notifications {
		if rec.IsActive {
			t.Fatalf("после cancel_all запись %s осталась активной", rec.ID)
		}
	}
}

func TestTimezoneEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText}); resp.StatusCode != http.StatusOK {
		t.Fatalf("подготовка не удалась: %d", resp.StatusCode)
	}
	resp := doRequest(t, http.MethodPut, srv.URL+"/api/v1/settings/timezone", "user-7", timezoneRequest{Timezone: "europe/amsterdam"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", resp.StatusCode)
	}
	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	resp.Body.Close()
	if user.Timezone != "Europe/Amsterdam" {
		t.Fatalf("ожидали нормализованный пояс, получили %q", user.Timezone)
	}

	bad := doRequest(t, http.MethodPut, srv.URL+"/api/v1/settings/timezone", "user-7", timezoneRequest{Timezone: "Mars/Olympus"})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", bad.StatusCode)
	}
}

func TestChannelEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/extract", "user-7", extractRequest{Text: dietText}); resp.StatusCode != http.StatusOK {
		t.Fatalf("подготовка не удалась: %d", resp.StatusCode)
	}
	resp := doRequest(t, http.MethodPut, srv.URL+"/api/v1/settings/channel", "user-7", channelRequest{Channel: "telegram", ChatID: 4242})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", resp.StatusCode)
	}
	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	resp.Body.Close()
	if user.Channel != "telegram" || user.ChatID != 4242 {
		t.Fatalf("канал не обновился: %+v", user)
	}

	bad := doRequest(t, http.MethodPut, srv.URL+"/api/v1/settings/channel", "user-7", channelRequest{Channel: "pigeon"})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", bad.StatusCode)
	}
}
