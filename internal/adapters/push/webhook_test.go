package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"diet-notify/internal/domain"
)

func testJob() domain.DispatchJob {
	return domain.DispatchJob{
		ID:            "job-1",
		UserExtID:     "user-7",
		RecordID:      "rec-1",
		Message:       "1 glass jeera water",
		Channel:       domain.ChannelPush,
		PushTarget:    "device-42",
		OccurrenceUTC: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		RequestedAt:   time.Date(2026, 8, 20, 0, 0, 5, 0, time.UTC),
		Cause:         domain.DispatchCauseScheduled,
	}
}

func TestWebhookSenderPostsPayload(t *testing.T) {
	var (
		got  webhookPayload
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("не удалось разобрать тело: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "secret")
	if err := sender.Send(context.Background(), testJob()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("ожидали bearer-токен, получили %q", auth)
	}
	if got.Target != "device-42" {
		t.Fatalf("ожидали адресата device-42, получили %q", got.Target)
	}
	if got.Body != "1 glass jeera water" {
		t.Fatalf("ожидали текст напоминания, получили %q", got.Body)
	}
	if got.RecordID != "rec-1" {
		t.Fatalf("ожидали запись rec-1, получили %q", got.RecordID)
	}
}

func TestWebhookSenderRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "")
	if err := sender.Send(context.Background(), testJob()); err == nil {
		t.Fatalf("ожидали ошибку провайдера")
	}
}

func TestWebhookSenderRequiresTarget(t *testing.T) {
	sender := NewWebhookSender("http://127.0.0.1:0", "")
	job := testJob()
	job.PushTarget = ""
	if err := sender.Send(context.Background(), job); err == nil {
		t.Fatalf("ожидали ошибку про пустого адресата")
	}
}

type fakeSender struct {
	jobs []domain.DispatchJob
}

func (f *fakeSender) Send(ctx context.Context, job domain.DispatchJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func TestMuxRoutesByChannel(t *testing.T) {
	pushSender := &fakeSender{}
	tgSender := &fakeSender{}
	mux := NewMux()
	mux.Register(domain.ChannelPush, pushSender)
	mux.Register(domain.ChannelTelegram, tgSender)

	job := testJob()
	if err := mux.Send(context.Background(), job); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	tgJob := testJob()
	tgJob.Channel = domain.ChannelTelegram
	tgJob.ChatID = 4242
	if err := mux.Send(context.Background(), tgJob); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(pushSender.jobs) != 1 || len(tgSender.jobs) != 1 {
		t.Fatalf("задачи разошлись неверно: push=%d telegram=%d", len(pushSender.jobs), len(tgSender.jobs))
	}

	badJob := testJob()
	badJob.Channel = domain.DeliveryChannel("pigeon")
	if err := mux.Send(context.Background(), badJob); err == nil {
		t.Fatalf("ожидали ошибку про неизвестный канал")
	}
}
