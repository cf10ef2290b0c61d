package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"diet-notify/internal/domain"
	"diet-notify/internal/infra/metrics"
)

// WebhookSender доставляет напоминания через внешний push-провайдер.
type WebhookSender struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookSender создаёт отправителя провайдера.
func NewWebhookSender(url, token string) *WebhookSender {
	return &WebhookSender{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Target        string    `json:"target"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	RecordID      string    `json:"record_id"`
	OccurrenceUTC time.Time `json:"occurrence_utc"`
}

// Send отправляет одно напоминание.
func (s *WebhookSender) Send(ctx context.Context, job domain.DispatchJob) error {
	if job.PushTarget == "" {
		return fmt.Errorf("у пользователя %s нет push-адресата", job.UserExtID)
	}
	raw, err := json.Marshal(webhookPayload{
		Target:        job.PushTarget,
		Title:         "Diet reminder",
		Body:          job.Message,
		RecordID:      job.RecordID,
		OccurrenceUTC: job.OccurrenceUTC,
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("push_provider", "send_reminder", s.url, start, err)
	if err != nil {
		return fmt.Errorf("push provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push provider error: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

var _ domain.ReminderSender = (*WebhookSender)(nil)
