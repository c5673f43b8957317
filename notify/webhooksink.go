package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs a JSON payload to a configured URL — a minimal,
// dependency-free sink for chat-ops style integrations (e.g. a Slack
// incoming webhook) when no GitHub repository is configured.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink returns a sink with a bounded-timeout HTTP client.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Text string `json:"text"`
}

func (s *WebhookSink) Notify(r Report) error {
	payload := webhookPayload{Text: fmt.Sprintf("%s\n%s", r.Title(), r.Body())}
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	resp, err := s.Client.Post(s.URL, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
