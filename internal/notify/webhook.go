package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"duetrack/internal/domain"
)

type WebhookConfig struct {
	URL     string            `env:"WEBHOOK_URL"`
	Headers map[string]string `env:"WEBHOOK_HEADERS"`
	Timeout time.Duration     `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
}

// WebhookMessage is the JSON body posted for one owner.
type WebhookMessage struct {
	OwnerID string               `json:"owner_id"`
	Subject string               `json:"subject"`
	Text    string               `json:"text"`
	Tasks   []domain.TaskSummary `json:"tasks"`
}

// WebhookNotifier posts the digest to an HTTP endpoint, for chat or
// automation integrations that route it onwards.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: WEBHOOK_URL is required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, ownerID string, tasks []domain.TaskSummary) error {
	body, err := json.Marshal(WebhookMessage{
		OwnerID: ownerID,
		Subject: DigestSubject,
		Text:    RenderDigest(tasks),
		Tasks:   tasks,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToSend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: HTTP %d: %s", ErrFailedToSend, resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
