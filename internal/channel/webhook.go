package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/reliability"
)

// WebhookConfig configures delivery to an HTTP gateway that speaks to the chat
// network on our behalf.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// Webhook posts each job as JSON to a gateway URL.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

type webhookMessage struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Kind        outbox.Kind       `json:"kind"`
	Payload     outbox.Payload    `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{
		url:    strings.TrimSpace(cfg.URL),
		token:  strings.TrimSpace(cfg.Token),
		client: client,
	}
}

// Send returns an error wrapped with outbox.ErrPermanent for non-retryable
// HTTP statuses.
func (w *Webhook) Send(ctx context.Context, destination string, job outbox.Job) error {
	body, err := json.Marshal(webhookMessage{
		ID:          job.ID,
		Destination: destination,
		Kind:        job.Kind,
		Payload:     job.Payload,
		Metadata:    job.Metadata,
	})
	if err != nil {
		return outbox.Permanent(fmt.Errorf("encode webhook message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return outbox.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("webhook error: %s body=%s", resp.Status, strings.TrimSpace(string(respBody)))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return err
		}
		return outbox.Permanent(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
