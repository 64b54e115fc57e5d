package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kolapsis/beacon/internal/store"
)

// WebhookTransport delivers notifications by POSTing them to a provider
// endpoint. Email, push and sms providers are external services; beacon speaks
// to their gateways over HTTP rather than embedding provider SDKs.
type WebhookTransport struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookTransport creates a transport for one provider endpoint. The
// secret, when set, is sent as a bearer token.
func NewWebhookTransport(url, secret string) *WebhookTransport {
	return &WebhookTransport{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// webhookPayload is the body POSTed to the provider.
type webhookPayload struct {
	ID          string `json:"id"`
	BrandID     string `json:"brandId"`
	RecipientID string `json:"recipientId"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Deliver POSTs the notification. Any non-2xx status is a failed attempt; the
// dispatcher owns retry policy.
func (t *WebhookTransport) Deliver(ctx context.Context, n store.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:          n.ID,
		BrandID:     n.BrandID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		Priority:    n.Priority,
	})
	if err != nil {
		return fmt.Errorf("serializing webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		req.Header.Set("Authorization", "Bearer "+t.secret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", t.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	return nil
}
