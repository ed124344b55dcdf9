// Package notification delivers remediation outcomes to an outbound webhook.
package notification

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// WebhookConfig holds the webhook settings.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook posts terminal remediation outcomes as JSON. Delivery failures are
// logged, never surfaced into the reconciliation path.
type Webhook struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook notifier. A nil return means no URL was
// configured and the caller should wire no notifier at all.
func NewWebhook(config WebhookConfig) *Webhook {
	if config.URL == "" {
		return nil
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// webhookPayload is the JSON body posted per outcome.
type webhookPayload struct {
	Event      string `json:"event"`
	Outcome    string `json:"outcome"`
	MediaID    string `json:"media_id"`
	MediaTitle string `json:"media_title"`
	Username   string `json:"username,omitempty"`
	FromTrack  string `json:"from_track,omitempty"`
	ToTrack    string `json:"to_track,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// NotifyOutcome posts the entry in the background.
func (w *Webhook) NotifyOutcome(entry remediate.HistoryEntry) {
	payload := webhookPayload{
		Event:      "remediation",
		Outcome:    string(entry.Outcome),
		MediaID:    entry.MediaID,
		MediaTitle: entry.MediaTitle,
		Username:   entry.Username,
		FromTrack:  entry.FromTrack,
		ToTrack:    entry.ToTrack,
		Detail:     entry.Detail,
		Timestamp:  entry.Time.UTC().Format(time.RFC3339),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
		defer cancel()

		if err := sendJSONRequest(ctx, w.client, "POST", w.config.URL, payload); err != nil {
			log.Warn().
				Err(err).
				Str("title", entry.MediaTitle).
				Str("outcome", string(entry.Outcome)).
				Msg("Failed to deliver webhook notification")
		}
	}()
}
