// Package telegram provides webhook registration for the Telegram bot.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// WebhookManager registers and removes the bot's webhook with Telegram.
type WebhookManager struct {
	channel *Channel
}

// NewWebhookManager creates a webhook manager for a channel.
func NewWebhookManager(channel *Channel) *WebhookManager {
	return &WebhookManager{channel: channel}
}

// SetWebhook points Telegram at webhookURL.
func (m *WebhookManager) SetWebhook(ctx context.Context, webhookURL string, dropPendingUpdates bool) error {
	parsedURL, err := url.Parse(webhookURL)
	if err != nil {
		return err
	}
	_, err = m.channel.bot.Request(tgbotapi.WebhookConfig{
		URL:                parsedURL,
		DropPendingUpdates: dropPendingUpdates,
	})
	return err
}

// DeleteWebhook removes the webhook registration.
func (m *WebhookManager) DeleteWebhook(ctx context.Context) error {
	_, err := m.channel.bot.Request(tgbotapi.DeleteWebhookConfig{
		DropPendingUpdates: true,
	})
	return err
}

// VerifyRequest checks that a request plausibly came from Telegram.
// The Bot API does not sign webhooks; method and content type are all
// there is to check before parsing.
func VerifyRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Warn("telegram webhook: invalid method", "method", r.Method, "remote_addr", r.RemoteAddr)
		return false
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		slog.Warn("telegram webhook: invalid content type", "content_type", ct, "remote_addr", r.RemoteAddr)
		return false
	}

	return true
}
