// Package telegram implements the Telegram Bot channel.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/converse/plugin/chat_apps"
	"github.com/hrygo/converse/plugin/chat_apps/channels"
)

const (
	// MaxMessageLen is Telegram's per-message text limit.
	MaxMessageLen    = 4096
	DefaultParseMode = "Markdown"
)

// Config holds configuration for the Telegram channel.
type Config struct {
	BotToken string
}

// Channel implements channels.ChatChannel for the Telegram Bot API.
type Channel struct {
	bot    *tgbotapi.BotAPI
	config *Config
	client *http.Client
}

// NewChannel creates a new Telegram channel.
func NewChannel(config *Config) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return &Channel{
		bot:    bot,
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
	}, nil
}

// Name returns the platform name.
func (t *Channel) Name() chat_apps.Platform {
	return chat_apps.PlatformTelegram
}

// ParseMessage parses the incoming webhook payload into an IncomingMessage.
func (t *Channel) ParseMessage(ctx context.Context, payload []byte) (*chat_apps.IncomingMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		slog.Warn("telegram: failed to parse webhook payload", "error", err)
		return nil, channels.ErrInvalidPayload
	}

	var tgMsg *tgbotapi.Message
	switch {
	case update.Message != nil:
		tgMsg = update.Message
	case update.EditedMessage != nil:
		tgMsg = update.EditedMessage
	default:
		return nil, channels.ErrInvalidPayload
	}

	msg := &chat_apps.IncomingMessage{
		Platform:       chat_apps.PlatformTelegram,
		PlatformUserID: strconv.FormatInt(tgMsg.From.ID, 10),
		PlatformChatID: strconv.FormatInt(tgMsg.Chat.ID, 10),
		Content:        tgMsg.Text,
		Timestamp:      time.Now(),
		Metadata: map[string]string{
			"update_id":     strconv.Itoa(update.UpdateID),
			"username":      tgMsg.From.UserName,
			"language_code": tgMsg.From.LanguageCode,
		},
	}

	switch {
	case tgMsg.Voice != nil:
		msg.Type = chat_apps.MessageTypeAudio
		msg.MimeType = "audio/ogg"
		msg.Metadata["file_id"] = tgMsg.Voice.FileID

	case tgMsg.Audio != nil:
		msg.Type = chat_apps.MessageTypeAudio
		msg.MimeType = tgMsg.Audio.MimeType
		msg.Metadata["file_id"] = tgMsg.Audio.FileID

	case len(tgMsg.Photo) > 0:
		msg.Type = chat_apps.MessageTypePhoto
		msg.Content = tgMsg.Caption
		largest := tgMsg.Photo[len(tgMsg.Photo)-1]
		msg.Metadata["file_id"] = largest.FileID

	case tgMsg.Document != nil:
		msg.Type = chat_apps.MessageTypeDocument
		msg.MimeType = tgMsg.Document.MimeType
		msg.Metadata["file_id"] = tgMsg.Document.FileID

	default:
		msg.Type = chat_apps.MessageTypeText
	}

	return msg, nil
}

// SendMessage sends a message to Telegram.
func (t *Channel) SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error {
	slog.Debug("telegram: sending message",
		"chat_id", msg.PlatformChatID, "type", msg.Type)

	chatID, err := strconv.ParseInt(msg.PlatformChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	switch msg.Type {
	case chat_apps.MessageTypeAudio:
		return t.sendAudio(chatID, msg)
	default:
		return t.sendText(chatID, msg)
	}
}

// SendChunkedMessage buffers streaming chunks and sends them as messages,
// splitting at Telegram's length limit.
func (t *Channel) SendChunkedMessage(ctx context.Context, chatID string, chunks <-chan string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	var builder strings.Builder
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		builder.WriteString(chunk)
		if builder.Len() >= MaxMessageLen {
			content := builder.String()
			cut := splitIndex(content, MaxMessageLen)
			builder.Reset()
			builder.WriteString(content[cut:])
			if err := t.sendPlain(id, content[:cut]); err != nil {
				return err
			}
		}
	}

	if builder.Len() == 0 {
		return nil
	}
	return t.sendPlain(id, builder.String())
}

// DownloadMedia downloads a file from Telegram by file ID.
func (t *Channel) DownloadMedia(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", channels.ErrMediaDownloadFailed, err)
	}

	fileURL := file.Link(t.bot.Token)
	if fileURL == "" {
		return nil, "", fmt.Errorf("empty file link from Telegram")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", channels.ErrMediaDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	slog.Debug("telegram: downloaded media",
		"file_id", fileID, "size", len(data), "mime_type", mimeType)

	return data, mimeType, nil
}

// Close closes the Telegram channel.
func (t *Channel) Close() error {
	return nil
}

func (t *Channel) sendText(chatID int64, msg *chat_apps.OutgoingMessage) error {
	// Telegram rejects messages over the length limit, so long replies go
	// out as several messages.
	content := msg.Content
	for len(content) > 0 {
		cut := len(content)
		if cut > MaxMessageLen {
			cut = splitIndex(content, MaxMessageLen)
		}
		tgMsg := tgbotapi.NewMessage(chatID, content[:cut])
		if msg.ParseMode != "" {
			tgMsg.ParseMode = msg.ParseMode
		}
		if _, err := t.bot.Send(tgMsg); err != nil {
			return err
		}
		content = content[cut:]
	}
	return nil
}

// splitIndex returns the split point at or below limit that does not land
// inside a multi-byte UTF-8 rune. Telegram rejects invalid UTF-8.
func splitIndex(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		return limit
	}
	return i
}

func (t *Channel) sendPlain(chatID int64, content string) error {
	tgMsg := tgbotapi.NewMessage(chatID, content)
	tgMsg.ParseMode = DefaultParseMode
	_, err := t.bot.Send(tgMsg)
	return err
}

func (t *Channel) sendAudio(chatID int64, msg *chat_apps.OutgoingMessage) error {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{
		Name:  "reply.mp3",
		Bytes: msg.MediaData,
	})
	voice.Caption = msg.Content
	_, err := t.bot.Send(voice)
	return err
}

// Ensure Channel implements ChatChannel.
var _ channels.ChatChannel = (*Channel)(nil)
