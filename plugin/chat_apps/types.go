// Package chat_apps provides platform-neutral message types for the chat
// gateway integration. Supported platforms: Telegram (others plug in via
// the channels.ChatChannel interface).
package chat_apps

import "time"

// MessageType represents the type of message.
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypeAudio
	MessageTypePhoto
	MessageTypeDocument
)

// String returns the string representation of MessageType.
func (m MessageType) String() string {
	switch m {
	case MessageTypeText:
		return "text"
	case MessageTypeAudio:
		return "audio"
	case MessageTypePhoto:
		return "photo"
	case MessageTypeDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Platform represents a supported chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWeb      Platform = "web"
)

// IsValid checks if the platform is valid.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTelegram, PlatformWeb:
		return true
	default:
		return false
	}
}

// IncomingMessage represents a message from a chat platform.
type IncomingMessage struct {
	Platform       Platform          // Source platform
	PlatformUserID string            // Platform-specific user ID
	PlatformChatID string            // Platform-specific chat ID
	Type           MessageType       // Message type
	Content        string            // Text content
	MediaData      []byte            // Downloaded media data (audio)
	MimeType       string            // MIME type of media
	Metadata       map[string]string // Additional platform-specific metadata
	Timestamp      time.Time         // Message timestamp
}

// OutgoingMessage represents a message to send to a chat platform.
type OutgoingMessage struct {
	PlatformChatID string      // Destination chat ID
	Type           MessageType // Message type
	Content        string      // Text content
	MediaData      []byte      // Media data for audio messages
	MimeType       string      // MIME type of media
	ParseMode      string      // Markdown/HTML parsing mode (optional)
}
