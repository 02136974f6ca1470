// Package channels provides the ChatChannel interface for chat platform
// integrations and a router that dispatches by platform.
package channels

import (
	"context"
	"io"
	"sync"

	"github.com/hrygo/converse/plugin/chat_apps"
)

// ChatChannel is the narrow contract a chat platform integration
// implements. Wire formats and signature schemes stay inside the
// implementation; the rest of the system sees only IncomingMessage and
// OutgoingMessage.
type ChatChannel interface {
	// Name returns the platform name (e.g. "telegram").
	Name() chat_apps.Platform

	// ParseMessage parses an incoming webhook payload.
	ParseMessage(ctx context.Context, payload []byte) (*chat_apps.IncomingMessage, error)

	// SendMessage delivers a single message to the platform.
	SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error

	// SendChunkedMessage delivers streaming content. It returns once the
	// chunks channel closes or ctx is cancelled.
	SendChunkedMessage(ctx context.Context, chatID string, chunks <-chan string) error

	// DownloadMedia fetches media referenced by a platform file ID.
	// Returns the data and its MIME type.
	DownloadMedia(ctx context.Context, fileID string) ([]byte, string, error)

	// Close releases any open connections.
	Close() error
}

// Router dispatches messages to the channel registered for a platform.
// Concurrent-safe for Register and Get.
type Router struct {
	mu       sync.RWMutex
	registry map[chat_apps.Platform]ChatChannel
}

// NewRouter creates an empty channel router.
func NewRouter() *Router {
	return &Router{registry: make(map[chat_apps.Platform]ChatChannel)}
}

// Register registers a chat channel for its platform.
func (r *Router) Register(channel ChatChannel) {
	r.mu.Lock()
	r.registry[channel.Name()] = channel
	r.mu.Unlock()
}

// Get returns the channel for a platform, or nil if not registered.
func (r *Router) Get(platform chat_apps.Platform) ChatChannel {
	r.mu.RLock()
	ch := r.registry[platform]
	r.mu.RUnlock()
	return ch
}

// Send delivers a message via the platform's channel.
func (r *Router) Send(ctx context.Context, platform chat_apps.Platform, msg *chat_apps.OutgoingMessage) error {
	channel := r.Get(platform)
	if channel == nil {
		return ErrNoChannelForPlatform
	}
	return channel.SendMessage(ctx, msg)
}

// SendChunked delivers a streaming response via the platform's channel.
func (r *Router) SendChunked(ctx context.Context, platform chat_apps.Platform, chatID string, chunks <-chan string) error {
	channel := r.Get(platform)
	if channel == nil {
		return ErrNoChannelForPlatform
	}
	return channel.SendChunkedMessage(ctx, chatID, chunks)
}

var _ io.Closer = (*Router)(nil)

// Close closes all registered channels, returning the first error.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, channel := range r.registry {
		if err := channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Errors
var (
	ErrNoChannelForPlatform = &ChannelError{Code: "NO_CHANNEL", Message: "no channel registered for platform"}
	ErrInvalidPayload       = &ChannelError{Code: "INVALID_PAYLOAD", Message: "could not parse webhook payload"}
	ErrMediaDownloadFailed  = &ChannelError{Code: "MEDIA_FAILED", Message: "failed to download media"}
)

// ChannelError represents an error in channel operations.
type ChannelError struct {
	Code    string
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
