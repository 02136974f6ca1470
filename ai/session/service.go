// Package session mediates between chat channels and the LLM backend. It
// owns the per-user pipeline: batching, history optimization, prompt
// compression, response caching and reply delivery.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/converse/ai/cache"
	"github.com/hrygo/converse/ai/configloader"
	"github.com/hrygo/converse/ai/conversation"
	"github.com/hrygo/converse/ai/core/llm"
	"github.com/hrygo/converse/ai/metrics"
	"github.com/hrygo/converse/plugin/chat_apps"
	"github.com/hrygo/converse/plugin/chat_apps/batcher"
	"github.com/hrygo/converse/plugin/chat_apps/channels"
	"github.com/hrygo/converse/plugin/chat_apps/media"
	"github.com/hrygo/converse/plugin/markdown"
)

const (
	transcribeApology = "Sorry, I couldn't make out that audio message. Could you type it instead?"
	genericApology    = "Sorry, something went wrong while processing your message. Please try again."

	summarizeInstruction = "Summarize the following conversation in a few sentences. " +
		"Keep names, decisions and open questions. Reply with the summary only."

	flushTimeout = 3 * time.Minute
)

// Config holds session service configuration.
type Config struct {
	MaxHistoryTokens int
	MaxMessages      int
	SessionTimeout   time.Duration
	BatchWindow      time.Duration
	MaxBatchSize     int
	CacheSize        int
	CacheTTL         time.Duration
	SweepInterval    time.Duration
	Streaming        bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxHistoryTokens: 2000,
		MaxMessages:      200,
		SessionTimeout:   30 * time.Minute,
		BatchWindow:      2 * time.Second,
		MaxBatchSize:     5,
		CacheSize:        100,
		CacheTTL:         5 * time.Minute,
		SweepInterval:    time.Minute,
	}
}

// Dependencies are the external collaborators of the session service.
type Dependencies struct {
	LLM     llm.Service
	Router  *channels.Router
	Media   *media.Handler
	Metrics *metrics.Exporter
	Persona *configloader.Persona
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	ActiveConversations int `json:"active_conversations"`
	TotalMessages       int `json:"total_messages"`
	CacheSize           int `json:"cache_size"`
	PendingBatches      int `json:"pending_batches"`
}

// Service is the chat session mediator.
type Service struct {
	cfg  *Config
	deps Dependencies

	store      *conversation.Store
	optimizer  *conversation.Optimizer
	compressor *conversation.PromptCompressor
	cache      *cache.ResponseCache
	batcher    *batcher.Batcher

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService wires the session pipeline.
func NewService(cfg *Config, deps Dependencies) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("session: LLM service is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("session: channel router is required")
	}
	if deps.Persona == nil {
		deps.Persona = configloader.DefaultPersona()
	}

	s := &Service{
		cfg:  cfg,
		deps: deps,
		store: conversation.NewStore(conversation.StoreConfig{
			MaxMessages:    cfg.MaxMessages,
			SessionTimeout: cfg.SessionTimeout,
		}),
		optimizer:  conversation.NewOptimizer(cfg.MaxHistoryTokens),
		compressor: conversation.NewPromptCompressor(),
		cache:      cache.NewResponseCache(cfg.CacheSize, cfg.CacheTTL),
		done:       make(chan struct{}),
	}
	batcherCfg := batcher.Config{
		Window:       cfg.BatchWindow,
		MaxBatchSize: cfg.MaxBatchSize,
	}
	if deps.Metrics != nil {
		batcherCfg.OnFlush = deps.Metrics.ObserveBatchFlush
	}
	s.batcher = batcher.New(batcherCfg, s.handleFlush)

	return s, nil
}

// Start launches the housekeeping goroutine. It returns immediately.
func (s *Service) Start() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				expired := s.cache.Sweep()
				pruned := s.store.Sweep()
				if expired > 0 || pruned > 0 {
					slog.Debug("session: housekeeping",
						"cache_expired", expired, "messages_pruned", pruned)
				}
				if s.deps.Metrics != nil {
					s.deps.Metrics.SetActiveConversations(s.store.ActiveConversations())
				}
			}
		}
	}()
}

// Close flushes pending batches and stops housekeeping.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		s.batcher.FlushAll()
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// ProcessInbound enqueues an incoming message for batched processing.
// Processing happens asynchronously when the user's batch flushes.
func (s *Service) ProcessInbound(msg *chat_apps.IncomingMessage) {
	if msg == nil {
		return
	}
	s.batcher.Add(batchKey(msg), msg)
}

// Status reports current service counters.
func (s *Service) Status() Status {
	return Status{
		ActiveConversations: s.store.ActiveConversations(),
		TotalMessages:       s.store.TotalMessages(),
		CacheSize:           s.cache.Size(),
		PendingBatches:      s.batcher.Pending(),
	}
}

// RecentMessages returns the most recent messages across all conversations.
func (s *Service) RecentMessages(limit int) []conversation.Message {
	return s.store.Recent(limit)
}

// ClearHistory clears one user's conversation, pending batch and cached
// responses. Returns true if any history existed.
func (s *Service) ClearHistory(platform chat_apps.Platform, userID string) bool {
	key := conversationKey(platform, userID)
	s.batcher.Clear(key)
	s.cache.InvalidateUser(key)
	return s.store.Clear(key)
}

// ClearAll clears every conversation and the response cache. Returns the
// number of conversations cleared.
func (s *Service) ClearAll() int {
	s.cache.Clear()
	return s.store.ClearAll()
}

func batchKey(msg *chat_apps.IncomingMessage) string {
	return conversationKey(msg.Platform, msg.PlatformUserID)
}

func conversationKey(platform chat_apps.Platform, userID string) string {
	return string(platform) + ":" + userID
}

// handleFlush runs the full pipeline for a merged batch. It is invoked by
// the batcher outside its lock; errors are logged and reported back so the
// batcher can count them, while the user always gets some reply.
func (s *Service) handleFlush(key string, merged *chat_apps.IncomingMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	err := s.processBatch(ctx, key, merged)

	status := "ok"
	if err != nil {
		status = "error"
		s.sendText(ctx, merged, genericApology)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveChat(string(merged.Platform), status, time.Since(start))
	}
	return err
}

func (s *Service) processBatch(ctx context.Context, key string, merged *chat_apps.IncomingMessage) error {
	text, ok := s.extractText(ctx, merged)
	if !ok {
		// Already answered with the transcription apology.
		return nil
	}
	if text == "" {
		slog.Warn("session: dropping batch with no usable text",
			"user", key, "type", merged.Type.String())
		return nil
	}

	fingerprint := cache.Fingerprint(key, text)
	if cached, hit := s.cache.Get(fingerprint); hit {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheHit()
		}
		slog.Debug("session: cache hit", "user", key)
		s.store.Append(key, conversation.UserMessage(text))
		s.store.Append(key, conversation.AssistantMessage(cached.Text))
		return s.deliver(ctx, merged, cached.Text)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheMiss()
	}

	s.store.Append(key, conversation.UserMessage(text))

	prompt := s.buildPrompt(ctx, key)

	var (
		reply string
		stats *llm.CallStats
		err   error
	)
	if s.cfg.Streaming && merged.Type != chat_apps.MessageTypeAudio {
		reply, stats, err = s.chatStreaming(ctx, merged, prompt)
	} else {
		reply, stats, err = s.deps.LLM.Chat(ctx, prompt)
	}
	if err != nil {
		return fmt.Errorf("llm chat: %w", err)
	}
	if stats != nil && s.deps.Metrics != nil {
		s.deps.Metrics.AddTokens(stats.PromptTokens, stats.CompletionTokens)
	}

	s.store.Append(key, conversation.AssistantMessage(reply))
	s.cache.Put(fingerprint, cache.Response{Text: reply})

	if !s.cfg.Streaming || merged.Type == chat_apps.MessageTypeAudio {
		return s.deliver(ctx, merged, reply)
	}
	return nil
}

// chatStreaming streams the completion to the channel while accumulating
// the full reply for the store and cache.
func (s *Service) chatStreaming(ctx context.Context, in *chat_apps.IncomingMessage, prompt []llm.Message) (string, *llm.CallStats, error) {
	contentChan, statsChan, errChan := s.deps.LLM.ChatStream(ctx, prompt)

	relay := make(chan string, 10)
	var full strings.Builder

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- s.deps.Router.SendChunked(ctx, in.Platform, in.PlatformChatID, relay)
	}()

	// Keep accumulating the full reply even if delivery aborts midway,
	// so the store and cache still see the complete text.
	delivering := true
	for chunk := range contentChan {
		full.WriteString(chunk)
		if !delivering {
			continue
		}
		select {
		case relay <- chunk:
		case err := <-sendDone:
			delivering = false
			slog.Warn("session: streaming delivery aborted",
				"user", in.PlatformUserID, "error", err)
		}
	}
	close(relay)

	if delivering {
		if err := <-sendDone; err != nil {
			slog.Warn("session: streaming delivery failed",
				"user", in.PlatformUserID, "error", err)
		}
	}

	if err := <-errChan; err != nil {
		return "", nil, err
	}
	return full.String(), <-statsChan, nil
}

// buildPrompt assembles the LLM request: compressed persona prompt plus
// the deduplicated, summarized and budget-trimmed history.
func (s *Service) buildPrompt(ctx context.Context, key string) []llm.Message {
	history := s.optimizer.Deduplicate(s.store.History(key))

	summarized, source := s.optimizer.Summarize(ctx, history, s.summarizeFn)
	if source == conversation.SourceSummarized {
		s.store.Replace(key, summarized)
		slog.Info("session: history summarized",
			"user", key, "before", len(history), "after", len(summarized))
	}
	optimized := s.optimizer.Optimize(summarized, s.cfg.MaxHistoryTokens)

	persona := s.deps.Persona
	compressed := s.compressor.Compress(persona.Prompt, persona.Name)

	prompt := make([]llm.Message, 0, len(optimized)+1)
	prompt = append(prompt, llm.SystemPrompt(compressed.Compressed))
	for _, m := range optimized {
		prompt = append(prompt, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return prompt
}

func (s *Service) summarizeFn(ctx context.Context, transcript string) (string, error) {
	summary, _, err := s.deps.LLM.Chat(ctx, []llm.Message{
		llm.SystemPrompt(summarizeInstruction),
		llm.UserMessage(transcript),
	})
	return summary, err
}

// extractText turns the merged message into plain text. Audio messages are
// downloaded and transcribed; on failure the user gets a fixed apology and
// the batch is dropped without reaching the LLM.
func (s *Service) extractText(ctx context.Context, msg *chat_apps.IncomingMessage) (string, bool) {
	if msg.Type != chat_apps.MessageTypeAudio {
		return msg.Content, true
	}

	text, err := s.transcribe(ctx, msg)
	if err != nil {
		slog.Warn("session: transcription failed",
			"user", msg.PlatformUserID, "error", err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveMedia("transcribe", "error")
		}
		s.sendText(ctx, msg, transcribeApology)
		return "", false
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveMedia("transcribe", "ok")
	}
	return text, true
}

func (s *Service) transcribe(ctx context.Context, msg *chat_apps.IncomingMessage) (string, error) {
	if s.deps.Media == nil {
		return "", fmt.Errorf("media handler not configured")
	}

	data := msg.MediaData
	mimeType := msg.MimeType
	if len(data) == 0 {
		fileID := msg.Metadata["file_id"]
		if fileID == "" {
			return "", fmt.Errorf("audio message without file reference")
		}
		channel := s.deps.Router.Get(msg.Platform)
		if channel == nil {
			return "", channels.ErrNoChannelForPlatform
		}
		var err error
		data, mimeType, err = channel.DownloadMedia(ctx, fileID)
		if err != nil {
			return "", err
		}
	}

	return s.deps.Media.Transcribe(ctx, data, mimeType)
}

// deliver sends the reply back over the originating channel. Voice
// questions get voice answers; a synthesis failure propagates so the
// caller's apology path handles it. Send failures are logged, not retried.
func (s *Service) deliver(ctx context.Context, in *chat_apps.IncomingMessage, reply string) error {
	if in.Type == chat_apps.MessageTypeAudio && s.deps.Media != nil {
		plain := markdown.ToPlainText(reply)
		audio, mimeType, err := s.deps.Media.Synthesize(ctx, plain)
		if err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.ObserveMedia("synthesize", "error")
			}
			return fmt.Errorf("speech synthesis: %w", err)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveMedia("synthesize", "ok")
		}

		out := &chat_apps.OutgoingMessage{
			PlatformChatID: in.PlatformChatID,
			Type:           chat_apps.MessageTypeAudio,
			MediaData:      audio,
			MimeType:       mimeType,
		}
		if err := s.deps.Router.Send(ctx, in.Platform, out); err != nil {
			slog.Error("session: voice delivery failed",
				"user", in.PlatformUserID, "chat", in.PlatformChatID, "error", err)
		}
		return nil
	}

	s.sendText(ctx, in, reply)
	return nil
}

func (s *Service) sendText(ctx context.Context, in *chat_apps.IncomingMessage, content string) {
	out := &chat_apps.OutgoingMessage{
		PlatformChatID: in.PlatformChatID,
		Type:           chat_apps.MessageTypeText,
		Content:        content,
		ParseMode:      "Markdown",
	}
	if err := s.deps.Router.Send(ctx, in.Platform, out); err != nil {
		slog.Error("session: reply delivery failed",
			"user", in.PlatformUserID, "chat", in.PlatformChatID, "error", err)
	}
}
