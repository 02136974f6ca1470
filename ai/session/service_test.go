package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/converse/ai/configloader"
	"github.com/hrygo/converse/ai/core/llm"
	"github.com/hrygo/converse/plugin/chat_apps"
	"github.com/hrygo/converse/plugin/chat_apps/channels"
	"github.com/hrygo/converse/plugin/chat_apps/media"
)

type stubLLM struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.Message) (string, *llm.CallStats, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", nil, s.err
	}
	return s.reply, &llm.CallStats{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (s *stubLLM) ChatStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan *llm.CallStats, <-chan error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	contentChan := make(chan string, 2)
	statsChan := make(chan *llm.CallStats, 1)
	errChan := make(chan error, 1)
	if s.err != nil {
		errChan <- s.err
	} else {
		contentChan <- s.reply
		statsChan <- &llm.CallStats{PromptTokens: 10, CompletionTokens: 5}
	}
	close(contentChan)
	close(statsChan)
	close(errChan)
	return contentChan, statsChan, errChan
}

func (s *stubLLM) Warmup(ctx context.Context) {}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubChannel struct {
	mu      sync.Mutex
	sent    []*chat_apps.OutgoingMessage
	chunks  []string
	sendErr error
}

func (c *stubChannel) Name() chat_apps.Platform { return chat_apps.PlatformTelegram }

func (c *stubChannel) ParseMessage(ctx context.Context, payload []byte) (*chat_apps.IncomingMessage, error) {
	return nil, nil
}

func (c *stubChannel) SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubChannel) SendChunkedMessage(ctx context.Context, chatID string, chunks <-chan string) error {
	for chunk := range chunks {
		c.mu.Lock()
		c.chunks = append(c.chunks, chunk)
		c.mu.Unlock()
	}
	return nil
}

func (c *stubChannel) DownloadMedia(ctx context.Context, fileID string) ([]byte, string, error) {
	return []byte("audio-bytes"), "audio/ogg", nil
}

func (c *stubChannel) Close() error { return nil }

func (c *stubChannel) sentMessages() []*chat_apps.OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chat_apps.OutgoingMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestService(t *testing.T, backend *stubLLM, cfg *Config) (*Service, *stubChannel) {
	t.Helper()

	channel := &stubChannel{}
	router := channels.NewRouter()
	router.Register(channel)

	if cfg == nil {
		cfg = DefaultConfig()
	}
	// Size threshold of one makes Add flush synchronously.
	cfg.MaxBatchSize = 1
	cfg.BatchWindow = time.Hour

	svc, err := NewService(cfg, Dependencies{
		LLM:     backend,
		Router:  router,
		Persona: &configloader.Persona{Name: "Testa"},
	})
	require.NoError(t, err)
	return svc, channel
}

func incoming(text string) *chat_apps.IncomingMessage {
	return &chat_apps.IncomingMessage{
		Platform:       chat_apps.PlatformTelegram,
		PlatformUserID: "u1",
		PlatformChatID: "c1",
		Type:           chat_apps.MessageTypeText,
		Content:        text,
		Timestamp:      time.Now(),
	}
}

func TestNewService_RequiresLLM(t *testing.T) {
	_, err := NewService(nil, Dependencies{Router: channels.NewRouter()})
	assert.ErrorContains(t, err, "LLM service is required")
}

func TestService_TextRoundTrip(t *testing.T) {
	backend := &stubLLM{reply: "hello there"}
	svc, channel := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming("hi"))

	sent := channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello there", sent[0].Content)
	assert.Equal(t, "c1", sent[0].PlatformChatID)

	history := svc.RecentMessages(10)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, "hello there", history[1].Content)

	status := svc.Status()
	assert.Equal(t, 1, status.ActiveConversations)
	assert.Equal(t, 2, status.TotalMessages)
	assert.Equal(t, 1, status.CacheSize)
}

func TestService_CacheHitSkipsBackend(t *testing.T) {
	backend := &stubLLM{reply: "cached answer"}
	svc, channel := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming("what time is it?"))
	svc.ProcessInbound(incoming("what time is it?"))

	assert.Equal(t, 1, backend.callCount())
	require.Len(t, channel.sentMessages(), 2)
	assert.Equal(t, "cached answer", channel.sentMessages()[1].Content)

	// Both exchanges still land in history.
	assert.Equal(t, 4, svc.Status().TotalMessages)
}

func TestService_BackendErrorSendsApology(t *testing.T) {
	backend := &stubLLM{err: errors.New("upstream down")}
	svc, channel := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming("hi"))

	sent := channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, genericApology, sent[0].Content)
	assert.Equal(t, 0, svc.Status().CacheSize)
}

func TestService_EmptyTextIgnored(t *testing.T) {
	backend := &stubLLM{reply: "unused"}
	svc, channel := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming(""))

	assert.Equal(t, 0, backend.callCount())
	assert.Empty(t, channel.sentMessages())
}

func TestService_AudioWithoutMediaHandler(t *testing.T) {
	backend := &stubLLM{reply: "unused"}
	svc, channel := newTestService(t, backend, nil)

	msg := incoming("")
	msg.Type = chat_apps.MessageTypeAudio
	msg.Metadata = map[string]string{"file_id": "f1"}
	svc.ProcessInbound(msg)

	// No media handler configured: the user gets the transcription
	// apology and the backend is never called.
	sent := channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, transcribeApology, sent[0].Content)
	assert.Equal(t, 0, backend.callCount())
}

func newVoiceService(t *testing.T, backend *stubLLM, speechStatus int) (*Service, *stubChannel) {
	t.Helper()

	transcribeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"what time is it"}`)
	}))
	t.Cleanup(transcribeSrv.Close)

	speechSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if speechStatus != http.StatusOK {
			http.Error(w, "synthesis unavailable", speechStatus)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	t.Cleanup(speechSrv.Close)

	channel := &stubChannel{}
	router := channels.NewRouter()
	router.Register(channel)

	cfg := DefaultConfig()
	cfg.MaxBatchSize = 1
	cfg.BatchWindow = time.Hour
	svc, err := NewService(cfg, Dependencies{
		LLM:    backend,
		Router: router,
		Media: media.NewHandler(&media.Config{
			TranscribeEndpoint: transcribeSrv.URL,
			SpeechEndpoint:     speechSrv.URL,
			APIKey:             "k",
		}),
		Persona: &configloader.Persona{Name: "Testa"},
	})
	require.NoError(t, err)
	return svc, channel
}

func voiceIncoming() *chat_apps.IncomingMessage {
	msg := incoming("")
	msg.Type = chat_apps.MessageTypeAudio
	msg.MediaData = []byte("voice-bytes")
	msg.MimeType = "audio/ogg"
	return msg
}

func TestService_VoiceRoundTrip(t *testing.T) {
	backend := &stubLLM{reply: "model answer"}
	svc, channel := newVoiceService(t, backend, http.StatusOK)

	svc.ProcessInbound(voiceIncoming())

	sent := channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, chat_apps.MessageTypeAudio, sent[0].Type)
	assert.Equal(t, []byte("mp3-bytes"), sent[0].MediaData)
}

func TestService_SynthesisFailurePropagates(t *testing.T) {
	backend := &stubLLM{reply: "model answer"}
	svc, channel := newVoiceService(t, backend, http.StatusInternalServerError)

	svc.ProcessInbound(voiceIncoming())

	// Synthesis errors surface through the flush error path: the user
	// gets the apology, never the reply repackaged as text.
	sent := channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, chat_apps.MessageTypeText, sent[0].Type)
	assert.Equal(t, genericApology, sent[0].Content)
}

func TestService_StreamingDelivery(t *testing.T) {
	backend := &stubLLM{reply: "streamed reply"}
	cfg := DefaultConfig()
	cfg.Streaming = true
	svc, channel := newTestService(t, backend, cfg)

	svc.ProcessInbound(incoming("hi"))

	channel.mu.Lock()
	chunks := append([]string(nil), channel.chunks...)
	channel.mu.Unlock()
	require.NotEmpty(t, chunks)
	assert.Equal(t, "streamed reply", chunks[0])

	// Full reply is stored and cached despite chunked delivery.
	history := svc.RecentMessages(10)
	require.Len(t, history, 2)
	assert.Equal(t, "streamed reply", history[1].Content)
	assert.Equal(t, 1, svc.Status().CacheSize)
}

func TestService_ClearHistory(t *testing.T) {
	backend := &stubLLM{reply: "ok"}
	svc, _ := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming("hi"))
	require.Equal(t, 2, svc.Status().TotalMessages)

	cleared := svc.ClearHistory(chat_apps.PlatformTelegram, "u1")
	assert.True(t, cleared)
	assert.Equal(t, 0, svc.Status().TotalMessages)
	assert.Equal(t, 0, svc.Status().CacheSize)

	assert.False(t, svc.ClearHistory(chat_apps.PlatformTelegram, "nobody"))
}

func TestService_ClearAll(t *testing.T) {
	backend := &stubLLM{reply: "ok"}
	svc, _ := newTestService(t, backend, nil)

	svc.ProcessInbound(incoming("hi"))
	other := incoming("hello")
	other.PlatformUserID = "u2"
	svc.ProcessInbound(other)

	assert.Equal(t, 2, svc.ClearAll())
	assert.Equal(t, 0, svc.Status().TotalMessages)
	assert.Equal(t, 0, svc.Status().CacheSize)
}

func TestService_CloseFlushesPending(t *testing.T) {
	backend := &stubLLM{reply: "late reply"}

	channel := &stubChannel{}
	router := channels.NewRouter()
	router.Register(channel)

	cfg := DefaultConfig()
	cfg.BatchWindow = time.Hour
	cfg.MaxBatchSize = 10

	svc, err := NewService(cfg, Dependencies{
		LLM:     backend,
		Router:  router,
		Persona: &configloader.Persona{Name: "Testa"},
	})
	require.NoError(t, err)
	svc.Start()

	svc.ProcessInbound(incoming("hi"))
	require.Equal(t, 1, svc.Status().PendingBatches)

	require.NoError(t, svc.Close())
	assert.Equal(t, 0, svc.Status().PendingBatches)
	require.Len(t, channel.sentMessages(), 1)
	assert.Equal(t, "late reply", channel.sentMessages()[0].Content)
}
