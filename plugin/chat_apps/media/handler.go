// Package media provides speech processing for chat apps: transcription of
// inbound voice messages and synthesis of outbound audio replies, both
// against OpenAI-compatible audio endpoints.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// maxAudioSize is the Whisper API upload limit.
const maxAudioSize = 25 * 1024 * 1024

// Handler performs speech-to-text and text-to-speech calls.
type Handler struct {
	config *Config
	client *http.Client
}

// Config holds configuration for speech processing.
type Config struct {
	// TranscribeEndpoint is the /audio/transcriptions URL.
	TranscribeEndpoint string
	// SpeechEndpoint is the /audio/speech URL. Empty disables synthesis.
	SpeechEndpoint string
	APIKey         string

	// TranscribeModel defaults to whisper-1.
	TranscribeModel string
	// SpeechModel defaults to tts-1; SpeechVoice defaults to alloy.
	SpeechModel string
	SpeechVoice string
}

// NewHandler creates a speech handler.
func NewHandler(config *Config) *Handler {
	if config.TranscribeModel == "" {
		config.TranscribeModel = "whisper-1"
	}
	if config.SpeechModel == "" {
		config.SpeechModel = "tts-1"
	}
	if config.SpeechVoice == "" {
		config.SpeechVoice = "alloy"
	}

	return &Handler{
		config: config,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		},
	}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe converts audio data to text.
func (h *Handler) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if h.config.TranscribeEndpoint == "" {
		return "", fmt.Errorf("transcription endpoint not configured")
	}
	if len(data) > maxAudioSize {
		return "", fmt.Errorf("audio file too large: %d MB (max 25 MB)", len(data)/(1024*1024))
	}

	req, err := h.createTranscribeRequest(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcription API error: status %d: %s", resp.StatusCode, string(body))
	}

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Text, nil
}

// Synthesize converts text to spoken audio. Returns the raw audio bytes
// and their MIME type.
func (h *Handler) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if h.config.SpeechEndpoint == "" {
		return nil, "", fmt.Errorf("speech endpoint not configured")
	}

	payload, err := json.Marshal(map[string]string{
		"model": h.config.SpeechModel,
		"voice": h.config.SpeechVoice,
		"input": text,
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.SpeechEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("speech API error: status %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read audio: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return audio, mimeType, nil
}

// createTranscribeRequest builds the multipart upload for the Whisper API.
func (h *Handler) createTranscribeRequest(ctx context.Context, data []byte, mimeType string) (*http.Request, error) {
	ext := ".m4a"
	switch {
	case strings.HasPrefix(mimeType, "audio/ogg"):
		ext = ".ogg"
	case strings.HasPrefix(mimeType, "audio/wav"):
		ext = ".wav"
	case strings.HasPrefix(mimeType, "audio/mp3"), strings.HasPrefix(mimeType, "audio/mpeg"):
		ext = ".mp3"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio"+ext)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}

	_ = writer.WriteField("model", h.config.TranscribeModel)
	_ = writer.WriteField("response_format", "json")

	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.TranscribeEndpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
	return req, nil
}
