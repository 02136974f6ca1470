package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Transcribe(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))

		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello from voice"})
	}))
	defer srv.Close()

	h := NewHandler(&Config{TranscribeEndpoint: srv.URL, APIKey: "sk-test"})

	text, err := h.Transcribe(context.Background(), []byte("fake-ogg"), "audio/ogg")
	require.NoError(t, err)
	assert.Equal(t, "hello from voice", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.True(t, strings.HasPrefix(gotContentType, "multipart/form-data"))
}

func TestHandler_Transcribe_Errors(t *testing.T) {
	t.Run("endpoint not configured", func(t *testing.T) {
		h := NewHandler(&Config{})
		_, err := h.Transcribe(context.Background(), []byte("x"), "audio/ogg")
		assert.Error(t, err)
	})

	t.Run("upstream failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		h := NewHandler(&Config{TranscribeEndpoint: srv.URL})
		_, err := h.Transcribe(context.Background(), []byte("x"), "audio/ogg")
		assert.ErrorContains(t, err, "status 429")
	})

	t.Run("oversized audio rejected locally", func(t *testing.T) {
		h := NewHandler(&Config{TranscribeEndpoint: "http://unused"})
		_, err := h.Transcribe(context.Background(), make([]byte, maxAudioSize+1), "audio/ogg")
		assert.ErrorContains(t, err, "too large")
	})
}

func TestHandler_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tts-1", body["model"])
		assert.Equal(t, "alloy", body["voice"])
		assert.Equal(t, "say this", body["input"])

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	h := NewHandler(&Config{SpeechEndpoint: srv.URL})

	audio, mimeType, err := h.Synthesize(context.Background(), "say this")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), audio)
	assert.Equal(t, "audio/mpeg", mimeType)
}

func TestHandler_Synthesize_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHandler(&Config{SpeechEndpoint: srv.URL})
	_, _, err := h.Synthesize(context.Background(), "text")
	assert.ErrorContains(t, err, "status 400")
}
