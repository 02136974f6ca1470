// Package profile holds the process configuration resolved from flags and
// environment variables.
package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol). All providers
	// (openai, deepseek, openrouter, ollama) share the same fields.
	LLMProvider string // Provider identifier: openai, deepseek, openrouter, ollama
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has default per provider
	LLMModel    string
	LLMTimeout  int // LLM request timeout in seconds (default: 120)

	// Telegram configuration
	TelegramBotToken   string
	TelegramWebhookURL string

	// Speech configuration (OpenAI-compatible audio endpoints)
	SpeechAPIKey             string
	SpeechTranscribeEndpoint string
	SpeechSynthesisEndpoint  string

	// Persona
	AgentName   string
	PersonaPath string // YAML file relative to the data dir; empty means built-in default

	// Conversation tuning
	MaxHistoryTokens      int
	MaxMessages           int
	SessionTimeoutMinutes int
	BatchWindowSeconds    int
	MaxBatchSize          int
	CacheSize             int
	CacheTTLMinutes       int
	StreamingEnabled      bool

	// Server
	Mode    string
	Addr    string
	Port    int
	Data    string
	Version string
}

// Provider default configurations for the LLM, used when the base URL or
// model is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("CONVERSE_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("CONVERSE_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("CONVERSE_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("CONVERSE_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("CONVERSE_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.TelegramBotToken = getEnvOrDefault("CONVERSE_TELEGRAM_BOT_TOKEN", "")
	p.TelegramWebhookURL = getEnvOrDefault("CONVERSE_TELEGRAM_WEBHOOK_URL", "")

	// Speech endpoints default to the LLM provider's audio API when the
	// provider is OpenAI; otherwise they stay unset and voice is disabled.
	p.SpeechAPIKey = getEnvOrDefault("CONVERSE_SPEECH_API_KEY", "")
	p.SpeechTranscribeEndpoint = getEnvOrDefault("CONVERSE_SPEECH_TRANSCRIBE_URL", "")
	p.SpeechSynthesisEndpoint = getEnvOrDefault("CONVERSE_SPEECH_SYNTHESIS_URL", "")
	if p.LLMProvider == "openai" {
		if p.SpeechAPIKey == "" {
			p.SpeechAPIKey = p.LLMAPIKey
		}
		if p.SpeechTranscribeEndpoint == "" {
			p.SpeechTranscribeEndpoint = "https://api.openai.com/v1/audio/transcriptions"
		}
		if p.SpeechSynthesisEndpoint == "" {
			p.SpeechSynthesisEndpoint = "https://api.openai.com/v1/audio/speech"
		}
	}

	p.AgentName = getEnvOrDefault("CONVERSE_AGENT_NAME", "Converse")
	p.PersonaPath = getEnvOrDefault("CONVERSE_PERSONA_PATH", "")

	p.MaxHistoryTokens = getEnvOrDefaultInt("CONVERSE_MAX_HISTORY_TOKENS", 2000)
	p.MaxMessages = getEnvOrDefaultInt("CONVERSE_MAX_MESSAGES", 200)
	p.SessionTimeoutMinutes = getEnvOrDefaultInt("CONVERSE_SESSION_TIMEOUT_MINUTES", 30)
	p.BatchWindowSeconds = getEnvOrDefaultInt("CONVERSE_BATCH_WINDOW_SECONDS", 2)
	p.MaxBatchSize = getEnvOrDefaultInt("CONVERSE_MAX_BATCH_SIZE", 5)
	p.CacheSize = getEnvOrDefaultInt("CONVERSE_CACHE_SIZE", 100)
	p.CacheTTLMinutes = getEnvOrDefaultInt("CONVERSE_CACHE_TTL_MINUTES", 5)
	p.StreamingEnabled = getEnvOrDefault("CONVERSE_STREAMING", "false") == "true"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and checks required settings.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.LLMAPIKey == "" && p.LLMProvider != "ollama" {
		return errors.New("LLM API key is required (set CONVERSE_LLM_API_KEY)")
	}
	if p.TelegramBotToken == "" && p.Mode == "prod" {
		return errors.New("Telegram bot token is required in prod mode")
	}

	if p.MaxHistoryTokens <= 0 {
		p.MaxHistoryTokens = 2000
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = 5
	}
	if p.BatchWindowSeconds <= 0 {
		p.BatchWindowSeconds = 2
	}

	if p.Data != "" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
	}

	return nil
}
