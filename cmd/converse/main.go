package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/converse/ai/configloader"
	"github.com/hrygo/converse/ai/core/llm"
	"github.com/hrygo/converse/ai/metrics"
	"github.com/hrygo/converse/ai/session"
	"github.com/hrygo/converse/internal/profile"
	"github.com/hrygo/converse/internal/version"
	"github.com/hrygo/converse/plugin/chat_apps/channels"
	"github.com/hrygo/converse/plugin/chat_apps/channels/telegram"
	"github.com/hrygo/converse/plugin/chat_apps/media"
	"github.com/hrygo/converse/server"
)

var rootCmd = &cobra.Command{
	Use:     "converse",
	Short:   `An LLM-backed chat assistant for messaging platforms. Batches, optimizes and caches conversations to keep token usage flat.`,
	Version: version.StringFull(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, sessionService, err := buildServer(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			os.Exit(1)
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM.
		signal.Notify(c, terminationSignals...)

		sessionService.Start()
		if err := s.Start(ctx); err != nil {
			slog.Error("failed to start server", "error", err)
			cancel()
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		// Wait for CTRL-C.
		<-ctx.Done()
	},
}

// buildServer wires the LLM backend, channels and session pipeline into an
// HTTP server.
func buildServer(ctx context.Context, instanceProfile *profile.Profile) (*server.Server, *session.Service, error) {
	llmService, err := llm.NewService(&llm.Config{
		Provider: instanceProfile.LLMProvider,
		Model:    instanceProfile.LLMModel,
		APIKey:   instanceProfile.LLMAPIKey,
		BaseURL:  instanceProfile.LLMBaseURL,
		Timeout:  instanceProfile.LLMTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create LLM service: %w", err)
	}
	go llmService.Warmup(ctx)

	loader := configloader.NewLoader(instanceProfile.Data)
	persona, err := loader.LoadPersona(instanceProfile.PersonaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load persona: %w", err)
	}
	if instanceProfile.PersonaPath == "" && instanceProfile.AgentName != "" {
		persona.Name = instanceProfile.AgentName
	}

	var mediaHandler *media.Handler
	if instanceProfile.SpeechTranscribeEndpoint != "" {
		mediaHandler = media.NewHandler(&media.Config{
			TranscribeEndpoint: instanceProfile.SpeechTranscribeEndpoint,
			SpeechEndpoint:     instanceProfile.SpeechSynthesisEndpoint,
			APIKey:             instanceProfile.SpeechAPIKey,
		})
	}

	channelRouter := channels.NewRouter()
	if instanceProfile.TelegramBotToken != "" {
		tgChannel, err := telegram.NewChannel(&telegram.Config{
			BotToken: instanceProfile.TelegramBotToken,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create telegram channel: %w", err)
		}
		channelRouter.Register(tgChannel)

		if instanceProfile.TelegramWebhookURL != "" {
			manager := telegram.NewWebhookManager(tgChannel)
			if err := manager.SetWebhook(ctx, instanceProfile.TelegramWebhookURL, true); err != nil {
				slog.Warn("failed to register telegram webhook", "error", err)
			}
		}
	} else {
		slog.Warn("no telegram bot token configured, telegram channel disabled")
	}

	exporter := metrics.NewExporter(metrics.DefaultConfig())

	sessionService, err := session.NewService(&session.Config{
		MaxHistoryTokens: instanceProfile.MaxHistoryTokens,
		MaxMessages:      instanceProfile.MaxMessages,
		SessionTimeout:   time.Duration(instanceProfile.SessionTimeoutMinutes) * time.Minute,
		BatchWindow:      time.Duration(instanceProfile.BatchWindowSeconds) * time.Second,
		MaxBatchSize:     instanceProfile.MaxBatchSize,
		CacheSize:        instanceProfile.CacheSize,
		CacheTTL:         time.Duration(instanceProfile.CacheTTLMinutes) * time.Minute,
		SweepInterval:    time.Minute,
		Streaming:        instanceProfile.StreamingEnabled,
	}, session.Dependencies{
		LLM:     llmService,
		Router:  channelRouter,
		Media:   mediaHandler,
		Metrics: exporter,
		Persona: persona,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create session service: %w", err)
	}

	s, err := server.NewServer(ctx, instanceProfile, sessionService, channelRouter, exporter)
	if err != nil {
		return nil, nil, err
	}
	return s, sessionService, nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")

	for _, flag := range []string{"mode", "addr", "port", "data"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("converse")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Converse %s started successfully!\n", profile.Version)

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("LLM provider: %s (%s)\n", profile.LLMProvider, profile.LLMModel)

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
