package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"voicegate/core"
	"voicegate/factories"
	"voicegate/gateway"
	"voicegate/session"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(".env.local"); err != nil {
		core.GetLogger().With(map[string]any{"error": err}).Warn("No .env.local file found or failed to load")
	}
	logger := core.GetLogger()

	settings := loadSettings(logger)
	keys := factories.APIKeys{
		Deepgram: getEnv("DEEPGRAM_API_KEY", ""),
		OpenAI:   getEnv("OPENAI_API_KEY", ""),
	}

	builder, err := factories.NewPipelineBuilder(settings, keys, logger)
	if err != nil {
		logger.With(map[string]any{"error": err}).Fatal("failed to build pipeline")
	}

	registry := session.NewRegistry(0, logger)
	server := gateway.NewServer(settings.Gateway, registry, builder, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.With(map[string]any{"error": err}).Fatal("gateway server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.With(map[string]any{"error": err}).Warn("shutdown did not complete cleanly")
	}
}

// loadSettings reads settings.json when present, otherwise uses defaults.
// Environment variables override the listen port and workflow URL either way.
func loadSettings(logger *core.Logger) factories.SettingsConfig {
	settingsPath := getEnv("SETTINGS_PATH", "./settings.json")
	settings, err := factories.SettingsConfigFromFile(settingsPath)
	if err != nil {
		logger.With(map[string]any{"path": settingsPath, "error": err}).Warn("failed to load settings, using defaults")
		settings = factories.DefaultSettingsConfig()
	}

	settings.Gateway.Port = getEnvAsInt("PORT", settings.Gateway.Port)
	if url := getEnv("WORKFLOW_WEBHOOK_URL", ""); url != "" {
		settings.WorkflowURL = url
	}
	if host := getEnv("PUBLIC_HOST", ""); host != "" {
		settings.Gateway.PublicHost = host
	}
	return settings
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}
