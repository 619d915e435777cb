package main

import (
	"fmt"
	"os"
	"time"

	"kiln/internal/config"
	"kiln/pkg/comfy"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manual check against a live backend: confirms the configured ComfyUI
// instance answers, and dumps its queue and model list.
func main() {
	_ = godotenv.Load()

	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return
	}

	// Configure logging
	setupLogger(cfg.Logging)

	clientID := cfg.Backend.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	backend := comfy.New(cfg.Backend.BaseURL, clientID, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)
	log.Info().Str("url", cfg.Backend.BaseURL).Msg("Probing backend")

	if !backend.Health() {
		log.Error().Str("url", cfg.Backend.BaseURL).Msg("Backend did not answer health check")
		return
	}
	fmt.Println("backend: up")

	queue, err := backend.QueueStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch queue snapshot")
		return
	}
	fmt.Printf("queue: %d running, %d pending\n", len(queue.Running), len(queue.Pending))
	for _, handle := range queue.Running {
		fmt.Printf("  running %s\n", handle)
	}
	for _, handle := range queue.Pending {
		fmt.Printf("  pending %s\n", handle)
	}

	models, err := backend.AvailableModels()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list models")
		return
	}
	fmt.Printf("models: %d installed\n", len(models))
	for _, name := range models {
		fmt.Printf("  %s\n", name)
	}
}

func setupLogger(config config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}
