package config

import (
	"os"
	"strings"
)

// Config holds all runtime settings. Values come from the environment; main
// loads a .env file first via godotenv.
type Config struct {
	Port     string
	LogLevel string

	// Upstream speech service.
	UpstreamURL    string
	UpstreamAPIKey string
	UpstreamModel  string

	// Language configuration. SourceLanguage "auto" requests upstream
	// auto-detection; TargetLanguage "none" disables translation.
	SourceLanguage string
	TargetLanguage string

	// Transcript persistence.
	TranscriptFile string

	// External caption platform. Empty PublishURL disables the publisher.
	PublishURL      string
	PublishLanguage string

	// Optional Kafka export. Empty broker list disables it.
	KafkaBrokers         []string
	KafkaCaptionTopic    string
	KafkaTranscriptTopic string
}

func Load() *Config {
	return &Config{
		Port:           envOrDefault("PORT", "8080"),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		UpstreamURL:    envOrDefault("UPSTREAM_URL", "wss://stt-rt.speech.example.com/transcribe-websocket"),
		UpstreamAPIKey: os.Getenv("UPSTREAM_API_KEY"),
		UpstreamModel:  envOrDefault("UPSTREAM_MODEL", "stt-rt-preview"),

		SourceLanguage: envOrDefault("SOURCE_LANGUAGE", "auto"),
		TargetLanguage: envOrDefault("TARGET_LANGUAGE", "none"),

		TranscriptFile: envOrDefault("TRANSCRIPT_FILE", "transcript.log"),

		PublishURL:      os.Getenv("PUBLISH_URL"),
		PublishLanguage: envOrDefault("PUBLISH_LANGUAGE", "en"),

		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaCaptionTopic:    envOrDefault("KAFKA_CAPTION_TOPIC", "captions.final"),
		KafkaTranscriptTopic: envOrDefault("KAFKA_TRANSCRIPT_TOPIC", "transcript.changes"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
