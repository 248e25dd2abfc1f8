package tts

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	BackendCartesia   = "cartesia"
	BackendElevenLabs = "elevenlabs"
)

// Config selects and configures a synthesis backend.
type Config struct {
	Backend  string
	APIKey   string
	VoiceID  string
	Model    string
	Endpoint string
	Language string
}

// NewStreamer builds the configured backend.
func NewStreamer(cfg Config, log *zap.Logger) (Streamer, error) {
	switch cfg.Backend {
	case BackendCartesia, "":
		return NewCartesiaStreamer(CartesiaConfig{
			APIKey:   cfg.APIKey,
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			VoiceID:  cfg.VoiceID,
			Language: cfg.Language,
		}, log), nil
	case BackendElevenLabs:
		return NewElevenLabsStreamer(ElevenLabsConfig{
			APIKey:   cfg.APIKey,
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			VoiceID:  cfg.VoiceID,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}
