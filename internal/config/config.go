package config

import (
	"os"
	"strconv"
	"time"

	"github.com/openhouseai/realty-voice-service/internal/core/model/gemini"
	"github.com/openhouseai/realty-voice-service/internal/stt"
	"github.com/openhouseai/realty-voice-service/internal/tts"
	"github.com/openhouseai/realty-voice-service/internal/turn"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	Port       string
	Env        string
	PublicHost string
	PodID      string

	// Twilio configuration
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioCallerID          string
	ValidateTwilioSignature bool

	// Outbound dialing
	EnableOutbound bool
	JWTSecret      string

	// Deepgram configuration
	DeepgramAPIKey   string
	DeepgramEndpoint string
	DeepgramModel    string
	DeepgramLanguage string

	// TTS configuration
	TTSBackend  string
	TTSAPIKey   string
	TTSVoiceID  string
	TTSModel    string
	TTSEndpoint string
	TTSLanguage string

	// Gemini configuration
	GeminiAPIKey      string
	GeminiEndpoint    string
	GeminiModel       string
	GeminiTemperature float64
	GeminiMaxTokens   int

	// Turn detection tuning
	EnergyThreshold   float64
	DebounceFrames    int
	TrailingSilenceMs int
	BargeInCooldownMs int

	// Conversation policy
	Greeting          string
	GenTimeoutSeconds int
	MaxGenFailures    int

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from environment variables. The .env file is
// loaded in main.go for local development via godotenv.
func Load() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Port:       getEnv("PORT", "8080"),
		Env:        getEnv("ENV", "development"),
		PublicHost: getEnv("PUBLIC_HOST", "localhost:8080"),
		PodID:      getEnv("POD_ID", hostname),

		TwilioAccountSID:        getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioCallerID:          getEnv("TWILIO_CALLER_ID", ""),
		ValidateTwilioSignature: getEnvAsBool("VALIDATE_TWILIO_SIGNATURE", false),

		EnableOutbound: getEnvAsBool("ENABLE_OUTBOUND", false),
		JWTSecret:      getEnv("JWT_SECRET", ""),

		DeepgramAPIKey:   getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramEndpoint: getEnv("DEEPGRAM_ENDPOINT", stt.DeepgramEndpoint),
		DeepgramModel:    getEnv("DEEPGRAM_MODEL", stt.DeepgramModel),
		DeepgramLanguage: getEnv("DEEPGRAM_LANGUAGE", "en"),

		TTSBackend:  getEnv("TTS_BACKEND", tts.BackendCartesia),
		TTSAPIKey:   getEnv("TTS_API_KEY", ""),
		TTSVoiceID:  getEnv("TTS_VOICE_ID", ""),
		TTSModel:    getEnv("TTS_MODEL", ""),
		TTSEndpoint: getEnv("TTS_ENDPOINT", ""),
		TTSLanguage: getEnv("TTS_LANGUAGE", "en"),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiEndpoint:    getEnv("GEMINI_ENDPOINT", gemini.DefaultEndpoint),
		GeminiModel:       getEnv("GEMINI_MODEL", gemini.DefaultModel),
		GeminiTemperature: getEnvAsFloat("GEMINI_TEMPERATURE", 0.7),
		GeminiMaxTokens:   getEnvAsInt("GEMINI_MAX_TOKENS", 256),

		EnergyThreshold:   getEnvAsFloat("VAD_ENERGY_THRESHOLD", 0.037),
		DebounceFrames:    getEnvAsInt("VAD_DEBOUNCE_FRAMES", 3),
		TrailingSilenceMs: getEnvAsInt("VAD_TRAILING_SILENCE_MS", 1200),
		BargeInCooldownMs: getEnvAsInt("VAD_BARGE_IN_COOLDOWN_MS", 2000),

		Greeting:          getEnv("AGENT_GREETING", "Hi, thanks for calling! How can I help you with your home search today?"),
		GenTimeoutSeconds: getEnvAsInt("GENERATION_TIMEOUT_SECONDS", 8),
		MaxGenFailures:    getEnvAsInt("MAX_GENERATION_FAILURES", 3),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// DeepgramConfig builds the recognizer configuration.
func (c *Config) DeepgramConfig() stt.DeepgramConfig {
	return stt.DeepgramConfig{
		APIKey:   c.DeepgramAPIKey,
		Endpoint: c.DeepgramEndpoint,
		Model:    c.DeepgramModel,
		Language: c.DeepgramLanguage,
	}
}

// TTSConfig builds the synthesizer configuration. VoiceID may be overridden
// per realtor at call setup.
func (c *Config) TTSConfig() tts.Config {
	return tts.Config{
		Backend:  c.TTSBackend,
		APIKey:   c.TTSAPIKey,
		VoiceID:  c.TTSVoiceID,
		Model:    c.TTSModel,
		Endpoint: c.TTSEndpoint,
		Language: c.TTSLanguage,
	}
}

// GeminiConfig builds the response generator configuration.
func (c *Config) GeminiConfig() gemini.Config {
	return gemini.Config{
		APIKey:      c.GeminiAPIKey,
		Endpoint:    c.GeminiEndpoint,
		Model:       c.GeminiModel,
		Temperature: c.GeminiTemperature,
		MaxTokens:   c.GeminiMaxTokens,
	}
}

// TurnConfig builds the turn detector configuration.
func (c *Config) TurnConfig() turn.Config {
	return turn.Config{
		EnergyThreshold: c.EnergyThreshold,
		DebounceFrames:  c.DebounceFrames,
		TrailingSilence: time.Duration(c.TrailingSilenceMs) * time.Millisecond,
		BargeInCooldown: time.Duration(c.BargeInCooldownMs) * time.Millisecond,
	}
}

// RedisConfig builds the Redis service configuration.
func (c *Config) RedisConfig() redis.RedisConfig {
	return redis.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
