package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type KeyType string

const (
	PROMPT_TEMPLATE KeyType = "realty_prompt_template"
	CALL_TRANSCRIPT KeyType = "realty_call_transcript"
)

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

var ErrKeyNotExist = redis.Nil

type RedisServiceInterface interface {
	GenerateKey(keyType KeyType, identifier string) string
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error
	DelValue(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(string)) error
	GetTranscript(ctx context.Context, callSID string) ([]TranscriptEntry, error)
	AppendTranscript(ctx context.Context, callSID string, newEntries []TranscriptEntry, ttl time.Duration) error
	ClearTranscript(ctx context.Context, callSID string) error
}

type RedisService struct {
	client *redis.Client
}

func NewRedisService(config *RedisConfig) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisService{
		client: client,
	}, nil
}

// GenerateKey generates a Redis key with the given key type and identifier
func (r *RedisService) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s:", string(keyType), identifier)
}

// GetValue gets a value from Redis by key
func (r *RedisService) GetValue(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetValue sets a value in Redis with TTL
func (r *RedisService) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// DelValue deletes a value from Redis by key
func (r *RedisService) DelValue(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Publish publishes a message to a Redis channel
func (r *RedisService) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a Redis channel and handles incoming messages
func (r *RedisService) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	pubsub := r.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return nil
}

// TranscriptEntry is one utterance of an in-progress call, kept in Redis so a
// live transcript can be read while the call is still up.
type TranscriptEntry struct {
	Role    string `json:"role"` // "caller" or "agent"
	Content string `json:"content"`
	AtMs    int64  `json:"at_ms,omitempty"`
}

// GetTranscript retrieves the live transcript for a call from Redis
func (r *RedisService) GetTranscript(ctx context.Context, callSID string) ([]TranscriptEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	key := r.GenerateKey(CALL_TRANSCRIPT, callSID)

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Key doesn't exist, return empty transcript
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	var entries []TranscriptEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}

	return entries, nil
}

// AppendTranscript appends new entries to the live transcript for a call
func (r *RedisService) AppendTranscript(ctx context.Context, callSID string, newEntries []TranscriptEntry, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	key := r.GenerateKey(CALL_TRANSCRIPT, callSID)

	existing, err := r.GetTranscript(ctx, callSID)
	if err != nil {
		return fmt.Errorf("failed to get existing transcript: %w", err)
	}

	all := append(existing, newEntries...)

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}

	return nil
}

// ClearTranscript removes the live transcript for a call from Redis
func (r *RedisService) ClearTranscript(ctx context.Context, callSID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	key := r.GenerateKey(CALL_TRANSCRIPT, callSID)
	return r.client.Del(ctx, key).Err()
}
