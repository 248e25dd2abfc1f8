package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel = "realty:voice:call:cleanup"
	CallKeyPrefix  = "realty:voice:call:info"
	CallTTL        = 1 * time.Hour
)

// CallInfo represents monitoring data for an active call
type CallInfo struct {
	CallSID   string    `json:"callSid"`
	StreamSID string    `json:"streamSid"`
	PodID     string    `json:"podId"`
	LeadID    string    `json:"leadId"`
	RealtorID string    `json:"realtorId"`
	Direction string    `json:"direction"`
	StartTime time.Time `json:"startTime"`
}

// CleanupMessage is the payload for cleanup broadcast
type CleanupMessage struct {
	CallSID string `json:"callSid"`
}

type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// Register call for monitoring
func (m *Manager) Register(ctx context.Context, info CallInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, _ := json.Marshal(info)
	key := fmt.Sprintf("%s:%s", CallKeyPrefix, info.CallSID)

	err := m.redisSvc.SetValue(ctx, key, string(data), CallTTL)
	if err == nil {
		logger.Base().Info("Call registered in Redis", zap.String("call_sid", info.CallSID), zap.String("pod_id", m.podID))
	}
	return err
}

// Unregister call from monitoring
func (m *Manager) Unregister(ctx context.Context, callSID string) error {
	key := fmt.Sprintf("%s:%s", CallKeyPrefix, callSID)
	return m.redisSvc.DelValue(ctx, key)
}

// Lookup returns the monitoring record for an active call, or nil when absent.
func (m *Manager) Lookup(ctx context.Context, callSID string) (*CallInfo, error) {
	key := fmt.Sprintf("%s:%s", CallKeyPrefix, callSID)
	raw, err := m.redisSvc.GetValue(ctx, key)
	if err == redis.ErrKeyNotExist {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info CallInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NotifyCleanup broadcasts a cleanup request to all pods
func (m *Manager) NotifyCleanup(ctx context.Context, callSID string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_sid", callSID))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallSID: callSID})
}

// SubscribeToCleanup listens for cleanup broadcasts
func (m *Manager) SubscribeToCleanup(ctx context.Context, handler func(callSID string)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		handler(msg.CallSID)
	})
}
