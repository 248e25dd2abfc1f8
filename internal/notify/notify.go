// Package notify delivers call-summary notifications to realtors.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
)

// CallSummary is the notification body realtors receive after a call.
type CallSummary struct {
	CallSID         string    `json:"call_sid"`
	LeadName        string    `json:"lead_name"`
	LeadPhone       string    `json:"lead_phone"`
	Direction       string    `json:"direction"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Summary         string    `json:"summary"`
}

// Notifier posts call summaries to a realtor's webhook.
type Notifier struct {
	http *http.Client
	log  *zap.Logger
}

func NewNotifier() *Notifier {
	return &Notifier{
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger.Base().With(zap.String("component", "notify")),
	}
}

// CallEnded notifies the realtor about a finished call. A realtor without a
// webhook configured gets nothing, silently.
func (n *Notifier) CallEnded(ctx context.Context, realtor *domain.Realtor, lead *domain.Lead, call *domain.CallRecord) error {
	if realtor == nil || realtor.NotifyWebhook == "" {
		return nil
	}

	summary := CallSummary{
		CallSID:         call.CallSID,
		Direction:       string(call.Direction),
		Status:          string(call.Status),
		StartedAt:       call.StartedAt,
		DurationSeconds: call.DurationSeconds,
		Summary:         call.Summary,
	}
	if lead != nil {
		summary.LeadName = lead.Name
		summary.LeadPhone = lead.Phone
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realtor.NotifyWebhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification webhook returned status %d: %s", resp.StatusCode, string(msg))
	}

	n.log.Info("call notification delivered",
		zap.String("call_sid", call.CallSID),
		zap.String("realtor_id", realtor.ID))
	return nil
}
