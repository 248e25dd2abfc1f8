// Package crm pushes finished-call outcomes to a realtor's CRM webhook.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
)

// LeadPayload is the lead shape CRM webhooks receive.
type LeadPayload struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
	Source string `json:"source"`
	Notes  string `json:"notes"`
}

// CallPayload is the call shape CRM webhooks receive.
type CallPayload struct {
	CallSID         string    `json:"call_sid"`
	Direction       string    `json:"direction"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Summary         string    `json:"summary"`
}

type TranscriptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SyncPayload is the complete CRM submission for one call.
type SyncPayload struct {
	Lead       LeadPayload      `json:"lead"`
	Call       CallPayload      `json:"call"`
	Transcript []TranscriptLine `json:"transcript"`
}

// Client submits call outcomes to CRM webhooks.
type Client struct {
	http *http.Client
	log  *zap.Logger
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: 15 * time.Second},
		log:  logger.Base().With(zap.String("component", "crm")),
	}
}

// BuildPayload maps domain records onto the webhook wire shape.
func BuildPayload(lead *domain.Lead, call *domain.CallRecord, utterances []*domain.Utterance) (*SyncPayload, error) {
	payload := &SyncPayload{}

	if lead != nil {
		if err := copier.Copy(&payload.Lead, lead); err != nil {
			return nil, fmt.Errorf("failed to map lead: %w", err)
		}
		payload.Lead.Source = string(lead.Source)
	}
	if call != nil {
		if err := copier.Copy(&payload.Call, call); err != nil {
			return nil, fmt.Errorf("failed to map call: %w", err)
		}
		payload.Call.Direction = string(call.Direction)
		payload.Call.Status = string(call.Status)
	}
	for _, u := range utterances {
		payload.Transcript = append(payload.Transcript, TranscriptLine{Role: u.Role, Content: u.Content})
	}
	return payload, nil
}

// Sync posts one call outcome to the webhook. A missing webhook URL is a
// no-op, not an error; not every realtor has a CRM connected.
func (c *Client) Sync(ctx context.Context, webhookURL string, lead *domain.Lead, call *domain.CallRecord, utterances []*domain.Utterance) error {
	if webhookURL == "" {
		return nil
	}

	payload, err := BuildPayload(lead, call, utterances)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal crm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("crm webhook returned status %d: %s", resp.StatusCode, string(msg))
	}

	c.log.Info("crm sync delivered",
		zap.String("call_sid", payload.Call.CallSID),
		zap.Int("transcript_lines", len(payload.Transcript)))
	return nil
}
