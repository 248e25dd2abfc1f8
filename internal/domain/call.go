package domain

import (
	"time"
)

// CallDirection represents who initiated the call
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallStatus tracks a call record through its lifecycle
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// CallRecord represents one phone conversation between a lead and the agent
type CallRecord struct {
	ID              string        `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallSID         string        `json:"call_sid" db:"call_sid" gorm:"column:call_sid;unique"`
	StreamSID       string        `json:"stream_sid" db:"stream_sid" gorm:"column:stream_sid"`
	LeadID          string        `json:"lead_id" db:"lead_id" gorm:"column:lead_id;index"`
	RealtorID       string        `json:"realtor_id" db:"realtor_id" gorm:"column:realtor_id;index"`
	Direction       CallDirection `json:"direction" db:"direction" gorm:"column:direction"`
	Status          CallStatus    `json:"status" db:"status" gorm:"column:status"`
	StartedAt       time.Time     `json:"started_at" db:"started_at" gorm:"column:started_at"`
	EndedAt         time.Time     `json:"ended_at" db:"ended_at" gorm:"column:ended_at"`
	DurationSeconds int           `json:"duration_seconds" db:"duration_seconds" gorm:"column:duration_seconds"`
	Summary         string        `json:"summary" db:"summary" gorm:"column:summary"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

const (
	UtteranceRoleCaller = "caller"
	UtteranceRoleAgent  = "agent"
)

// Utterance represents one finished turn within a call transcript
type Utterance struct {
	ID        string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallID    string    `json:"call_id" db:"call_id" gorm:"column:call_id;index"`
	Role      string    `json:"role" db:"role" gorm:"column:role"` // caller, agent
	Content   string    `json:"content" db:"content" gorm:"column:content"`
	Position  int       `json:"position" db:"position" gorm:"column:position"`
	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
}

func (Utterance) TableName() string {
	return "utterances"
}
