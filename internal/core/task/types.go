package task

import (
	"context"
)

// TaskType defines the type of asynchronous task
type TaskType string

const (
	TaskTypePersistTranscript TaskType = "persist_transcript" // Write the finished call transcript to Postgres
	TaskTypeCRMSync           TaskType = "crm_sync"           // Push lead and call data to the realtor's CRM webhook
	TaskTypeNotifyRealtor     TaskType = "notify_realtor"     // Fire the call-ended notification webhook
)

// CallTask represents an asynchronous post-call task payload
type CallTask struct {
	Type    TaskType `json:"type"`
	CallSID string   `json:"call_sid"`
	Payload []byte   `json:"payload"` // JSON payload for the task handler
}

// Bus defines the interface for the task bus
type Bus interface {
	Publish(ctx context.Context, task CallTask) error
	Subscribe(ctx context.Context, handler func(CallTask)) error
}
