package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openhouseai/realty-voice-service/internal/domain"
)

// CallRepository defines the interface for call record operations
type CallRepository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	GetByCallSID(ctx context.Context, callSID string) (*domain.CallRecord, error)
	// Finalize stamps the end of a call and stores its summary.
	Finalize(ctx context.Context, callSID string, status domain.CallStatus, endedAt time.Time, summary string) error
	AppendUtterances(ctx context.Context, callID string, utterances []*domain.Utterance) error
	GetUtterances(ctx context.Context, callID string) ([]*domain.Utterance, error)
}

// GormCallRepository handles database operations for call records
type GormCallRepository struct {
	db *gorm.DB
}

func NewGormCallRepository(db *gorm.DB) *GormCallRepository {
	return &GormCallRepository{db: db}
}

func (r *GormCallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

func (r *GormCallRepository) GetByCallSID(ctx context.Context, callSID string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).Where("call_sid = ?", callSID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

func (r *GormCallRepository) Finalize(ctx context.Context, callSID string, status domain.CallStatus, endedAt time.Time, summary string) error {
	record, err := r.GetByCallSID(ctx, callSID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("call record not found for call sid %s", callSID)
	}

	updates := map[string]interface{}{
		"status":     status,
		"ended_at":   endedAt,
		"summary":    summary,
		"updated_at": time.Now(),
	}
	if !record.StartedAt.IsZero() && endedAt.After(record.StartedAt) {
		updates["duration_seconds"] = int(endedAt.Sub(record.StartedAt).Seconds())
	}

	if err := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("call_sid = ?", callSID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to finalize call record: %w", err)
	}
	return nil
}

func (r *GormCallRepository) AppendUtterances(ctx context.Context, callID string, utterances []*domain.Utterance) error {
	if len(utterances) == 0 {
		return nil
	}

	now := time.Now()
	for i, u := range utterances {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		u.CallID = callID
		u.Position = i
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
	}

	if err := r.db.WithContext(ctx).CreateInBatches(utterances, 100).Error; err != nil {
		return fmt.Errorf("failed to create utterances: %w", err)
	}
	return nil
}

func (r *GormCallRepository) GetUtterances(ctx context.Context, callID string) ([]*domain.Utterance, error) {
	var utterances []*domain.Utterance
	if err := r.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("position ASC").
		Find(&utterances).Error; err != nil {
		return nil, fmt.Errorf("failed to get utterances: %w", err)
	}
	return utterances, nil
}
