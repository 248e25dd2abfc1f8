package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openhouseai/realty-voice-service/internal/domain"
)

// LeadRepository defines the interface for lead operations
type LeadRepository interface {
	Create(ctx context.Context, lead *domain.Lead) error
	Update(ctx context.Context, lead *domain.Lead) error
	GetByID(ctx context.Context, id string) (*domain.Lead, error)
	GetByPhone(ctx context.Context, phone string) (*domain.Lead, error)
	// GetOrCreateByPhone returns the lead for a caller phone, creating a
	// placeholder when the caller is unknown.
	GetOrCreateByPhone(ctx context.Context, phone, realtorID string) (*domain.Lead, error)
}

// RealtorRepository defines the interface for realtor operations
type RealtorRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Realtor, error)
	GetByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.Realtor, error)
}

// GormLeadRepository handles database operations for leads
type GormLeadRepository struct {
	db *gorm.DB
}

func NewGormLeadRepository(db *gorm.DB) *GormLeadRepository {
	return &GormLeadRepository{db: db}
}

func (r *GormLeadRepository) Create(ctx context.Context, lead *domain.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	lead.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(lead).Error; err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

func (r *GormLeadRepository) Update(ctx context.Context, lead *domain.Lead) error {
	lead.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(lead).Error; err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	return nil
}

func (r *GormLeadRepository) GetByID(ctx context.Context, id string) (*domain.Lead, error) {
	var lead domain.Lead
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&lead).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return &lead, nil
}

func (r *GormLeadRepository) GetByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	var lead domain.Lead
	if err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&lead).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lead by phone: %w", err)
	}
	return &lead, nil
}

func (r *GormLeadRepository) GetOrCreateByPhone(ctx context.Context, phone, realtorID string) (*domain.Lead, error) {
	if phone == "" {
		return nil, fmt.Errorf("phone cannot be empty")
	}

	existing, err := r.GetByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	lead := &domain.Lead{
		ID:        uuid.New().String(),
		Phone:     phone,
		Source:    domain.LeadSourceInboundCall,
		RealtorID: realtorID,
	}
	if err := r.Create(ctx, lead); err != nil {
		return nil, err
	}
	return lead, nil
}

// GormRealtorRepository handles database operations for realtors
type GormRealtorRepository struct {
	db *gorm.DB
}

func NewGormRealtorRepository(db *gorm.DB) *GormRealtorRepository {
	return &GormRealtorRepository{db: db}
}

func (r *GormRealtorRepository) GetByID(ctx context.Context, id string) (*domain.Realtor, error) {
	var realtor domain.Realtor
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&realtor).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get realtor: %w", err)
	}
	return &realtor, nil
}

func (r *GormRealtorRepository) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.Realtor, error) {
	var realtor domain.Realtor
	if err := r.db.WithContext(ctx).Where("phone_number = ?", phoneNumber).First(&realtor).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get realtor by phone number: %w", err)
	}
	return &realtor, nil
}
