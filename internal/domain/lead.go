package domain

import (
	"time"
)

// LeadSource represents how a lead entered the system
type LeadSource string

const (
	LeadSourceInboundCall LeadSource = "inbound_call"
	LeadSourceOutbound    LeadSource = "outbound_campaign"
	LeadSourceImport      LeadSource = "import"
)

// Lead represents a prospective buyer or seller tied to a phone number
type Lead struct {
	ID        string     `json:"id" db:"id" gorm:"column:id;primaryKey"`
	Phone     string     `json:"phone" db:"phone" gorm:"column:phone;unique"`
	Name      string     `json:"name" db:"name" gorm:"column:name"`
	Email     string     `json:"email" db:"email" gorm:"column:email"`
	Source    LeadSource `json:"source" db:"source" gorm:"column:source"`
	RealtorID string     `json:"realtor_id" db:"realtor_id" gorm:"column:realtor_id;index"`
	Notes     string     `json:"notes" db:"notes" gorm:"column:notes"`
	CreatedAt time.Time  `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (Lead) TableName() string {
	return "leads"
}

// Realtor represents an agent whose business number the service answers for
type Realtor struct {
	ID            string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	Name          string    `json:"name" db:"name" gorm:"column:name"`
	Agency        string    `json:"agency" db:"agency" gorm:"column:agency"`
	PhoneNumber   string    `json:"phone_number" db:"phone_number" gorm:"column:phone_number;unique"`
	NotifyWebhook string    `json:"notify_webhook" db:"notify_webhook" gorm:"column:notify_webhook"`
	CRMWebhook    string    `json:"crm_webhook" db:"crm_webhook" gorm:"column:crm_webhook"`
	VoiceID       string    `json:"voice_id" db:"voice_id" gorm:"column:voice_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (Realtor) TableName() string {
	return "realtors"
}
