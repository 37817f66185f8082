package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookOutbox is one at-least-once delivery obligation.
type WebhookOutbox struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`
	EventType     WebhookEventType `gorm:"size:64;not null;index" json:"eventType"`
	TargetURL     string           `gorm:"size:255;not null" json:"targetUrl"`
	Payload       datatypes.JSON   `gorm:"type:jsonb;not null" json:"payload"`
	Status        WebhookStatus    `gorm:"size:16;not null;index" json:"status"`
	RetryCount    int              `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries    int              `gorm:"not null;default:5" json:"maxRetries"`
	NextRetryAt   time.Time        `gorm:"index" json:"nextRetryAt"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	LastError     datatypes.JSON   `gorm:"type:jsonb" json:"lastError,omitempty"`
	ClaimedAt     *time.Time       `json:"claimedAt,omitempty"`
	TransactionID string           `gorm:"size:36;index" json:"transactionId"`
	RefID         string           `gorm:"size:255;index" json:"refId"`
	CorrelationID string           `gorm:"size:100" json:"correlationId,omitempty"`
	Signature     string           `gorm:"type:text" json:"signature,omitempty"`
	CreatedAt     time.Time        `gorm:"index" json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	DeliveredAt   *time.Time       `json:"deliveredAt,omitempty"`
}

func (WebhookOutbox) TableName() string { return "webhook_outbox" }

// WebhookEnvelope is the JSON body POSTed to the webhook target.
type WebhookEnvelope struct {
	EventType WebhookEventType `json:"eventType"`
	EventID   string           `json:"eventId"`
	Timestamp string           `json:"timestamp"`
	Data      WebhookData      `json:"data"`
}

type WebhookData struct {
	TransactionID string            `json:"transactionId"`
	RefID         string            `json:"refId"`
	PlayerID      string            `json:"playerId"`
	Type          TransactionType   `json:"type"`
	AmountCents   int64             `json:"amountCents"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	BalanceCents  *int64            `json:"balanceCents"`
	Reason        string            `json:"reason,omitempty"`
	Meta          datatypes.JSON    `json:"meta,omitempty"`
}

// AllModels lists every table for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{&Transaction{}, &IdempotencyKey{}, &WebhookOutbox{}}
}
