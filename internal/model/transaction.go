package model

import (
	"time"

	"gorm.io/datatypes"
)

// Transaction is the canonical record of one money movement.
type Transaction struct {
	ID                    string            `gorm:"primaryKey;size:36" json:"id"`
	RefID                 string            `gorm:"size:255;not null;uniqueIndex" json:"refId"`
	PlayerID              string            `gorm:"size:255;not null;index" json:"playerId"`
	Type                  TransactionType   `gorm:"size:16;not null" json:"type"`
	AmountCents           int64             `gorm:"not null" json:"amountCents"`
	Currency              string            `gorm:"size:10;not null" json:"currency"`
	Status                TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	BalanceCents          *int64            `json:"balanceCents,omitempty"`
	Reason                string            `gorm:"size:500" json:"reason,omitempty"`
	Meta                  datatypes.JSON    `gorm:"type:jsonb" json:"meta,omitempty"`
	OperatorTransactionID string            `gorm:"size:255" json:"operatorTransactionId,omitempty"`
	IdempotencyKey        string            `gorm:"size:255" json:"idempotencyKey,omitempty"`
	CorrelationID         string            `gorm:"size:100" json:"correlationId,omitempty"`
	CreatedAt             time.Time         `gorm:"index" json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	CompletedAt           *time.Time        `json:"completedAt,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }
