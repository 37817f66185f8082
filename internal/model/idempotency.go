package model

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyKey guards one (key, scope) pair. Uniqueness of the pair is
// enforced by the idx_idempotency_key_scope index, not by the application.
type IdempotencyKey struct {
	ID            string            `gorm:"primaryKey;size:36"`
	Key           string            `gorm:"column:idempotency_key;size:255;not null;uniqueIndex:idx_idempotency_key_scope"`
	Scope         IdempotencyScope  `gorm:"size:16;not null;uniqueIndex:idx_idempotency_key_scope"`
	Status        IdempotencyStatus `gorm:"size:16;not null;index"`
	Request       datatypes.JSON    `gorm:"type:jsonb"`
	Response      datatypes.JSON    `gorm:"type:jsonb"`
	TransactionID string            `gorm:"size:36"`
	CreatedAt     time.Time         `gorm:"index"`
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }
