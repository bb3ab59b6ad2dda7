package model

import (
	"strings"
	"time"
)

// Hold statuses. A hold is created active and reaches exactly one terminal
// state: settled (charged) or released (un-reserved, nothing charged).
const (
	HoldStatusActive   = "active"
	HoldStatusSettled  = "settled"
	HoldStatusReleased = "released"
)

// Hold is a provisional reservation of funds for an in-progress metered
// activity (a call, a stream session). It does not move Balance; while active
// it only raises the wallet's HeldBalance by Amount.
type Hold struct {
	ID         string    `gorm:"primaryKey;size:36"`
	UserID     uint64    `gorm:"not null;index"`
	Amount     int64     `gorm:"not null"`
	Purpose    string    `gorm:"size:64;not null"`
	RelatedID  string    `gorm:"size:64"`
	Status     string    `gorm:"size:16;not null;default:'active'"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	SettledAt  *time.Time
	ReleasedAt *time.Time
}

func (Hold) TableName() string { return "hold" }

// SettlementType maps a hold purpose to the ledger type of its settlement
// charge: call-like purposes bill as call_charge, everything else as a
// stream tip.
func (h *Hold) SettlementType() string {
	if strings.Contains(h.Purpose, "call") {
		return TypeCallCharge
	}
	return TypeStreamTip
}
