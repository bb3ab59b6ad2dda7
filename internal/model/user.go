package model

import "time"

// User is the slice of the user record the engine writes back to: cumulative
// lifetime spend in coins and the spend tier derived from it. The tier policy
// itself lives in the tier package.
type User struct {
	ID            uint64    `gorm:"primaryKey"`
	LifetimeSpend int64     `gorm:"not null;default:0"`
	Tier          string    `gorm:"size:16;not null;default:'none'"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "app_user" }
