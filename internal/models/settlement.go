package models

import "time"

// Settlement 待上报的出币确认（outbox）
type Settlement struct {
	BaseModel
	WithdrawalID   string     `gorm:"uniqueIndex;size:36;not null" json:"withdrawal_id"`
	SessionID      string     `gorm:"size:100;index;not null" json:"session_id"`
	KioskID        string     `gorm:"size:64" json:"kiosk_id"`
	CoinsDispensed int        `gorm:"not null" json:"coins_dispensed"`
	DispensedAt    time.Time  `json:"dispensed_at"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	LastError      string     `gorm:"size:500" json:"last_error,omitempty"`
	NextAttemptAt  time.Time  `gorm:"index" json:"next_attempt_at"`
	Settled        bool       `gorm:"index;default:false" json:"settled"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// TableName 表名
func (Settlement) TableName() string {
	return "settlements"
}
