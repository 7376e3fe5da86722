package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WithdrawalStatus 取款状态
type WithdrawalStatus string

const (
	WithdrawalAuthorized WithdrawalStatus = "authorized"
	WithdrawalDispensing WithdrawalStatus = "dispensing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// IsFinal 是否为终态
func (s WithdrawalStatus) IsFinal() bool {
	switch s {
	case WithdrawalCompleted, WithdrawalFailed, WithdrawalRejected:
		return true
	}
	return false
}

// Withdrawal 取款流水
type Withdrawal struct {
	BaseModel
	WithdrawalID   string           `gorm:"uniqueIndex;size:36;not null" json:"withdrawal_id"`
	SessionID      string           `gorm:"size:100;index;not null" json:"session_id"`
	KioskID        string           `gorm:"size:64;index" json:"kiosk_id"`
	Coins          int              `gorm:"not null" json:"coins"`
	AmountUSD      float64          `gorm:"type:decimal(10,2)" json:"amount_usd"`
	Status         WithdrawalStatus `gorm:"size:20;index;default:'authorized'" json:"status"`
	Attempts       int              `gorm:"default:0" json:"attempts"`
	CoinsDispensed int              `gorm:"default:0" json:"coins_dispensed"`
	FinalStatus    string           `gorm:"size:20" json:"final_status,omitempty"` // 出币机最后状态
	ErrorCode      int              `gorm:"default:0" json:"error_code,omitempty"`
	ErrorMsg       string           `gorm:"size:500" json:"error_msg,omitempty"`
	RequestID      string           `gorm:"size:100;index" json:"request_id,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// TableName 表名
func (Withdrawal) TableName() string {
	return "withdrawals"
}

// BeforeCreate 生成业务ID
func (w *Withdrawal) BeforeCreate(tx *gorm.DB) error {
	if w.WithdrawalID == "" {
		w.WithdrawalID = uuid.NewString()
	}
	return nil
}

// WithdrawalQuery 查询参数
type WithdrawalQuery struct {
	SessionID string           `form:"session_id" json:"session_id,omitempty"`
	Status    WithdrawalStatus `form:"status" json:"status,omitempty"`
	StartTime *time.Time       `form:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time       `form:"end_time" json:"end_time,omitempty"`
	Limit     int              `form:"limit" json:"limit,omitempty"`
	Offset    int              `form:"offset" json:"offset,omitempty"`
}

// WithdrawalStats 统计
type WithdrawalStats struct {
	Total          int64 `json:"total"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Rejected       int64 `json:"rejected"`
	CoinsDispensed int64 `json:"coins_dispensed"`
}
