package models

import (
	"time"

	"gorm.io/gorm"
)

// SerialLogLevel 日志级别
type SerialLogLevel string

const (
	SerialLogLevelInfo  SerialLogLevel = "INFO"
	SerialLogLevelDebug SerialLogLevel = "DEBUG"
	SerialLogLevelWarn  SerialLogLevel = "WARN"
	SerialLogLevelError SerialLogLevel = "ERROR"
)

// SerialLog 串口收发记录，一次命令/应答一行
type SerialLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	Port    string         `gorm:"type:varchar(100);index" json:"port"`
	Level   SerialLogLevel `gorm:"type:varchar(10);default:INFO" json:"level"`
	Command string         `gorm:"type:varchar(16);index" json:"command"`    // S / C / Dnn
	Kind    string         `gorm:"type:varchar(16);index" json:"kind"`       // status / count / dispense
	Reply   string         `gorm:"type:varchar(255)" json:"reply,omitempty"` // 去除首尾空白后的应答
	Status  string         `gorm:"type:varchar(20)" json:"status,omitempty"` // 解码后的出币机状态

	ErrorCode int    `gorm:"index" json:"error_code,omitempty"`
	ErrorMsg  string `gorm:"type:text" json:"error_msg,omitempty"`

	RequestID string `gorm:"type:varchar(100);index" json:"request_id,omitempty"`
	Duration  int64  `gorm:"default:0" json:"duration"` // 毫秒
	Timestamp int64  `gorm:"index" json:"timestamp"`    // Unix毫秒
}

// TableName 指定表名
func (SerialLog) TableName() string {
	return "serial_logs"
}

// BeforeCreate 创建前的钩子
func (s *SerialLog) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Timestamp == 0 {
		s.Timestamp = s.CreatedAt.UnixMilli()
	}
	return nil
}

// SerialLogQuery 查询参数
type SerialLogQuery struct {
	Kind      string         `form:"kind" json:"kind,omitempty"`
	Level     SerialLogLevel `form:"level" json:"level,omitempty"`
	Command   string         `form:"command" json:"command,omitempty"`
	RequestID string         `form:"request_id" json:"request_id,omitempty"`
	StartTime *time.Time     `form:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time     `form:"end_time" json:"end_time,omitempty"`
	HasError  *bool          `form:"has_error" json:"has_error,omitempty"`
	Limit     int            `form:"limit" json:"limit,omitempty"`
	Offset    int            `form:"offset" json:"offset,omitempty"`
}

// SerialLogStats 统计信息
type SerialLogStats struct {
	TotalCount    int64   `json:"total_count"`
	TotalDispense int64   `json:"total_dispense"`
	TotalErrors   int64   `json:"total_errors"`
	AvgDuration   float64 `json:"avg_duration"`
	MaxDuration   int64   `json:"max_duration"`
}
