package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Manager 仓储管理器，提供所有仓储的统一访问接口
type Manager struct {
	db *gorm.DB

	// 仓储实例（使用懒加载）
	withdrawalOnce sync.Once
	withdrawal     WithdrawalRepository

	settlementOnce sync.Once
	settlement     SettlementRepository

	serialLogOnce sync.Once
	serialLog     *SerialLogRepository
}

// NewManager 创建仓储管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// GetDB 获取数据库实例
func (m *Manager) GetDB() *gorm.DB {
	return m.db
}

// Withdrawal 获取取款流水仓储
func (m *Manager) Withdrawal() WithdrawalRepository {
	m.withdrawalOnce.Do(func() {
		m.withdrawal = NewWithdrawalRepository(m.db)
	})
	return m.withdrawal
}

// Settlement 获取结算仓储
func (m *Manager) Settlement() SettlementRepository {
	m.settlementOnce.Do(func() {
		m.settlement = NewSettlementRepository(m.db)
	})
	return m.settlement
}

// SerialLog 获取串口日志仓储
func (m *Manager) SerialLog() *SerialLogRepository {
	m.serialLogOnce.Do(func() {
		m.serialLog = NewSerialLogRepository(m.db)
	})
	return m.serialLog
}
