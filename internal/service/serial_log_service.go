package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/models"
	"github.com/roluatm/kiosk/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBatchSize     = 100
	bufferCapacity       = 1000
)

// SerialLogService 串口日志服务：订阅每次收发，批量写入数据库
type SerialLogService struct {
	repo          *repository.SerialLogRepository
	logger        *zap.Logger
	flushInterval time.Duration

	mu       sync.Mutex
	buffer   []*models.SerialLog
	bufferCh chan *models.SerialLog
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	dropped  int64
}

// NewSerialLogService 创建串口日志服务并启动后台写入
func NewSerialLogService(repo *repository.SerialLogRepository, flushInterval time.Duration) *SerialLogService {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	s := &SerialLogService{
		repo:          repo,
		logger:        logger.GetModuleLogger("serial"),
		flushInterval: flushInterval,
		buffer:        make([]*models.SerialLog, 0, defaultBatchSize),
		bufferCh:      make(chan *models.SerialLog, bufferCapacity),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go s.backgroundWriter()
	return s
}

// ObserveExchange 实现 hardware.Observer
func (s *SerialLogService) ObserveExchange(rec hardware.ExchangeRecord) {
	log := &models.SerialLog{
		CreatedAt: rec.StartedAt,
		Port:      rec.Port,
		Level:     models.SerialLogLevelInfo,
		Command:   rec.Command,
		Kind:      commandKind(rec.Command),
		Reply:     rec.Reply,
		RequestID: rec.RequestID,
		Duration:  rec.Duration.Milliseconds(),
		Timestamp: rec.StartedAt.UnixMilli(),
	}
	if log.Kind == "status" && rec.Err == nil {
		status, _ := hardware.DecodeStatus(rec.Reply)
		log.Status = status.String()
	}
	if rec.Err != nil {
		log.Level = models.SerialLogLevelError
		log.ErrorCode = int(errors.GetCode(rec.Err))
		log.ErrorMsg = rec.Err.Error()
	}

	// 异步写入
	select {
	case s.bufferCh <- log:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("串口日志缓冲区满，丢弃日志")
	}
}

func commandKind(cmd string) string {
	switch {
	case cmd == hardware.CmdStatus:
		return "status"
	case cmd == hardware.CmdCoinCount:
		return "count"
	case strings.HasPrefix(cmd, "D"):
		return "dispense"
	default:
		return "other"
	}
}

// backgroundWriter 后台写入协程
func (s *SerialLogService) backgroundWriter() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			// 缓冲区满了立即写入
			if len(s.buffer) >= defaultBatchSize {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 退出前写入剩余的日志
			s.mu.Lock()
		drain:
			for {
				select {
				case log := <-s.bufferCh:
					s.buffer = append(s.buffer, log)
				default:
					break drain
				}
			}
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库，调用方持有 s.mu
func (s *SerialLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := s.repo.CreateBatch(ctx, s.buffer)
	logger.LogDatabaseOperation("create_batch", "serial_logs", time.Since(start), err)
	if err == nil {
		s.logger.Debug("批量写入串口日志成功", zap.Int("count", len(s.buffer)))
	}

	// 清空缓冲区
	s.buffer = make([]*models.SerialLog, 0, defaultBatchSize)
}

// Dropped 因缓冲区满丢弃的条数
func (s *SerialLogService) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Query 查询日志
func (s *SerialLogService) Query(ctx context.Context, query *models.SerialLogQuery) ([]*models.SerialLog, int64, error) {
	return s.repo.Query(ctx, query)
}

// GetStats 获取统计信息
func (s *SerialLogService) GetStats(ctx context.Context, since *time.Time) (*models.SerialLogStats, error) {
	return s.repo.GetStats(ctx, since)
}

// CleanupOldLogs 清理旧日志
func (s *SerialLogService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(ctx, retentionDays)
}

// ExportLogs 导出日志为JSON格式
func (s *SerialLogService) ExportLogs(ctx context.Context, query *models.SerialLogQuery) ([]byte, error) {
	logs, _, err := s.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(logs, "", "  ")
}

// Close 停止后台写入并落盘剩余日志
func (s *SerialLogService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}
