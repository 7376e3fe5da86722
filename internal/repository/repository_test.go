package repository

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/roluatm/kiosk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawalRepository_CreateAndFind(t *testing.T) {
	db := TestDB(t)
	repo := NewWithdrawalRepository(db)
	ctx := context.Background()

	w := CreateTestWithdrawal("session-1", 12, models.WithdrawalAuthorized)
	require.NoError(t, repo.Create(ctx, w))
	assert.NotZero(t, w.ID)
	assert.Len(t, w.WithdrawalID, 36, "自动生成 uuid")

	found, err := repo.FindByWithdrawalID(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, "session-1", found.SessionID)
	assert.Equal(t, 12, found.Coins)
	assert.Equal(t, models.WithdrawalAuthorized, found.Status)

	_, err = repo.FindByWithdrawalID(ctx, "missing")
	assert.Error(t, err)
}

func TestWithdrawalRepository_UpdateAndStats(t *testing.T) {
	db := TestDB(t)
	repo := NewWithdrawalRepository(db)
	ctx := context.Background()

	done := CreateTestWithdrawal("s-done", 20, models.WithdrawalDispensing)
	require.NoError(t, repo.Create(ctx, done))
	now := time.Now()
	done.Status = models.WithdrawalCompleted
	done.CoinsDispensed = 20
	done.Attempts = 1
	done.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, done))

	require.NoError(t, repo.Create(ctx, CreateTestWithdrawal("s-fail", 5, models.WithdrawalFailed)))
	require.NoError(t, repo.Create(ctx, CreateTestWithdrawal("s-rej", 4, models.WithdrawalRejected)))

	stats, err := repo.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(20), stats.CoinsDispensed)

	list, total, err := repo.Query(ctx, &models.WithdrawalQuery{Status: models.WithdrawalCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "s-done", list[0].SessionID)

	bySession, err := repo.FindBySessionID(ctx, "s-fail")
	require.NoError(t, err)
	assert.Len(t, bySession, 1)
}

func TestSettlementRepository_Lifecycle(t *testing.T) {
	db := TestDB(t)
	repo := NewSettlementRepository(db)
	ctx := context.Background()
	now := time.Now()

	s1 := CreateTestSettlement("w-1", 10, now.Add(-time.Minute))
	s2 := CreateTestSettlement("w-2", 8, now.Add(time.Hour))
	require.NoError(t, repo.Enqueue(ctx, s1))
	require.NoError(t, repo.Enqueue(ctx, s2))

	// 重复写入同一笔取款被忽略
	require.NoError(t, repo.Enqueue(ctx, CreateTestSettlement("w-1", 10, now)))
	pending, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	due, err := repo.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w-1", due[0].WithdrawalID)

	require.NoError(t, repo.MarkFailed(ctx, due[0].ID, 1, "cloud down", now.Add(time.Minute)))
	due, err = repo.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.Due(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "cloud down", due[0].LastError)

	require.NoError(t, repo.MarkSettled(ctx, due[0].ID, now))
	pending, err = repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	all, err := repo.List(ctx, false, NewPagination(1, 10))
	require.NoError(t, err)
	assert.Len(t, all, 2)
	onlyPending, err := repo.List(ctx, true, nil)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, "w-2", onlyPending[0].WithdrawalID)
}

func TestSettlementRepository_MarkFailedKeepsUTF8(t *testing.T) {
	db := TestDB(t)
	repo := NewSettlementRepository(db)
	ctx := context.Background()
	now := time.Now()

	s := CreateTestSettlement("w-utf8", 4, now.Add(-time.Minute))
	require.NoError(t, repo.Enqueue(ctx, s))

	// 3 字节汉字，500 不是 3 的倍数
	long := "x" + strings.Repeat("云端不可用", 60)
	require.NoError(t, repo.MarkFailed(ctx, s.ID, 2, long, now.Add(-time.Second)))

	due, err := repo.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	got := due[0].LastError
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 500)
	assert.Greater(t, len(got), 495)
	assert.True(t, strings.HasPrefix(long, got))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "a", truncate("a出币", 3))
	assert.Equal(t, "a出", truncate("a出币", 4))
	assert.Equal(t, "", truncate("出", 2))
}

func TestSerialLogRepository(t *testing.T) {
	db := TestDB(t)
	repo := NewSerialLogRepository(db)
	ctx := context.Background()

	logs := []*models.SerialLog{
		{Port: "/dev/ttyACM0", Command: "S", Kind: "status", Reply: "READY", Status: "READY", Duration: 12},
		{Port: "/dev/ttyACM0", Command: "D10", Kind: "dispense", Reply: "OK", Duration: 30},
		{Port: "/dev/ttyACM0", Command: "S", Kind: "status", Level: models.SerialLogLevelError, ErrorMsg: "timeout", Duration: 5000},
	}
	require.NoError(t, repo.CreateBatch(ctx, logs))
	require.NoError(t, repo.CreateBatch(ctx, nil))

	hasErr := true
	list, total, err := repo.Query(ctx, &models.SerialLogQuery{HasError: &hasErr})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "timeout", list[0].ErrorMsg)

	list, total, err = repo.Query(ctx, &models.SerialLogQuery{Command: "D"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "D10", list[0].Command)

	stats, err := repo.GetStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCount)
	assert.Equal(t, int64(1), stats.TotalDispense)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(5000), stats.MaxDuration)

	_, err = repo.CleanupLogs(ctx, 0)
	assert.Error(t, err)
	n, err := repo.DeleteOldLogs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestManagerLazyRepositories(t *testing.T) {
	m := NewManager(TestDB(t))
	assert.Same(t, m.SerialLog(), m.SerialLog())
	assert.NotNil(t, m.Withdrawal())
	assert.NotNil(t, m.Settlement())
	assert.NotNil(t, m.GetDB())
}
