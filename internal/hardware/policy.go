package hardware

import (
	"time"

	"github.com/roluatm/kiosk/internal/errors"
)

// Phase 状态机中做出判断的位置
type Phase int

const (
	PhasePrecheck    Phase = iota // 出币前的状态检查
	PhasePolling                  // D 命令之后的轮询
	PhasePollTimeout              // 轮询超过期限
)

func (p Phase) String() string {
	switch p {
	case PhasePrecheck:
		return "precheck"
	case PhasePolling:
		return "polling"
	case PhasePollTimeout:
		return "poll_timeout"
	default:
		return "unknown"
	}
}

// ActionKind 下一步动作
type ActionKind int

const (
	ActionProceed  ActionKind = iota // 预检通过，发送出币命令
	ActionContinue                   // 继续轮询
	ActionRetry                      // 本次尝试失败，等待后重试
	ActionSucceed                    // 出币完成
	ActionFail                       // 结束并返回错误
)

// Action 重试策略给出的动作
type Action struct {
	Kind  ActionKind
	Delay time.Duration    // Continue/Retry 时的等待
	Code  errors.ErrorCode // Fail 时的错误码
}

// RetryPolicy 出币重试策略，纯函数，不做任何IO和等待
type RetryPolicy struct {
	MaxAttempts  int
	Backoff      time.Duration
	PollInterval time.Duration
}

// DefaultRetryPolicy 3 次尝试，失败后等 2s，轮询间隔 0.5s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      2 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Decide 根据当前尝试次数（从1开始）、阶段和状态决定下一步
func (p RetryPolicy) Decide(attempt int, phase Phase, status MechanismStatus) Action {
	switch phase {
	case PhasePrecheck:
		switch {
		case status == StatusOffline:
			return Action{Kind: ActionFail, Code: errors.ErrTransport}
		case status.IsFault():
			return p.failedAttempt(attempt, faultCode(status))
		default:
			// 只拦截离线和卡币/缺币，其余状态照常下发
			return Action{Kind: ActionProceed}
		}

	case PhasePolling:
		switch {
		case status == StatusReady:
			return Action{Kind: ActionSucceed}
		case status == StatusDispensing:
			return Action{Kind: ActionContinue, Delay: p.PollInterval}
		case status.IsFault():
			return p.failedAttempt(attempt, faultCode(status))
		default:
			return Action{Kind: ActionFail, Code: errors.ErrUnexpectedStatus}
		}

	case PhasePollTimeout:
		return p.failedAttempt(attempt, errors.ErrDispenseTimeout)
	}

	return Action{Kind: ActionFail, Code: errors.ErrUnexpectedStatus}
}

// failedAttempt 次数未用完则重试，否则以最后一次的故障结束
func (p RetryPolicy) failedAttempt(attempt int, code errors.ErrorCode) Action {
	if attempt >= p.MaxAttempts {
		return Action{Kind: ActionFail, Code: code}
	}
	return Action{Kind: ActionRetry, Delay: p.Backoff, Code: code}
}

func faultCode(status MechanismStatus) errors.ErrorCode {
	if status == StatusLowCoin {
		return errors.ErrMechanismLowCoin
	}
	return errors.ErrMechanismJam
}
