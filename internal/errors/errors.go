package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown          ErrorCode = 1000
	ErrInvalidRequest   ErrorCode = 1001
	ErrNotFound         ErrorCode = 1002
	ErrPermissionDenied ErrorCode = 1004
	ErrTimeout          ErrorCode = 1005
	ErrCanceled         ErrorCode = 1006

	// 硬件错误 (3000-3999)
	ErrSerialPortOpen   ErrorCode = 3000
	ErrTransport        ErrorCode = 3001
	ErrProtocolTimeout  ErrorCode = 3003
	ErrDeviceOffline    ErrorCode = 3004
	ErrDeviceBusy       ErrorCode = 3005
	ErrMechanismJam     ErrorCode = 3010
	ErrMechanismLowCoin ErrorCode = 3011
	ErrDispenseTimeout  ErrorCode = 3012
	ErrUnexpectedStatus ErrorCode = 3013

	// 云端通信错误 (4000-4999)
	ErrCloudUnavailable ErrorCode = 4010
	ErrCloudRejected    ErrorCode = 4011
	ErrCloudResponse    ErrorCode = 4012

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002
	ErrDatabaseUpdate  ErrorCode = 5003

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002

	// 安全错误 (7000-7999)
	ErrAuthentication    ErrorCode = 7000
	ErrTokenExpired      ErrorCode = 7002
	ErrTokenInvalid      ErrorCode = 7003
	ErrRateLimitExceeded ErrorCode = 7004
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:          "未知错误",
	ErrInvalidRequest:   "无效的请求",
	ErrNotFound:         "资源未找到",
	ErrPermissionDenied: "权限不足",
	ErrTimeout:          "操作超时",
	ErrCanceled:         "操作已取消",

	ErrSerialPortOpen:   "串口打开失败",
	ErrTransport:        "串口通信失败",
	ErrProtocolTimeout:  "设备响应超时",
	ErrDeviceOffline:    "设备离线",
	ErrDeviceBusy:       "设备忙",
	ErrMechanismJam:     "出币机卡币",
	ErrMechanismLowCoin: "出币机币量不足",
	ErrDispenseTimeout:  "出币超时",
	ErrUnexpectedStatus: "出币机状态异常",

	ErrCloudUnavailable: "云端服务不可用",
	ErrCloudRejected:    "云端拒绝授权",
	ErrCloudResponse:    "云端响应异常",

	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseQuery:   "数据库查询失败",
	ErrDatabaseInsert:  "数据库插入失败",
	ErrDatabaseUpdate:  "数据库更新失败",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",

	ErrAuthentication:    "认证失败",
	ErrTokenExpired:      "令牌已过期",
	ErrTokenInvalid:      "无效的令牌",
	ErrRateLimitExceeded: "请求频率超限",
}

// 面向用户的提示（显示在触摸屏上，保持英文）
const (
	UserMessageContactSupport = "Please contact support"
	UserMessageTryLater       = "Please try again later"
	UserMessageNotAuthorized  = "Please verify your transaction"
	UserMessageInvalidAmount  = "Amount must result in 1-99 quarters"
)

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && err != nil
}

// GetCode 获取错误码，支持被 fmt.Errorf("%w") 包装过的 AppError
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	for e := err; e != nil; {
		if appErr, ok := e.(*AppError); ok {
			return appErr.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/roluatm/kiosk/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrInvalidRequest, e.Code == ErrCloudRejected:
		return 400 // Bad Request
	case e.Code == ErrNotFound:
		return 404 // Not Found
	case e.Code == ErrPermissionDenied:
		return 403 // Forbidden
	case e.Code == ErrDeviceBusy:
		return 409 // Conflict
	case e.Code >= 7000 && e.Code <= 7003:
		return 401 // Unauthorized
	case e.Code == ErrRateLimitExceeded:
		return 429 // Too Many Requests
	case e.Code == ErrCloudUnavailable:
		return 503 // Service Unavailable
	case e.Code >= 5000 && e.Code <= 5999:
		return 503
	default:
		return 500 // Internal Server Error
	}
}

// UserMessage 返回适合在触摸屏上展示的提示
func (e *AppError) UserMessage() string {
	switch {
	case e.Code == ErrInvalidRequest:
		return UserMessageInvalidAmount
	case e.Code == ErrCloudRejected:
		return UserMessageNotAuthorized
	case e.Code == ErrCloudUnavailable, e.Code == ErrDeviceBusy, e.Code == ErrRateLimitExceeded:
		return UserMessageTryLater
	default:
		return UserMessageContactSupport
	}
}

// IsRetryable 判断错误是否可重试（出币机自身上报的故障）
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrMechanismJam,
		ErrMechanismLowCoin,
		ErrDispenseTimeout,
		ErrCloudUnavailable,
		ErrDeviceBusy:
		return true
	default:
		return false
	}
}

// IsHardwareFault 判断是否为硬件故障
func IsHardwareFault(err error) bool {
	code := GetCode(err)
	return code >= 3000 && code <= 3999 && code != ErrDeviceBusy
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err.Message,
		Message:   err.UserMessage(),
		Type:      errorType(err.Code),
		Code:      err.Code,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}

// errorType 错误分类（hardware/offline/cloud/request）
func errorType(code ErrorCode) string {
	switch {
	case code == ErrCloudUnavailable:
		return "offline"
	case code == ErrCloudRejected || code == ErrCloudResponse:
		return "cloud"
	case code == ErrDeviceBusy:
		return "busy"
	case code >= 3000 && code <= 3999:
		return "hardware"
	case code == ErrInvalidRequest:
		return "request"
	default:
		return "internal"
	}
}
