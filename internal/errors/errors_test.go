package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidRequest)
	suite.NotNil(err)
	suite.Equal(ErrInvalidRequest, err.Code)
	suite.Equal("无效的请求", err.Message)
	suite.Empty(err.Details)

	err = New(ErrMechanismJam, "attempt 3", "status JAM")
	suite.Equal("attempt 3; status JAM", err.Details)
}

func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidRequest, "coin count %d out of range", 150)
	suite.Equal(ErrInvalidRequest, err.Code)
	suite.Equal("coin count 150 out of range", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("write /dev/ttyUSB0: input/output error")
	wrappedErr := Wrap(originalErr, ErrTransport)
	suite.Equal(ErrTransport, wrappedErr.Code)
	suite.Equal(originalErr.Error(), wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 已有的AppError保留原始错误码
	appErr := New(ErrProtocolTimeout, "no reply to S")
	wrappedAppErr := Wrap(appErr, ErrTransport, "status query")
	suite.Equal(ErrProtocolTimeout, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "status query")
}

func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrapf(originalErr, ErrCloudUnavailable, "POST %s", "/verify-withdrawal")
	suite.Equal(ErrCloudUnavailable, wrappedErr.Code)
	suite.Equal("POST /verify-withdrawal", wrappedErr.Details)
	suite.True(errors.Is(wrappedErr, originalErr))
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIsAndGetCode() {
	err := New(ErrDeviceBusy)
	suite.True(Is(err, ErrDeviceBusy))
	suite.False(Is(err, ErrTransport))
	suite.False(Is(nil, ErrDeviceBusy))

	// fmt.Errorf 包装后仍能取到错误码
	wrapped := fmt.Errorf("withdraw: %w", New(ErrCloudRejected))
	suite.Equal(ErrCloudRejected, GetCode(wrapped))

	suite.Equal(ErrUnknown, GetCode(errors.New("plain")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{Code: ErrDeviceBusy, Message: "设备忙"}
	suite.Equal("[3005] 设备忙", err.Error())

	err.Details = "dispense in progress"
	suite.Equal("[3005] 设备忙: dispense in progress", err.Error())
}

func (suite *ErrorsTestSuite) TestWithCause() {
	cause := errors.New("read timeout")
	err := New(ErrProtocolTimeout).WithCause(cause)
	suite.Equal(cause, err.Unwrap())
	suite.Equal("read timeout", err.Details)

	err2 := New(ErrProtocolTimeout, "S").WithCause(cause)
	suite.Equal("S", err2.Details)
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidRequest, 400},
		{ErrCloudRejected, 400},
		{ErrDeviceBusy, 409},
		{ErrCloudUnavailable, 503},
		{ErrTransport, 500},
		{ErrProtocolTimeout, 500},
		{ErrMechanismJam, 500},
		{ErrMechanismLowCoin, 500},
		{ErrDispenseTimeout, 500},
		{ErrUnexpectedStatus, 500},
		{ErrTokenInvalid, 401},
		{ErrRateLimitExceeded, 429},
		{ErrNotFound, 404},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

func (suite *ErrorsTestSuite) TestUserMessage() {
	suite.Equal(UserMessageContactSupport, New(ErrMechanismJam).UserMessage())
	suite.Equal(UserMessageContactSupport, New(ErrTransport).UserMessage())
	suite.Equal(UserMessageTryLater, New(ErrCloudUnavailable).UserMessage())
	suite.Equal(UserMessageTryLater, New(ErrDeviceBusy).UserMessage())
	suite.Equal(UserMessageNotAuthorized, New(ErrCloudRejected).UserMessage())
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	for _, code := range []ErrorCode{ErrMechanismJam, ErrMechanismLowCoin, ErrDispenseTimeout, ErrDeviceBusy} {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrInvalidRequest, ErrCloudRejected, ErrUnexpectedStatus, ErrTransport} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))
}

func (suite *ErrorsTestSuite) TestIsHardwareFault() {
	suite.True(IsHardwareFault(New(ErrMechanismJam)))
	suite.True(IsHardwareFault(New(ErrTransport)))
	suite.False(IsHardwareFault(New(ErrDeviceBusy)))
	suite.False(IsHardwareFault(New(ErrCloudUnavailable)))
}

func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.Greater(len(err.Stack), 0)
	suite.NotEmpty(err.GetStack())
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrCloudUnavailable)
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal("offline", response.Type)
	suite.Equal(UserMessageTryLater, response.Message)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))

	suite.Equal("hardware", NewErrorResponse(New(ErrMechanismLowCoin), "").Type)
	suite.Equal("busy", NewErrorResponse(New(ErrDeviceBusy), "").Type)
}

func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
