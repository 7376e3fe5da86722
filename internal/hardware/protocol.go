package hardware

import (
	"fmt"
	"strings"

	"github.com/roluatm/kiosk/internal/errors"
)

// T-Flex 串口协议
// 命令：ASCII + '\r'，D<nn> 出币（两位补零，01-99），S 查询状态，C 查询币量
// 响应：ASCII，以 '\r' 结束

const (
	// Terminator 命令与响应的结束符
	Terminator = '\r'

	CmdStatus    = "S"
	CmdCoinCount = "C"
	cmdDispense  = "D"

	MinDispenseCoins = 1
	MaxDispenseCoins = 99
)

// MechanismStatus 出币机状态
type MechanismStatus string

const (
	StatusReady      MechanismStatus = "READY"
	StatusJam        MechanismStatus = "JAM"
	StatusLowCoin    MechanismStatus = "LOW_COIN"
	StatusDispensing MechanismStatus = "DISPENSING"
	StatusError      MechanismStatus = "ERROR"
	StatusOffline    MechanismStatus = "OFFLINE" // 本地合成，通信失败时使用
)

// String 返回状态字符串
func (s MechanismStatus) String() string {
	return string(s)
}

// IsFault 卡币或缺币（可通过重试恢复的机械故障）
func (s MechanismStatus) IsFault() bool {
	return s == StatusJam || s == StatusLowCoin
}

// GaugeValue 指标上报值：1 正常，0 异常
func (s MechanismStatus) GaugeValue() float64 {
	if s == StatusReady || s == StatusDispensing {
		return 1
	}
	return 0
}

// statusRule 解码规则，按顺序匹配
type statusRule struct {
	tokens []string
	status MechanismStatus
}

var statusRules = []statusRule{
	{[]string{"READY"}, StatusReady},
	{[]string{"JAM"}, StatusJam},
	{[]string{"LOW", "EMPTY"}, StatusLowCoin},
	{[]string{"DISPENSING", "BUSY"}, StatusDispensing},
	{[]string{"ERROR"}, StatusError},
}

// DecodeStatus 解析 S 命令的响应（大小写不敏感的子串匹配）
// 第二个返回值为 false 表示响应无法识别，结果按 Error 处理
func DecodeStatus(reply string) (MechanismStatus, bool) {
	upper := strings.ToUpper(strings.TrimSpace(reply))
	for _, rule := range statusRules {
		for _, token := range rule.tokens {
			if strings.Contains(upper, token) {
				return rule.status, true
			}
		}
	}
	return StatusError, false
}

// EncodeDispense 编码出币命令
func EncodeDispense(count int) (string, error) {
	if count < MinDispenseCoins || count > MaxDispenseCoins {
		return "", errors.Newf(errors.ErrInvalidRequest, "coin count must be %d-%d, got %d",
			MinDispenseCoins, MaxDispenseCoins, count)
	}
	return fmt.Sprintf("%s%02d", cmdDispense, count), nil
}

// frame 加上结束符
func frame(command string) []byte {
	return append([]byte(command), Terminator)
}
