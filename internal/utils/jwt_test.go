package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager("test-secret-key", time.Minute, 8*time.Hour)
}

func (suite *JWTTestSuite) TestGetTokenExpiry() {
	suite.Equal(time.Minute, suite.manager.GetTokenExpiry(TokenTypeKiosk))
	suite.Equal(8*time.Hour, suite.manager.GetTokenExpiry(TokenTypeOperator))
}

// 测试终端签名令牌
func (suite *JWTTestSuite) TestKioskToken() {
	token, err := suite.manager.GenerateKioskToken("kiosk-001")
	suite.NoError(err)
	suite.NotEmpty(token)

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.Equal("kiosk-001", claims.KioskID)
	suite.Equal(TokenTypeKiosk, claims.TokenType)
	suite.Equal("kiosk-001", claims.Subject)
	suite.Equal("roluatm-kiosk", claims.Issuer)
}

// 测试运维令牌
func (suite *JWTTestSuite) TestOperatorToken() {
	token, err := suite.manager.GenerateOperatorToken("kiosk-001", "alice", "operator")
	suite.NoError(err)

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.Equal("alice", claims.Operator)
	suite.Equal("operator", claims.Role)
	suite.Equal(TokenTypeOperator, claims.TokenType)
}

// 测试过期令牌
func (suite *JWTTestSuite) TestExpiredToken() {
	past := time.Now().Add(-2 * time.Minute)
	suite.manager.now = func() time.Time { return past }
	token, err := suite.manager.GenerateKioskToken("kiosk-001")
	suite.NoError(err)

	suite.manager.now = time.Now
	_, err = suite.manager.ValidateToken(token)
	suite.ErrorIs(err, ErrExpiredToken)
}

// 测试错误密钥
func (suite *JWTTestSuite) TestWrongSecret() {
	token, err := suite.manager.GenerateKioskToken("kiosk-001")
	suite.NoError(err)

	other := NewJWTManager("another-secret", time.Minute, time.Hour)
	_, err = other.ValidateToken(token)
	suite.Error(err)

	_, err = suite.manager.ValidateToken("not-a-token")
	suite.Error(err)
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
