package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	TokenTypeKiosk    = "kiosk"    // 终端调用云端时的签名
	TokenTypeOperator = "operator" // 运维人员访问管理接口

	issuer = "roluatm-kiosk"
)

// JWTClaims 自定义JWT Claims
type JWTClaims struct {
	KioskID   string `json:"kiosk_id"`
	Operator  string `json:"operator,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTManager JWT管理器
type JWTManager struct {
	secretKey      string
	kioskExpiry    time.Duration
	operatorExpiry time.Duration
	now            func() time.Time
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(secretKey string, kioskExpiry, operatorExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:      secretKey,
		kioskExpiry:    kioskExpiry,
		operatorExpiry: operatorExpiry,
		now:            time.Now,
	}
}

// GenerateKioskToken 生成终端请求签名令牌（短期有效）
func (j *JWTManager) GenerateKioskToken(kioskID string) (string, error) {
	return j.sign(&JWTClaims{
		KioskID:   kioskID,
		TokenType: TokenTypeKiosk,
	}, kioskID, j.kioskExpiry)
}

// GenerateOperatorToken 生成运维令牌
func (j *JWTManager) GenerateOperatorToken(kioskID, operator, role string) (string, error) {
	return j.sign(&JWTClaims{
		KioskID:   kioskID,
		Operator:  operator,
		Role:      role,
		TokenType: TokenTypeOperator,
	}, operator, j.operatorExpiry)
}

func (j *JWTManager) sign(claims *JWTClaims, subject string, expiry time.Duration) (string, error) {
	now := j.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.secretKey))
}

// ValidateToken 验证令牌
func (j *JWTManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(j.secretKey), nil
	}, jwt.WithTimeFunc(j.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GetTokenExpiry 获取令牌有效期
func (j *JWTManager) GetTokenExpiry(tokenType string) time.Duration {
	if tokenType == TokenTypeOperator {
		return j.operatorExpiry
	}
	return j.kioskExpiry
}
