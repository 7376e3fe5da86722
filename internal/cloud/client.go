// Package cloud 云端授权服务客户端
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/logger"
)

// 云端接口路径
const (
	PathHealth        = "/health"
	PathAuthorize     = "/verify-withdrawal"
	PathConfirm       = "/confirm-withdrawal"
	PathKioskHealth   = "/kiosk-health"
	userAgentTemplate = "RoluATM-Kiosk/%s"
	maxErrorBody      = 512
)

// AuthorizeRequest 取款授权请求
type AuthorizeRequest struct {
	KioskID     string  `json:"kiosk_id"`
	SessionID   string  `json:"session_id"`
	AmountUSD   float64 `json:"amount_usd"`
	CoinsNeeded int     `json:"coins_needed"`
}

// ConfirmRequest 出币确认（结算）
type ConfirmRequest struct {
	KioskID        string `json:"kiosk_id"`
	SessionID      string `json:"session_id"`
	CoinsDispensed int    `json:"coins_dispensed"`
	Timestamp      string `json:"timestamp"`
}

// KioskHealth 终端健康上报
type KioskHealth struct {
	KioskID        string `json:"kiosk_id"`
	OverallStatus  string `json:"overall_status"`
	HardwareStatus string `json:"hardware_status"`
	CloudStatus    string `json:"cloud_status"`
	TFlexConnected bool   `json:"tflex_connected"`
	TFlexPort      string `json:"tflex_port"`
	CoinCount      int    `json:"coin_count"`
	ErrorDetails   string `json:"error_details,omitempty"`
}

// Signer 为请求生成 Bearer 令牌
type Signer interface {
	GenerateKioskToken(kioskID string) (string, error)
}

// Options 客户端参数
type Options struct {
	BaseURL          string
	KioskID          string
	HealthTimeout    time.Duration
	AuthorizeTimeout time.Duration
	ConfirmTimeout   time.Duration
	Signer           Signer // 可选
	HTTPClient       *http.Client
}

// Client 云端客户端
type Client struct {
	opts   Options
	http   *http.Client
	userUA string
}

// NewClient 创建云端客户端
func NewClient(opts Options) *Client {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.AuthorizeTimeout <= 0 {
		opts.AuthorizeTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConnsPerHost:   2,
			},
		}
	}
	return &Client{
		opts:   opts,
		http:   hc,
		userUA: fmt.Sprintf(userAgentTemplate, opts.KioskID),
	}
}

// BaseURL 云端地址
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

// Health 探测云端可用性，任何非 200 都视为不可用
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, PathHealth, nil, c.opts.HealthTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.ErrCloudUnavailable, "health status %d", status)
	}
	return nil
}

// Authorize 请求云端授权本次取款
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) error {
	if req.KioskID == "" {
		req.KioskID = c.opts.KioskID
	}
	status, body, err := c.do(ctx, http.MethodPost, PathAuthorize, req, c.opts.AuthorizeTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.ErrCloudRejected, "status %d: %s", status, body)
	}
	return nil
}

// Confirm 通知云端实际出币数量
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) error {
	if req.KioskID == "" {
		req.KioskID = c.opts.KioskID
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	status, body, err := c.do(ctx, http.MethodPost, PathConfirm, req, c.opts.ConfirmTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.ErrCloudResponse, "status %d: %s", status, body)
	}
	return nil
}

// ReportHealth 上报终端健康状态
func (c *Client) ReportHealth(ctx context.Context, h KioskHealth) error {
	if h.KioskID == "" {
		h.KioskID = c.opts.KioskID
	}
	status, body, err := c.do(ctx, http.MethodPost, PathKioskHealth, h, c.opts.HealthTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf(errors.ErrCloudResponse, "status %d: %s", status, body)
	}
	return nil
}

// do 发送请求；网络错误统一归类为 ErrCloudUnavailable
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, timeout time.Duration) (int, string, error) {
	start := time.Now()
	status, body, err := c.roundTrip(ctx, method, path, payload, timeout)
	logger.LogCloudCall(method, path, status, time.Since(start), err)
	return status, body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", errors.Wrap(err, errors.ErrInvalidRequest, "encode body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return 0, "", errors.Wrap(err, errors.ErrCloudUnavailable, "build request")
	}
	req.Header.Set("User-Agent", c.userUA)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Signer != nil {
		token, err := c.opts.Signer.GenerateKioskToken(c.opts.KioskID)
		if err != nil {
			return 0, "", errors.Wrap(err, errors.ErrCloudUnavailable, "sign request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", errors.Wrap(err, errors.ErrCloudUnavailable, method+" "+path)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, string(bytes.TrimSpace(raw)), nil
}
