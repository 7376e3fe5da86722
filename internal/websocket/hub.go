package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message 推送给终端界面的消息
type Message struct {
	Type      string          `json:"type"` // 消息类型
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MessageType 消息类型
const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

// Options 连接参数
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	ReadBuffer     int
	WriteBuffer    int
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
		ReadBuffer:     1024,
		WriteBuffer:    1024,
	}
}

// Hub 事件推送中心，只下行广播
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	opts    Options
	dropped uint64
	logger  *zap.Logger
}

// NewHub 创建Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = opts.PingInterval * 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = def.ReadBuffer
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = def.WriteBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		opts:       opts,
		logger:     logger,
	}
}

// Run 运行Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case data := <-h.broadcast:
			h.broadcastMessage(data)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.clientsMu.Lock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
	h.clientsMu.Unlock()
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("remote", client.RemoteAddr))

	if data, err := encode(MessageTypeConnected, map[string]string{"client_id": client.ID}); err == nil {
		h.sendTo(client, data)
	}
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, client := range h.clients {
		h.sendTo(client, data)
	}
}

func (h *Hub) sendTo(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
	}
}

// reply 发给单个客户端，客户端已注销时忽略
func (h *Hub) reply(client *Client, data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	if _, ok := h.clients[client.ID]; ok {
		h.sendTo(client, data)
	}
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().Unix()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Publish 推送事件，不阻塞调用方；队列满时丢弃
func (h *Hub) Publish(event string, payload interface{}) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.String("type", event), zap.Error(err))
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- data:
	default:
		h.clientsMu.Lock()
		h.dropped++
		h.clientsMu.Unlock()
		h.logger.Warn("事件队列已满，丢弃", zap.String("type", event))
	}
}

// Register 注册客户端；Hub 已停止时返回 false
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineCount 获取在线连接数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Dropped 被丢弃的事件数
func (h *Hub) Dropped() uint64 {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return h.dropped
}
