package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client WebSocket客户端（终端界面）
type Client struct {
	ID         string
	RemoteAddr string
	Send       chan []byte

	hub  *Hub
	conn *websocket.Conn
}

// NewClient 创建新客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Send:       make(chan []byte, hub.opts.SendBuffer),
		hub:        hub,
		conn:       conn,
	}
}

// Serve 注册并启动读写协程
func (c *Client) Serve() {
	if !c.hub.Register(c) {
		c.conn.Close()
		return
	}
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 读取消息，只处理心跳
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.opts.PongTimeout
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	writeWait := c.hub.opts.WriteTimeout
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 界面只会发送应用层 ping
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.hub.logger.Debug("忽略无效的WebSocket消息", zap.String("client_id", c.ID))
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if reply, err := encode(MessageTypePong, nil); err == nil {
			c.hub.reply(c, reply)
		}
	default:
		if reply, err := encode(MessageTypeError, map[string]string{"error": "unsupported message type: " + msg.Type}); err == nil {
			c.hub.reply(c, reply)
		}
	}
}

// ServeHTTP 升级为WebSocket连接并订阅事件
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  h.opts.ReadBuffer,
		WriteBufferSize: h.opts.WriteBuffer,
		// 界面与服务同机部署
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	NewClient(h, conn).Serve()
}
