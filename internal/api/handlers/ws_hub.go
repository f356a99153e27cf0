package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/watcher"
)

// Hub 把输出目录中新出现的快照推送给 WebSocket 客户端
type Hub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	mu        sync.RWMutex
	clients   map[*websocket.Conn]string // 连接 -> 会话目录过滤（空表示全部）
	broadcast chan watcher.Event
}

// NewHub 创建推送中心
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan watcher.Event, 100),
	}
}

// Start 启动广播协程，ctx 结束时关闭所有连接
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt := <-h.broadcast:
			h.send(evt)
		}
	}
}

// send 只有广播协程写入连接
func (h *Hub) send(evt watcher.Event) {
	var failed []*websocket.Conn

	h.mu.RLock()
	for conn, filter := range h.clients {
		if filter != "" && filter != evt.RunDir {
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.remove(conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// Broadcast 投递事件（watcher.Handler），通道满时丢弃
func (h *Hub) Broadcast(ctx context.Context, evt watcher.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket GET /ws?run=<会话目录>
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	filter := c.Query("run")
	h.mu.Lock()
	h.clients[conn] = filter
	h.mu.Unlock()
	h.logger.WithField("run", filter).Info("WebSocket client connected")

	// 客户端不发送数据，读循环只用于发现断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket read error")
			}
			break
		}
	}

	h.remove(conn)
	h.logger.WithField("run", filter).Info("WebSocket client disconnected")
}
