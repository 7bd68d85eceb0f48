package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"convodesk/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamMessage 推给订阅端的事件帧
type StreamMessage struct {
	Type         string             `json:"type"`
	Data         events.SystemEvent `json:"data"`
	CascadeDepth int                `json:"cascade_depth"`
	Timestamp    time.Time          `json:"timestamp"`
}

// StreamClient 一个WebSocket订阅端。ConversationID 非空时只收该会话的事件。
type StreamClient struct {
	ID             string
	ConversationID string
	Conn           *websocket.Conn
	Send           chan StreamMessage
	Hub            *EventStreamHub
}

// EventStreamHub 把事件总线桥接到WebSocket客户端，供前端实时
// 展示会话变更和SLA违约。
type EventStreamHub struct {
	bus        *events.Bus
	logger     *logrus.Logger
	clients    map[string]*StreamClient
	register   chan *StreamClient
	unregister chan *StreamClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// NewEventStreamHub 创建事件流Hub
func NewEventStreamHub(bus *events.Bus, logger *logrus.Logger) *EventStreamHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventStreamHub{
		bus:        bus,
		logger:     logger,
		clients:    make(map[string]*StreamClient),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
	}
}

// Run 消费总线事件并广播给已连接客户端，直到 ctx 结束
func (h *EventStreamHub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer sub.Close()

	// 独立协程从总线收事件，主循环统一处理注册/注销/广播
	incoming := make(chan events.Envelope, 64)
	go func() {
		defer close(incoming)
		for {
			env, err := sub.Receive(ctx)
			if err != nil {
				var lagged *events.LaggedError
				if errors.As(err, &lagged) {
					h.logger.WithField("skipped", lagged.Skipped).Warn("Event stream lagged, events dropped")
					continue
				}
				return
			}
			select {
			case incoming <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Stream client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Stream client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case env, ok := <-incoming:
			if !ok {
				return
			}
			h.broadcast(env)
		}
	}
}

func (h *EventStreamHub) broadcast(env events.Envelope) {
	msg := StreamMessage{
		Type:         env.Event.EventType(),
		Data:         env.Event,
		CascadeDepth: env.CascadeDepth,
		Timestamp:    time.Now().UTC(),
	}
	conversationID, _ := conversationIDOf(env.Event)

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, client := range h.clients {
		if client.ConversationID != "" && client.ConversationID != conversationID {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			// 写队列满的客户端由其writePump自行退出
		}
	}
}

// HandleWebSocket gin处理器：升级连接并注册客户端。
// 可用 ?conversation_id= 过滤单个会话的事件。
func (h *EventStreamHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &StreamClient{
		ID:             fmt.Sprintf("client_%d", time.Now().UnixNano()),
		ConversationID: c.Query("conversation_id"),
		Conn:           conn,
		Send:           make(chan StreamMessage, 256),
		Hub:            h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump 事件流是单向的，读循环只维持心跳和探测断连
func (c *StreamClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *StreamClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
