package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/escape-room/pkg/logger"
)

// 系統設計問題：
//   如何讓多名玩家即時看到同一個房間的狀態變化？
//
// 核心挑戰：
//   1. 實時通信：房間狀態變更需要立即推送給所有玩家
//   2. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   3. 慢客戶端：不能拖累同房間的其他人
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 管理連接生命週期，Session 管理房間分組
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（不阻塞）

// Hub WebSocket 連接中心
//
// 與房間無關：連接建立時還不知道會加入哪個房間，
// 房間分組由 Session 在 join-room 時建立。
type Hub struct {
	session     *Session
	cfg         WebSocketConfig
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]*Connection // connID -> Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// Connection WebSocket 連接
type Connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	ctx    context.Context
	mu     sync.Mutex
	closed bool
}

// NewHub 創建 WebSocket Hub
func NewHub(session *Session, cfg WebSocketConfig, logger *slog.Logger) *Hub {
	hub := &Hub{
		session:     session,
		cfg:         cfg,
		logger:      logger,
		connections: make(map[string]*Connection),
	}

	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     hub.checkOrigin,
	}

	return hub
}

// checkOrigin 來源檢查
//
// 未設定 AllowedOrigins 或包含 "*" 時全部允許；非瀏覽器客戶端沒有 Origin，也允許。
func (hub *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(hub.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(hub.cfg.AllowedOrigins, "*") ||
		slices.Contains(hub.cfg.AllowedOrigins, origin)
}

// ServeWS 處理 WebSocket 連接
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回覆了 HTTP 錯誤
		hub.logger.Warn("升級 WebSocket 失敗", "error", err)
		return
	}

	id := uuid.NewString()
	c := &Connection{
		id:   id,
		conn: conn,
		send: make(chan []byte, hub.cfg.SendBuffer),
		hub:  hub,
		ctx:  logger.WithConnID(context.Background(), id),
	}

	hub.register(c)
	c.Send(Event{Type: EventConnected, Data: ConnectedPayload{ID: id}})

	hub.wg.Add(2)
	go c.writePump()
	go c.readPump()

	hub.logger.InfoContext(c.ctx, "WebSocket 連接建立", "remote_addr", r.RemoteAddr)
}

// register 註冊連接
func (hub *Hub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[c.id] = c
}

// unregister 取消註冊並關閉發送通道
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	delete(hub.connections, c.id)
	hub.mu.Unlock()

	c.closeSend()
}

// ConnectionCount 目前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連接並等待讀寫 goroutine 結束
//
// 每條連接的 readPump 退出時會呼叫 Session.Disconnect，
// 因此 Stop 必須在 Session 與 Store 停止之前呼叫。
func (hub *Hub) Stop() {
	hub.mu.RLock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.RUnlock()

	for _, c := range conns {
		// writePump 發送關閉幀後關閉底層連接，readPump 隨之退出
		c.closeSend()
	}

	hub.wg.Wait()
	hub.logger.Info("WebSocket Hub 已停止")
}

// ID 實現 Client
func (c *Connection) ID() string { return c.id }

// Send 實現 Client
//
// 緩衝區滿時丟棄（避免慢客戶端拖累整個房間）。
func (c *Connection) Send(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.hub.logger.ErrorContext(c.ctx, "序列化事件失敗", "event", ev.Type, "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 關閉發送通道（只關一次）
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 讀取客戶端消息
//
// 心跳（讀取端）：
//   - PongWait（預設 60s）內沒有收到任何消息（包括 Pong）就關閉連接
//   - 收到 Pong → 延長讀取期限
//
// 同一連接的消息在這個 goroutine 依序處理，保證事件順序。
// 退出時視為斷線：通知 Session 移除玩家並廣播 player-left。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.session.Disconnect(c.ctx, c)
		c.conn.Close()
		c.hub.wg.Done()
		c.hub.logger.InfoContext(c.ctx, "WebSocket 連接關閉")
	}()

	pongWait := c.hub.cfg.PongWait

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WarnContext(c.ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.hub.session.HandleMessage(c.ctx, c, message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳（發送端）：每 PingPeriod（預設 54s）發送 Ping，
// 必須小於 PongWait，留出網絡延遲的余量。
//
// 發送通道被關閉時，送出關閉幀並結束。
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	writeWait := c.hub.cfg.WriteWait

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// 嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.DebugContext(c.ctx, "發送消息失敗", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
