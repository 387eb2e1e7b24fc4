package internal

import (
	"encoding/json"
	"time"
)

// 事件名稱（WebSocket 線上格式）
const (
	// 客戶端 → 服務器
	EventJoinRoom  = "join-room"
	EventStartGame = "start-game"
	EventEndGame   = "end-game"
	EventPing      = "ping"

	// 服務器 → 房間廣播
	EventPlayerJoined = "player-joined"
	EventGameStarted  = "game-started"
	EventGameEnded    = "game-ended"
	EventPlayerLeft   = "player-left"
	EventRoomClosed   = "room-closed"

	// 服務器 → 單一連接
	EventConnected = "connected"
	EventPong      = "pong"
	EventError     = "error"
)

// 房間關閉原因
const (
	CloseReasonDeleted = "deleted"
	CloseReasonExpired = "expired"
)

// Event 事件封包
//
// 入站與出站共用同一格式：{"event": "...", "data": {...}}
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// inboundEvent 入站封包，data 延後解析
type inboundEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// JoinRoomRequest join-room 請求
type JoinRoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
}

// StartGameRequest start-game 請求
type StartGameRequest struct {
	RoomID string `json:"roomId"`
}

// EndGameRequest end-game 請求
type EndGameRequest struct {
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
}

// PlayerJoinedPayload player-joined 廣播
type PlayerJoinedPayload struct {
	Player Player       `json:"player"`
	Room   RoomSnapshot `json:"room"`
}

// GameStartedPayload game-started 廣播
type GameStartedPayload struct {
	Room RoomSnapshot `json:"room"`
}

// GameEndedPayload game-ended 廣播
type GameEndedPayload struct {
	Room    RoomSnapshot `json:"room"`
	Success bool         `json:"success"`
}

// PlayerLeftPayload player-left 廣播
type PlayerLeftPayload struct {
	Player Player       `json:"player"`
	Room   RoomSnapshot `json:"room"`
}

// RoomClosedPayload room-closed 廣播
type RoomClosedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// ConnectedPayload connected 通知
type ConnectedPayload struct {
	ID string `json:"id"`
}

// ErrorPayload error 通知（只發給觸發的連接）
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomEvent 房間生命週期事件（交給 Sink 投遞）
type RoomEvent struct {
	Name    string       `json:"event"`
	Room    RoomSnapshot `json:"room"`
	Player  *Player      `json:"player,omitempty"`
	Success *bool        `json:"success,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}
