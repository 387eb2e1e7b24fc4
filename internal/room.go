package internal

import (
	"fmt"
	"time"

	apperrors "github.com/koopa0/system-design/escape-room/pkg/errors"
)

// 系統設計問題：
//   密室逃脫房間的生命週期如何管理，REST 與即時通訊兩端如何共用同一份狀態？
//
// 核心挑戰：
//   1. 狀態管理：waiting → playing → finished，只能前進、不能倒退
//   2. 單一真相來源：REST 目錄與 WebSocket 房間必須是同一個房間
//   3. 資源回收：空房間與超時遊戲需要自動處理
//
// 設計方案：
//   ✅ 有限狀態機（FSM）- 規範狀態轉換，非法操作回報錯誤
//   ✅ Store actor 單一寫入者 - Room 本身不加鎖
//   ✅ 快照（RoomSnapshot）- 對外只暴露值拷貝

// MaxRoomCapacity 單一房間容量上限
const MaxRoomCapacity = 100

// RoomStatus 房間狀態
//
// 有限狀態機設計：
//
//	waiting → playing → finished
//	   └──────────────────┘
//
// 狀態轉換規則：
//   - waiting → playing：開始遊戲（記錄 startTime）
//   - playing → finished：遊戲結束或超時（記錄 endTime 與結果）
//   - waiting → finished：未開始就結束（startTime 保持為空）
//   - 其他轉換一律拒絕（包括重複開始、重複結束）
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"  // 等待玩家
	StatusPlaying  RoomStatus = "playing"  // 遊戲進行中
	StatusFinished RoomStatus = "finished" // 遊戲結束
)

// CanTransition 檢查狀態轉換是否合法
func (s RoomStatus) CanTransition(to RoomStatus) bool {
	switch s {
	case StatusWaiting:
		return to == StatusPlaying || to == StatusFinished
	case StatusPlaying:
		return to == StatusFinished
	default:
		return false
	}
}

// Player 玩家資訊
//
// ID 即 WebSocket 連接 ID；名稱不驗證，允許空字串與重複。
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomSnapshot 房間狀態快照（用於序列化與廣播）
type RoomSnapshot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Players    []Player   `json:"players"`
	MaxPlayers int        `json:"maxPlayers"`
	Status     RoomStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartTime  *time.Time `json:"startTime"`
	EndTime    *time.Time `json:"endTime"`
	Success    *bool      `json:"success"`
}

// RoomSummary 房間列表摘要
type RoomSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PlayerCount int        `json:"playerCount"`
	MaxPlayers  int        `json:"maxPlayers"`
	Status      RoomStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// room 遊戲房間
//
// 只由 Store 的 actor goroutine 存取，因此沒有鎖。
// players 保持加入順序。
type room struct {
	id         string
	name       string
	maxPlayers int
	players    []Player
	status     RoomStatus
	createdAt  time.Time
	startTime  *time.Time
	endTime    *time.Time
	success    *bool
	lastActive time.Time // 最後活動時間（資源回收）
}

// newRoom 創建新房間
func newRoom(id, name string, maxPlayers int, now time.Time) *room {
	if name == "" {
		name = id
	}
	return &room{
		id:         id,
		name:       name,
		maxPlayers: maxPlayers,
		players:    make([]Player, 0, maxPlayers),
		status:     StatusWaiting,
		createdAt:  now,
		lastActive: now,
	}
}

// addPlayer 加入玩家
//
// 狀態機驗證：finished 房間不再接受玩家；
// waiting 與 playing 都允許加入（遊戲中可以有隊友晚到）。
func (r *room) addPlayer(p Player) error {
	if r.status == StatusFinished {
		return apperrors.ErrInvalidTransition.WithDetails("room already finished")
	}

	// 容量檢查
	if len(r.players) >= r.maxPlayers {
		return apperrors.ErrRoomFull.WithDetails(fmt.Sprintf("max players %d", r.maxPlayers))
	}

	r.players = append(r.players, p)
	r.lastActive = p.JoinedAt
	return nil
}

// removePlayer 依 ID 移除玩家，其他玩家順序不變
func (r *room) removePlayer(playerID string, now time.Time) (Player, bool) {
	for i, p := range r.players {
		if p.ID != playerID {
			continue
		}
		r.players = append(r.players[:i], r.players[i+1:]...)
		r.lastActive = now
		return p, true
	}
	return Player{}, false
}

// start 開始遊戲（waiting → playing）
func (r *room) start(now time.Time) error {
	if !r.status.CanTransition(StatusPlaying) {
		return apperrors.ErrInvalidTransition.WithDetails(fmt.Sprintf("cannot start game in status %s", r.status))
	}

	r.status = StatusPlaying
	r.startTime = &now
	r.lastActive = now
	return nil
}

// finish 結束遊戲（waiting/playing → finished）
func (r *room) finish(now time.Time, success bool) error {
	if !r.status.CanTransition(StatusFinished) {
		return apperrors.ErrInvalidTransition.WithDetails(fmt.Sprintf("cannot end game in status %s", r.status))
	}

	r.status = StatusFinished
	r.endTime = &now
	r.success = &success
	r.lastActive = now
	return nil
}

// isTimedOut 遊戲是否超過時限
func (r *room) isTimedOut(now time.Time, limit time.Duration) bool {
	return limit > 0 &&
		r.status == StatusPlaying &&
		r.startTime != nil &&
		now.Sub(*r.startTime) > limit
}

// isAbandoned 無人房間閒置超過 ttl（ttl 為 0 時不回收）
func (r *room) isAbandoned(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && len(r.players) == 0 && now.Sub(r.lastActive) > ttl
}

// snapshot 獲取房間狀態快照
//
// 指標欄位也要複製，快照離開 actor 後不能再被修改。
func (r *room) snapshot() RoomSnapshot {
	players := make([]Player, len(r.players))
	copy(players, r.players)

	return RoomSnapshot{
		ID:         r.id,
		Name:       r.name,
		Players:    players,
		MaxPlayers: r.maxPlayers,
		Status:     r.status,
		CreatedAt:  r.createdAt,
		StartTime:  copyTime(r.startTime),
		EndTime:    copyTime(r.endTime),
		Success:    copyBool(r.success),
	}
}

// summary 獲取房間摘要
func (r *room) summary() RoomSummary {
	return RoomSummary{
		ID:          r.id,
		Name:        r.name,
		PlayerCount: len(r.players),
		MaxPlayers:  r.maxPlayers,
		Status:      r.status,
		CreatedAt:   r.createdAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
