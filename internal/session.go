package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/escape-room/pkg/errors"
)

// 系統設計問題：
//   客戶端送來的房間事件如何變成狀態變更，再推送給同房間的所有人？
//
// 核心挑戰：
//   1. 廣播分組：只推給同一房間的連接
//   2. 錯誤回報：非法操作只告訴發送者，不打擾房間其他人
//   3. 資源回收：超時遊戲與空房間由背景循環處理，也要通知客戶端
//
// 設計方案：
//   ✅ Store 負責狀態，Session 只負責分組與推送
//   ✅ 廣播分組：map[roomID]map[connID]Client
//   ✅ 每次廣播同時交給 Dispatcher 投遞到外部 Sink

// Client 可接收事件的連接（WebSocket 連接或測試替身）
type Client interface {
	ID() string
	// Send 非阻塞送出事件，連接已關閉或緩衝區滿時返回 false
	Send(ev Event) bool
}

// Session 即時房間事件處理與廣播
type Session struct {
	store      *Store
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu      sync.RWMutex
	groups  map[string]map[string]Client // roomID -> connID -> Client
	members map[string]string            // connID -> roomID

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

// NewSession 創建 Session 並啟動清理循環
//
// dispatcher 可以為 nil（不投遞外部事件）；cleanupInterval 為 0 時不啟動清理循環。
func NewSession(store *Store, dispatcher *Dispatcher, cleanupInterval time.Duration, logger *slog.Logger) *Session {
	s := &Session{
		store:           store,
		dispatcher:      dispatcher,
		logger:          logger,
		groups:          make(map[string]map[string]Client),
		members:         make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}

	if cleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	return s
}

// Stop 停止清理循環
func (s *Session) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Session 已停止")
}

// HandleMessage 解析並處理一個入站封包
//
// 格式錯誤與未知事件回報給發送者，連接保持開啟。
func (s *Session) HandleMessage(ctx context.Context, c Client, raw []byte) {
	var in inboundEvent
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		s.sendError(c, "", apperrors.ErrInvalidInput.WithDetails("malformed message"))
		return
	}

	switch in.Type {
	case EventJoinRoom:
		var req JoinRoomRequest
		if s.decode(c, in, &req) {
			s.Join(ctx, c, req)
		}
	case EventStartGame:
		var req StartGameRequest
		if s.decode(c, in, &req) {
			s.StartGame(ctx, c, req)
		}
	case EventEndGame:
		var req EndGameRequest
		if s.decode(c, in, &req) {
			s.EndGame(ctx, c, req)
		}
	case EventPing:
		c.Send(Event{Type: EventPong})
	default:
		s.logger.DebugContext(ctx, "收到未知事件", "event", in.Type)
		s.sendError(c, in.Type, apperrors.ErrInvalidInput.WithDetails("unknown event"))
	}
}

// decode 解析 data，缺少 data 視為空物件
func (s *Session) decode(c Client, in inboundEvent, v any) bool {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		s.sendError(c, in.Type, apperrors.ErrInvalidInput.WithDetails("malformed data"))
		return false
	}
	return true
}

// Join 處理 join-room
//
// 流程：
//  1. Store.AddPlayer（必要時隱式建房）
//  2. 連接加入房間分組（換房時同時離開舊分組）
//  3. 舊房間廣播 player-left，新房間廣播 player-joined（包含發送者）
func (s *Session) Join(ctx context.Context, c Client, req JoinRoomRequest) {
	res, err := s.store.AddPlayer(req.RoomID, c.ID(), req.PlayerName)
	if err != nil {
		s.logger.DebugContext(ctx, "加入房間被拒絕",
			"room_id", req.RoomID,
			"error", err)
		s.sendError(c, EventJoinRoom, err)
		return
	}

	s.attach(ctx, c, res)
}

// attach 加入分組並廣播加入結果
//
// AddPlayer 與 subscribe 之間房間可能已被刪除或回收（closeRoom 已解散分組），
// 因此分組後再向 Store 確認一次，過期的加入改為回報錯誤給發送者。
func (s *Session) attach(ctx context.Context, c Client, res JoinResult) {
	s.subscribe(res.Room.ID, c)

	stale := false
	rec, err := s.store.GetPlayer(c.ID())
	if err != nil || rec.RoomID != res.Room.ID {
		stale = true
		s.unsubscribe(c.ID())
		s.logger.DebugContext(ctx, "加入時房間已關閉", "room_id", res.Room.ID)
	}

	if prev := res.Previous; prev != nil && prev.RoomFound {
		player := prev.Player
		s.publish(prev.Room.ID,
			Event{Type: EventPlayerLeft, Data: PlayerLeftPayload{Player: player, Room: prev.Room}},
			RoomEvent{Name: EventPlayerLeft, Room: prev.Room, Player: &player})
	}

	if stale {
		if err == nil || apperrors.IsNotFound(err) {
			err = apperrors.ErrRoomNotFound
		}
		s.sendError(c, EventJoinRoom, err)
		return
	}

	player := res.Player
	s.publish(res.Room.ID,
		Event{Type: EventPlayerJoined, Data: PlayerJoinedPayload{Player: player, Room: res.Room}},
		RoomEvent{Name: EventPlayerJoined, Room: res.Room, Player: &player})
}

// StartGame 處理 start-game
//
// 房間不存在時靜默忽略；狀態不允許時只回報給發送者。
func (s *Session) StartGame(ctx context.Context, c Client, req StartGameRequest) {
	snap, err := s.store.StartGame(req.RoomID)
	if err != nil {
		s.rejected(ctx, c, EventStartGame, req.RoomID, err)
		return
	}

	s.publish(snap.ID,
		Event{Type: EventGameStarted, Data: GameStartedPayload{Room: snap}},
		RoomEvent{Name: EventGameStarted, Room: snap})
}

// EndGame 處理 end-game
func (s *Session) EndGame(ctx context.Context, c Client, req EndGameRequest) {
	snap, err := s.store.EndGame(req.RoomID, req.Success)
	if err != nil {
		s.rejected(ctx, c, EventEndGame, req.RoomID, err)
		return
	}

	success := req.Success
	s.publish(snap.ID,
		Event{Type: EventGameEnded, Data: GameEndedPayload{Room: snap, Success: success}},
		RoomEvent{Name: EventGameEnded, Room: snap, Success: &success})
}

// rejected 處理 start/end 失敗
func (s *Session) rejected(ctx context.Context, c Client, event, roomID string, err error) {
	if apperrors.IsNotFound(err) {
		s.logger.DebugContext(ctx, "房間不存在，忽略事件",
			"event", event,
			"room_id", roomID)
		return
	}

	s.logger.DebugContext(ctx, "房間事件被拒絕",
		"event", event,
		"room_id", roomID,
		"error", err)
	s.sendError(c, event, err)
}

// Disconnect 處理連接斷開
//
// 從未加入房間的連接不產生任何廣播。
func (s *Session) Disconnect(ctx context.Context, c Client) {
	s.unsubscribe(c.ID())

	res, ok, err := s.store.RemovePlayer(c.ID())
	if err != nil {
		s.logger.WarnContext(ctx, "移除玩家失敗", "error", err)
		return
	}
	if !ok || !res.RoomFound {
		return
	}

	player := res.Player
	s.publish(res.Room.ID,
		Event{Type: EventPlayerLeft, Data: PlayerLeftPayload{Player: player, Room: res.Room}},
		RoomEvent{Name: EventPlayerLeft, Room: res.Room, Player: &player})
}

// DeleteRoom 刪除房間並通知房間內的連接
func (s *Session) DeleteRoom(ctx context.Context, roomID string) (RoomSnapshot, error) {
	snap, err := s.store.DeleteRoom(roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}

	s.logger.InfoContext(ctx, "房間已刪除", "room_id", roomID)
	s.closeRoom(snap, CloseReasonDeleted)
	return snap, nil
}

// Sweep 執行一次清理並廣播結果
func (s *Session) Sweep(ctx context.Context) (SweepResult, error) {
	res, err := s.store.Sweep()
	if err != nil {
		return SweepResult{}, err
	}

	for _, snap := range res.TimedOut {
		success := false
		s.publish(snap.ID,
			Event{Type: EventGameEnded, Data: GameEndedPayload{Room: snap, Success: success}},
			RoomEvent{Name: EventGameEnded, Room: snap, Success: &success, Reason: "timeout"})
	}
	for _, snap := range res.Evicted {
		s.closeRoom(snap, CloseReasonExpired)
	}

	if len(res.TimedOut) > 0 || len(res.Evicted) > 0 {
		s.logger.InfoContext(ctx, "房間清理完成",
			"timed_out", len(res.TimedOut),
			"evicted", len(res.Evicted))
	}
	return res, nil
}

// GroupSize 房間分組中的連接數
func (s *Session) GroupSize(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[roomID])
}

// cleanupLoop 定期清理
func (s *Session) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("房間清理失敗", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// closeRoom 廣播 room-closed 並解散分組
func (s *Session) closeRoom(snap RoomSnapshot, reason string) {
	s.publish(snap.ID,
		Event{Type: EventRoomClosed, Data: RoomClosedPayload{RoomID: snap.ID, Reason: reason}},
		RoomEvent{Name: EventRoomClosed, Room: snap, Reason: reason})

	s.mu.Lock()
	for connID := range s.groups[snap.ID] {
		delete(s.members, connID)
	}
	delete(s.groups, snap.ID)
	s.mu.Unlock()
}

// subscribe 連接加入房間分組，同時離開原本的分組
func (s *Session) subscribe(roomID string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveGroupLocked(c.ID())

	group, ok := s.groups[roomID]
	if !ok {
		group = make(map[string]Client)
		s.groups[roomID] = group
	}
	group[c.ID()] = c
	s.members[c.ID()] = roomID
}

// unsubscribe 連接離開所在分組
func (s *Session) unsubscribe(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveGroupLocked(connID)
}

func (s *Session) leaveGroupLocked(connID string) {
	roomID, ok := s.members[connID]
	if !ok {
		return
	}
	delete(s.members, connID)

	if group, ok := s.groups[roomID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(s.groups, roomID)
		}
	}
}

// publish 廣播到房間分組並交給 Dispatcher
func (s *Session) publish(roomID string, ev Event, rev RoomEvent) {
	s.broadcast(roomID, ev)

	rev.At = time.Now()
	s.dispatcher.Dispatch(rev)
}

// broadcast 廣播到房間分組
//
// Send 不阻塞：緩衝區滿的連接會漏掉這次事件，不拖累房間其他人。
func (s *Session) broadcast(roomID string, ev Event) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for connID, c := range s.groups[roomID] {
		if !c.Send(ev) {
			s.logger.Warn("連接緩衝區滿或已關閉",
				"room_id", roomID,
				"conn_id", connID,
				"event", ev.Type)
			continue
		}
		sent++
	}
	return sent
}

// sendError 只發給發送者
func (s *Session) sendError(c Client, event string, err error) {
	c.Send(Event{
		Type: EventError,
		Data: ErrorPayload{
			Event:   event,
			Code:    apperrors.Code(err),
			Message: errorMessage(err),
		},
	})
}

// errorMessage 給客戶端看的錯誤訊息（不含錯誤碼前綴）
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return "internal error"
	}
	if appErr.Details != "" {
		return appErr.Message + ": " + appErr.Details
	}
	return appErr.Message
}
