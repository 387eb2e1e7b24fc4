package internal

import (
	"cmp"
	"crypto/rand"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/escape-room/pkg/errors"
)

// Store 房間存儲
//
// 系統設計考量：
//
//  1. 單一寫入者（actor）：
//     問題：REST 與 WebSocket 兩端同時修改房間，兩份 map 會不一致
//     方案：所有操作都排進 cmds channel，由唯一的 goroutine 依序執行
//     優勢：
//     - 操作之間不會交錯，room 本身不需要鎖
//     - 同一條連接的事件按送達順序處理
//
//  2. 值快照：
//     - 所有方法返回 RoomSnapshot 拷貝
//     - 呼叫方拿不到內部指標，無法繞過 actor 修改狀態
//
//  3. 連接索引（conns）：
//     - connID → {roomID, player}
//     - 斷線時用來找到玩家所在房間
type Store struct {
	cfg    GameConfig
	rooms  map[string]*room      // roomID -> room
	conns  map[string]membership // connID -> membership
	cmds   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// membership 連接索引項
type membership struct {
	roomID string
	player Player
}

// JoinResult 加入房間結果
type JoinResult struct {
	Player   Player
	Room     RoomSnapshot
	Previous *LeaveResult // 連接從其他房間移過來時，記錄離開的房間
}

// LeaveResult 離開房間結果
type LeaveResult struct {
	Player    Player
	Room      RoomSnapshot
	RoomFound bool
}

// PlayerRecord 玩家查詢結果
type PlayerRecord struct {
	Player
	RoomID string `json:"roomId"`
}

// Stats 統計資訊
type Stats struct {
	TotalRooms     int `json:"totalRooms"`
	TotalPlayers   int `json:"totalPlayers"`
	WaitingRooms   int `json:"waitingRooms"`
	ActiveGames    int `json:"activeGames"`
	CompletedGames int `json:"completedGames"`
}

// SweepResult 清理結果
type SweepResult struct {
	TimedOut []RoomSnapshot // 超時被強制結束（success=false）
	Evicted  []RoomSnapshot // 空房間被移除
}

// StoreOption Store 選項
type StoreOption func(*Store)

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator 替換房間 ID 生成器（測試用）
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore 創建房間存儲並啟動 actor
func NewStore(cfg GameConfig, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		cfg:    cfg,
		rooms:  make(map[string]*room),
		conns:  make(map[string]membership),
		cmds:   make(chan func()),
		stopCh: make(chan struct{}),
		now:    time.Now,
		newID:  generateRoomID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.loop()

	return s
}

// loop actor 主循環
func (s *Store) loop() {
	defer s.wg.Done()

	for {
		select {
		case fn := <-s.cmds:
			s.run(fn)
		case <-s.stopCh:
			return
		}
	}
}

// run 執行單一命令，panic 不能讓 actor 停止
func (s *Store) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("房間存儲命令 panic", "panic", r)
		}
	}()
	fn()
}

// exec 將命令交給 actor 並等待完成
func (s *Store) exec(fn func()) error {
	done := make(chan struct{})
	completed := false

	cmd := func() {
		defer close(done)
		fn()
		completed = true
	}

	select {
	case s.cmds <- cmd:
	case <-s.stopCh:
		return apperrors.ErrStoreStopped
	}

	<-done
	if !completed {
		return apperrors.New(apperrors.ErrCodeInternal, "store command failed")
	}
	return nil
}

// Stop 停止 actor，之後的呼叫返回 ErrStoreStopped
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("房間存儲已停止")
}

// ensure 取得或創建房間（需在 actor 內呼叫）
func (s *Store) ensure(roomID string, now time.Time) (*room, bool) {
	if r, ok := s.rooms[roomID]; ok {
		return r, false
	}

	r := newRoom(roomID, "", s.cfg.MaxPlayersPerRoom, now)
	s.rooms[roomID] = r
	s.logger.Info("房間已創建", "room_id", roomID, "source", "realtime")
	return r, true
}

// leave 移除連接對應的玩家（需在 actor 內呼叫）
func (s *Store) leave(connID string, m membership, now time.Time) LeaveResult {
	delete(s.conns, connID)

	r, ok := s.rooms[m.roomID]
	if !ok {
		return LeaveResult{Player: m.player, Room: RoomSnapshot{ID: m.roomID}}
	}

	r.removePlayer(connID, now)
	s.logger.Info("玩家離開房間",
		"room_id", m.roomID,
		"player_id", connID,
		"player_name", m.player.Name)

	return LeaveResult{Player: m.player, Room: r.snapshot(), RoomFound: true}
}

// EnsureRoom 取得房間，不存在則創建（冪等）
func (s *Store) EnsureRoom(roomID string) (RoomSnapshot, error) {
	if roomID == "" {
		return RoomSnapshot{}, apperrors.ErrInvalidInput.WithDetails("roomId is required")
	}

	var snap RoomSnapshot
	err := s.exec(func() {
		r, _ := s.ensure(roomID, s.now())
		snap = r.snapshot()
	})
	return snap, err
}

// AddPlayer 加入玩家
//
// 系統設計重點：
//
// 1. 隱式建房：房間不存在時自動創建（即時通訊端的行為）
// 2. 容量檢查：超過 maxPlayers 返回 ErrRoomFull
// 3. 冪等性：同一連接重複加入同一房間返回 ErrAlreadyInRoom，不產生重複玩家
// 4. 換房：同一連接加入另一房間時，先離開舊房間（Previous 供廣播使用）
func (s *Store) AddPlayer(roomID, connID, name string) (JoinResult, error) {
	if roomID == "" || connID == "" {
		return JoinResult{}, apperrors.ErrInvalidInput.WithDetails("roomId and connection id are required")
	}

	var (
		res   JoinResult
		opErr error
	)
	err := s.exec(func() {
		now := s.now()

		prev, hasPrev := s.conns[connID]
		if hasPrev && prev.roomID == roomID {
			opErr = apperrors.ErrAlreadyInRoom
			return
		}

		r, _ := s.ensure(roomID, now)
		player := Player{ID: connID, Name: name, JoinedAt: now}
		if err := r.addPlayer(player); err != nil {
			opErr = err
			return
		}

		if hasPrev {
			left := s.leave(connID, prev, now)
			res.Previous = &left
		}

		s.conns[connID] = membership{roomID: roomID, player: player}
		res.Player = player
		res.Room = r.snapshot()

		s.logger.Info("玩家加入房間",
			"room_id", roomID,
			"player_id", connID,
			"player_name", name,
			"players", len(r.players))
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, opErr
}

// StartGame 開始遊戲（waiting → playing）
func (s *Store) StartGame(roomID string) (RoomSnapshot, error) {
	var (
		snap  RoomSnapshot
		opErr error
	)
	err := s.exec(func() {
		r, ok := s.rooms[roomID]
		if !ok {
			opErr = apperrors.ErrRoomNotFound
			return
		}
		if err := r.start(s.now()); err != nil {
			opErr = err
			return
		}
		snap = r.snapshot()
		s.logger.Info("遊戲已開始", "room_id", roomID, "players", len(r.players))
	})
	if err != nil {
		return RoomSnapshot{}, err
	}
	return snap, opErr
}

// EndGame 結束遊戲（waiting/playing → finished）
func (s *Store) EndGame(roomID string, success bool) (RoomSnapshot, error) {
	var (
		snap  RoomSnapshot
		opErr error
	)
	err := s.exec(func() {
		r, ok := s.rooms[roomID]
		if !ok {
			opErr = apperrors.ErrRoomNotFound
			return
		}
		if err := r.finish(s.now(), success); err != nil {
			opErr = err
			return
		}
		snap = r.snapshot()
		s.logger.Info("遊戲已結束", "room_id", roomID, "success", success)
	})
	if err != nil {
		return RoomSnapshot{}, err
	}
	return snap, opErr
}

// RemovePlayer 移除連接對應的玩家
//
// 連接從未加入過房間時 ok 為 false。
func (s *Store) RemovePlayer(connID string) (LeaveResult, bool, error) {
	var (
		res LeaveResult
		ok  bool
	)
	err := s.exec(func() {
		m, found := s.conns[connID]
		if !found {
			return
		}
		ok = true
		res = s.leave(connID, m, s.now())
	})
	return res, ok, err
}

// CreateRoom 創建具名房間（REST 端）
func (s *Store) CreateRoom(name string, maxPlayers int) (RoomSnapshot, error) {
	if name == "" {
		return RoomSnapshot{}, apperrors.ErrInvalidInput.WithDetails("name is required")
	}
	if maxPlayers == 0 {
		maxPlayers = s.cfg.MaxPlayersPerRoom
	}
	if maxPlayers < 1 || maxPlayers > MaxRoomCapacity {
		return RoomSnapshot{}, apperrors.ErrInvalidInput.WithDetails("maxPlayers must be between 1 and 100")
	}

	var (
		snap  RoomSnapshot
		opErr error
	)
	err := s.exec(func() {
		// 6 位 ID 空間約 21 億，重試幾次足夠
		for range 10 {
			id := s.newID()
			if _, exists := s.rooms[id]; exists {
				continue
			}
			r := newRoom(id, name, maxPlayers, s.now())
			s.rooms[id] = r
			snap = r.snapshot()
			s.logger.Info("房間已創建",
				"room_id", id,
				"name", name,
				"max_players", maxPlayers,
				"source", "rest")
			return
		}
		opErr = apperrors.New(apperrors.ErrCodeInternal, "could not allocate room id")
	})
	if err != nil {
		return RoomSnapshot{}, err
	}
	return snap, opErr
}

// GetRoom 獲取房間
func (s *Store) GetRoom(roomID string) (RoomSnapshot, error) {
	var (
		snap  RoomSnapshot
		opErr error
	)
	err := s.exec(func() {
		r, ok := s.rooms[roomID]
		if !ok {
			opErr = apperrors.ErrRoomNotFound
			return
		}
		snap = r.snapshot()
	})
	if err != nil {
		return RoomSnapshot{}, err
	}
	return snap, opErr
}

// ListRooms 列出房間（按創建時間排序）
func (s *Store) ListRooms() ([]RoomSummary, error) {
	var list []RoomSummary
	err := s.exec(func() {
		list = make([]RoomSummary, 0, len(s.rooms))
		for _, r := range s.rooms {
			list = append(list, r.summary())
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(list, func(a, b RoomSummary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list, nil
}

// DeleteRoom 刪除房間，並清除其玩家的連接索引
func (s *Store) DeleteRoom(roomID string) (RoomSnapshot, error) {
	var (
		snap  RoomSnapshot
		opErr error
	)
	err := s.exec(func() {
		r, ok := s.rooms[roomID]
		if !ok {
			opErr = apperrors.ErrRoomNotFound
			return
		}
		snap = r.snapshot()
		s.removeRoom(r)
	})
	if err != nil {
		return RoomSnapshot{}, err
	}
	return snap, opErr
}

// removeRoom 移除房間（需在 actor 內呼叫）
func (s *Store) removeRoom(r *room) {
	for _, p := range r.players {
		delete(s.conns, p.ID)
	}
	delete(s.rooms, r.id)
	s.logger.Info("房間已移除", "room_id", r.id)
}

// GetPlayer 依連接 ID 查詢玩家
func (s *Store) GetPlayer(playerID string) (PlayerRecord, error) {
	var (
		rec   PlayerRecord
		opErr error
	)
	err := s.exec(func() {
		m, ok := s.conns[playerID]
		if !ok {
			opErr = apperrors.ErrPlayerNotFound
			return
		}
		rec = PlayerRecord{Player: m.player, RoomID: m.roomID}
	})
	if err != nil {
		return PlayerRecord{}, err
	}
	return rec, opErr
}

// Stats 獲取統計資訊
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.exec(func() {
		st.TotalRooms = len(s.rooms)
		st.TotalPlayers = len(s.conns)
		for _, r := range s.rooms {
			switch r.status {
			case StatusWaiting:
				st.WaitingRooms++
			case StatusPlaying:
				st.ActiveGames++
			case StatusFinished:
				st.CompletedGames++
			}
		}
	})
	return st, err
}

// Sweep 清理過期房間
//
// 策略：
//   - 進行中超過 GameTimeLimit 的遊戲強制結束（success=false）
//   - 無人且閒置超過 EmptyRoomTTL 的房間移除
func (s *Store) Sweep() (SweepResult, error) {
	var res SweepResult
	err := s.exec(func() {
		now := s.now()
		for _, r := range s.rooms {
			if r.isTimedOut(now, s.cfg.GameTimeLimit) {
				if err := r.finish(now, false); err == nil {
					res.TimedOut = append(res.TimedOut, r.snapshot())
					s.logger.Info("遊戲超時結束", "room_id", r.id)
				}
				continue
			}
			if r.isAbandoned(now, s.cfg.EmptyRoomTTL) {
				res.Evicted = append(res.Evicted, r.snapshot())
				s.removeRoom(r)
			}
		}
	})

	byID := func(a, b RoomSnapshot) int { return cmp.Compare(a.ID, b.ID) }
	slices.SortFunc(res.TimedOut, byID)
	slices.SortFunc(res.Evicted, byID)
	return res, err
}

// roomIDAlphabet 36 進位大寫字元
const roomIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// generateRoomID 生成 6 位大寫 36 進位房間 ID
func generateRoomID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = roomIDAlphabet[randInt(len(roomIDAlphabet))]
	}
	return string(b)
}

// randInt 生成 [0, n) 的隨機數
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// 如果隨機讀取失敗，使用時間作為隨機源
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
