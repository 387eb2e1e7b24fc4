package internal_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/escape-room/internal"
	apperrors "github.com/koopa0/system-design/escape-room/pkg/errors"
)

// TestStress_ConcurrentJoin 測試併發加入同一房間不會超過容量
func TestStress_ConcurrentJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	store := newTestStore(t)
	room, err := store.CreateRoom("Stress", internal.MaxRoomCapacity)
	require.NoError(t, err)

	const numGoroutines = 500

	var (
		wg       sync.WaitGroup
		joined   atomic.Int32
		full     atomic.Int32
		otherErr atomic.Int32
	)

	start := time.Now()
	for i := range numGoroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, err := store.AddPlayer(room.ID, fmt.Sprintf("conn-%d", i), fmt.Sprintf("玩家%d", i))
			switch {
			case err == nil:
				joined.Add(1)
			case apperrors.IsRoomFull(err):
				full.Add(1)
			default:
				otherErr.Add(1)
			}
		}(i)
	}
	wg.Wait()

	t.Logf("併發加入: %d 次，耗時 %v", numGoroutines, time.Since(start))

	assert.Equal(t, int32(internal.MaxRoomCapacity), joined.Load())
	assert.Equal(t, int32(numGoroutines-internal.MaxRoomCapacity), full.Load())
	assert.Zero(t, otherErr.Load())

	snap, err := store.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Players, internal.MaxRoomCapacity)
}

// TestStress_ConcurrentRoomCreation 測試併發創建房間 ID 不重複
func TestStress_ConcurrentRoomCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	store := newTestStore(t)

	const (
		numGoroutines     = 50
		roomsPerGoroutine = 20
	)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)

	for g := range numGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := range roomsPerGoroutine {
				snap, err := store.CreateRoom(fmt.Sprintf("房間_%d_%d", g, j), 0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[snap.ID] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, ids, numGoroutines*roomsPerGoroutine)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, numGoroutines*roomsPerGoroutine, stats.TotalRooms)
}

// TestStress_SessionBroadcast 測試多房間併發遊戲時廣播只到達本房間
func TestStress_SessionBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	cfg := testGameConfig()
	cfg.MaxPlayersPerRoom = 10
	logger := newTestLogger()
	store := internal.NewStore(cfg, logger)
	session := internal.NewSession(store, nil, 0, logger)
	t.Cleanup(func() {
		session.Stop()
		store.Stop()
	})

	const (
		numRooms       = 20
		playersPerRoom = 5
	)

	ctx := context.Background()
	clients := make([][]*fakeClient, numRooms)

	var wg sync.WaitGroup
	for r := range numRooms {
		clients[r] = make([]*fakeClient, playersPerRoom)
		for p := range playersPerRoom {
			c := newFakeClient(fmt.Sprintf("c-%d-%d", r, p))
			clients[r][p] = c

			wg.Add(1)
			go func() {
				defer wg.Done()
				session.Join(ctx, c, internal.JoinRoomRequest{
					RoomID:     fmt.Sprintf("R%d", r),
					PlayerName: c.ID(),
				})
			}()
		}
	}
	wg.Wait()

	for r := range numRooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roomID := fmt.Sprintf("R%d", r)
			session.StartGame(ctx, clients[r][0], internal.StartGameRequest{RoomID: roomID})
			session.EndGame(ctx, clients[r][0], internal.EndGameRequest{RoomID: roomID, Success: r%2 == 0})
		}()
	}
	wg.Wait()

	for r := range numRooms {
		assert.Equal(t, playersPerRoom, session.GroupSize(fmt.Sprintf("R%d", r)))

		for _, c := range clients[r] {
			var joins, started, ended int
			for _, ev := range c.Events() {
				switch ev.Type {
				case internal.EventPlayerJoined:
					joins++
					payload := ev.Data.(internal.PlayerJoinedPayload)
					assert.Equal(t, fmt.Sprintf("R%d", r), payload.Room.ID)
				case internal.EventGameStarted:
					started++
				case internal.EventGameEnded:
					ended++
				}
			}
			// 每個玩家至少看到自己的加入，最多看到房間內所有人的加入
			assert.GreaterOrEqual(t, joins, 1)
			assert.LessOrEqual(t, joins, playersPerRoom)
			assert.Equal(t, 1, started, c.ID())
			assert.Equal(t, 1, ended, c.ID())
		}
	}
}
