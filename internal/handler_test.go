package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/escape-room/internal"
)

type handlerEnv struct {
	store   *internal.Store
	session *internal.Session
	router  http.Handler
}

func newHandlerEnv(t *testing.T, opts internal.HandlerOptions) *handlerEnv {
	t.Helper()

	logger := newTestLogger()
	store := internal.NewStore(testGameConfig(), logger)
	session := internal.NewSession(store, nil, 0, logger)
	t.Cleanup(func() {
		session.Stop()
		store.Stop()
	})

	handler := internal.NewHandler(store, session, logger, opts)
	return &handlerEnv{store: store, session: session, router: handler.Routes()}
}

func (e *handlerEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w, resp
}

// TestHandler_CreateRoom 測試創建房間 API
func TestHandler_CreateRoom(t *testing.T) {
	idPattern := regexp.MustCompile(`^[0-9A-Z]{6}$`)

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "create room successfully",
			requestBody:    map[string]any{"name": "Test"},
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, true, resp["success"])
				room := resp["room"].(map[string]any)
				assert.Regexp(t, idPattern, room["id"])
				assert.Equal(t, "Test", room["name"])
				assert.Equal(t, float64(4), room["maxPlayers"])
				assert.Equal(t, "waiting", room["status"])
				assert.Empty(t, room["players"])
				assert.NotEmpty(t, room["createdAt"])
			},
		},
		{
			name:           "custom capacity",
			requestBody:    map[string]any{"name": "Big", "maxPlayers": 8},
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				room := resp["room"].(map[string]any)
				assert.Equal(t, float64(8), room["maxPlayers"])
			},
		},
		{
			name:           "missing name",
			requestBody:    map[string]any{},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, false, resp["success"])
				assert.Contains(t, resp["error"], "name is required")
			},
		},
		{
			name:           "blank name",
			requestBody:    map[string]any{"name": "   "},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "max players too large",
			requestBody:    map[string]any{"name": "Test", "maxPlayers": 101},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Contains(t, resp["error"], "maxPlayers")
			},
		},
		{
			name:           "max players zero",
			requestBody:    map[string]any{"name": "Test", "maxPlayers": 0},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "body too large",
			requestBody:    `{"name":"` + strings.Repeat("a", 70<<10) + `"}`,
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "INVALID_INPUT", resp["code"])
				assert.Contains(t, resp["error"], "too large")
			},
		},
		{
			name:           "invalid body",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "INVALID_INPUT", resp["code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t, internal.HandlerOptions{})

			w, resp := env.do(t, http.MethodPost, "/api/game/rooms", tt.requestBody)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

// TestHandler_GetRoom 測試房間詳情
func TestHandler_GetRoom(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	_, err := env.store.AddPlayer("R1", "c1", "Ann")
	require.NoError(t, err)

	w, resp := env.do(t, http.MethodGet, "/api/game/rooms/R1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	room := resp["room"].(map[string]any)
	assert.Equal(t, "R1", room["id"])
	players := room["players"].([]any)
	require.Len(t, players, 1)
	assert.Equal(t, "Ann", players[0].(map[string]any)["name"])
	assert.Nil(t, room["startTime"])

	w, resp = env.do(t, http.MethodGet, "/api/game/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "room not found", resp["error"])
}

// TestHandler_ListRooms 測試房間列表
func TestHandler_ListRooms(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	w, resp := env.do(t, http.MethodGet, "/api/game/rooms", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, resp["rooms"])

	_, err := env.store.AddPlayer("R1", "c1", "Ann")
	require.NoError(t, err)
	_, err = env.store.CreateRoom("Named", 2)
	require.NoError(t, err)

	_, resp = env.do(t, http.MethodGet, "/api/game/rooms", nil)
	rooms := resp["rooms"].([]any)
	require.Len(t, rooms, 2)

	byName := map[string]map[string]any{}
	for _, r := range rooms {
		room := r.(map[string]any)
		byName[room["name"].(string)] = room
	}
	assert.Equal(t, float64(1), byName["R1"]["playerCount"])
	assert.Equal(t, float64(0), byName["Named"]["playerCount"])
	assert.Equal(t, float64(2), byName["Named"]["maxPlayers"])
}

// TestHandler_DeleteRoom 測試刪除房間
func TestHandler_DeleteRoom(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	alice := newFakeClient("c1")
	env.session.Join(context.Background(), alice, internal.JoinRoomRequest{RoomID: "R1", PlayerName: "Alice"})

	w, resp := env.do(t, http.MethodDelete, "/api/game/rooms/R1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["message"])

	// 房間內的連接收到 room-closed
	assert.Equal(t, internal.EventRoomClosed, alice.Last(t).Type)

	w, resp = env.do(t, http.MethodGet, "/api/game/rooms/R1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = env.do(t, http.MethodDelete, "/api/game/rooms/R1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])
}

// TestHandler_GetPlayer 測試玩家查詢（即時端加入的玩家也查得到）
func TestHandler_GetPlayer(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	alice := newFakeClient("c1")
	env.session.Join(context.Background(), alice, internal.JoinRoomRequest{RoomID: "R1", PlayerName: "Alice"})

	w, resp := env.do(t, http.MethodGet, "/api/game/players/c1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	player := resp["player"].(map[string]any)
	assert.Equal(t, "c1", player["id"])
	assert.Equal(t, "Alice", player["name"])
	assert.Equal(t, "R1", player["roomId"])

	w, resp = env.do(t, http.MethodGet, "/api/game/players/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "player not found", resp["error"])
}

// TestHandler_Stats 測試統計
func TestHandler_Stats(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	_, err := env.store.AddPlayer("R1", "c1", "Ann")
	require.NoError(t, err)
	_, err = env.store.AddPlayer("R2", "c2", "Bob")
	require.NoError(t, err)
	_, err = env.store.StartGame("R2")
	require.NoError(t, err)

	w, resp := env.do(t, http.MethodGet, "/api/game/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	stats := resp["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["totalRooms"])
	assert.Equal(t, float64(2), stats["totalPlayers"])
	assert.Equal(t, float64(1), stats["waitingRooms"])
	assert.Equal(t, float64(1), stats["activeGames"])
	assert.Equal(t, float64(0), stats["completedGames"])
}

// fakeResults ResultReader 測試替身
type fakeResults struct {
	results   []internal.GameResult
	err       error
	lastLimit int
}

func (f *fakeResults) Recent(_ context.Context, limit int) ([]internal.GameResult, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// TestHandler_Results 測試遊戲結果查詢
func TestHandler_Results(t *testing.T) {
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	duration := int64(600000)
	results := &fakeResults{results: []internal.GameResult{{
		ID:          1,
		RoomID:      "R1",
		RoomName:    "R1",
		PlayerNames: []string{"Ann"},
		StartedAt:   &started,
		EndedAt:     started.Add(10 * time.Minute),
		Success:     true,
		DurationMS:  &duration,
	}}}

	tests := []struct {
		name           string
		opts           internal.HandlerOptions
		query          string
		expectedStatus int
		expectedLimit  int
	}{
		{name: "archive disabled", opts: internal.HandlerOptions{}, expectedStatus: http.StatusServiceUnavailable},
		{name: "default limit", opts: internal.HandlerOptions{Results: results}, expectedStatus: http.StatusOK, expectedLimit: 20},
		{name: "custom limit", opts: internal.HandlerOptions{Results: results}, query: "?limit=5", expectedStatus: http.StatusOK, expectedLimit: 5},
		{name: "limit capped", opts: internal.HandlerOptions{Results: results}, query: "?limit=1000", expectedStatus: http.StatusOK, expectedLimit: 100},
		{name: "invalid limit", opts: internal.HandlerOptions{Results: results}, query: "?limit=abc", expectedStatus: http.StatusBadRequest},
		{name: "backend error", opts: internal.HandlerOptions{Results: &fakeResults{err: errors.New("db down")}}, expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results.lastLimit = 0
			env := newHandlerEnv(t, tt.opts)

			w, resp := env.do(t, http.MethodGet, "/api/game/results"+tt.query, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus != http.StatusOK {
				assert.Equal(t, false, resp["success"])
				return
			}
			assert.Equal(t, tt.expectedLimit, results.lastLimit)
			list := resp["results"].([]any)
			require.Len(t, list, 1)
			first := list[0].(map[string]any)
			assert.Equal(t, "R1", first["roomId"])
			assert.Equal(t, float64(600000), first["durationMs"])
		})
	}
}

// TestHandler_Index 測試首頁與健康檢查
func TestHandler_Index(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{Connections: func() int { return 3 }})

	w, resp := env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, internal.Version, resp["version"])
	assert.NotEmpty(t, resp["message"])
	assert.NotEmpty(t, resp["timestamp"])

	w, resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Contains(t, resp, "uptime")
	assert.Equal(t, float64(3), resp["connections"])
}

// TestHandler_NotFound 測試未知路徑
func TestHandler_NotFound(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	for _, path := range []string{"/nope", "/api/game", "/api/game/unknown/x"} {
		w, resp := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, false, resp["success"])
		assert.Equal(t, "Not found", resp["error"])
	}
}

// TestHandler_RequestID 測試請求 ID
func TestHandler_RequestID(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// TestHandler_StoreStopped 測試存儲停止時返回 503
func TestHandler_StoreStopped(t *testing.T) {
	env := newHandlerEnv(t, internal.HandlerOptions{})
	env.store.Stop()

	w, resp := env.do(t, http.MethodGet, "/api/game/rooms", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp["code"])
}
