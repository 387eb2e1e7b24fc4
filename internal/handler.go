package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/escape-room/pkg/errors"
	"github.com/koopa0/system-design/escape-room/pkg/logger"
)

// Version 服務版本（顯示於首頁）
const Version = "1.0.0"

const (
	defaultResultsLimit = 20
	maxResultsLimit     = 100

	// maxRequestBodySize 創建房間請求的大小上限
	maxRequestBodySize = 64 << 10
)

// RoomCloser 刪除房間並通知連接（由 Session 實現）
type RoomCloser interface {
	DeleteRoom(ctx context.Context, roomID string) (RoomSnapshot, error)
}

// ResultReader 讀取遊戲結果存檔（由 Archive 實現）
type ResultReader interface {
	Recent(ctx context.Context, limit int) ([]GameResult, error)
}

// HandlerOptions 可選依賴
type HandlerOptions struct {
	// Results 為 nil 時 /api/game/results 返回 503
	Results ResultReader
	// Connections 目前 WebSocket 連接數，顯示在 /health
	Connections func() int
}

// Handler HTTP 請求處理器
type Handler struct {
	store     *Store
	rooms     RoomCloser
	results   ResultReader
	conns     func() int
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(store *Store, rooms RoomCloser, logger *slog.Logger, opts HandlerOptions) *Handler {
	return &Handler{
		store:     store,
		rooms:     rooms,
		results:   opts.Results,
		conns:     opts.Connections,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：recoverer → requestID → logger
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 房間目錄 API
	mux.HandleFunc("GET /api/game/rooms", wrap(h.listRooms))
	mux.HandleFunc("POST /api/game/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/game/rooms/{roomId}", wrap(h.getRoom))
	mux.HandleFunc("DELETE /api/game/rooms/{roomId}", wrap(h.deleteRoom))
	mux.HandleFunc("GET /api/game/players/{playerId}", wrap(h.getPlayer))
	mux.HandleFunc("GET /api/game/stats", wrap(h.stats))
	mux.HandleFunc("GET /api/game/results", wrap(h.listResults))

	// 首頁與健康檢查
	mux.HandleFunc("GET /{$}", wrap(h.index))
	mux.HandleFunc("GET /health", wrap(h.health))

	// 其他路徑一律 404
	mux.HandleFunc("/", wrap(h.notFound))

	return mux
}

// 請求結構
type createRoomRequest struct {
	Name       string `json:"name"`
	MaxPlayers *int   `json:"maxPlayers,omitempty"`
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.store.ListRooms()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"rooms":   rooms,
	}, http.StatusOK)
}

// createRoom 創建房間
//
// maxPlayers 省略時使用預設容量；提供時必須在 1-100 之間。
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperrors.ErrInvalidInput.WithDetails("request body too large"))
			return
		}
		h.writeError(w, r, apperrors.ErrInvalidInput.WithDetails("invalid request body"))
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.writeError(w, r, apperrors.ErrInvalidInput.WithDetails("name is required"))
		return
	}

	maxPlayers := 0
	if req.MaxPlayers != nil {
		maxPlayers = *req.MaxPlayers
		if maxPlayers < 1 || maxPlayers > MaxRoomCapacity {
			h.writeError(w, r, apperrors.ErrInvalidInput.WithDetails(
				fmt.Sprintf("maxPlayers must be between 1 and %d", MaxRoomCapacity)))
			return
		}
	}

	snap, err := h.store.CreateRoom(req.Name, maxPlayers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"room":    snap,
	}, http.StatusCreated)
}

// getRoom 房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetRoom(r.PathValue("roomId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"room":    snap,
	}, http.StatusOK)
}

// deleteRoom 刪除房間，房間內的連接會收到 room-closed
func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	if _, err := h.rooms.DeleteRoom(r.Context(), roomID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"message": "room deleted",
	}, http.StatusOK)
}

// getPlayer 玩家詳情
func (h *Handler) getPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := h.store.GetPlayer(r.PathValue("playerId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"player":  player,
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"stats":   stats,
	}, http.StatusOK)
}

// listResults 最近的遊戲結果
func (h *Handler) listResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		h.writeError(w, r, apperrors.ErrArchiveDisabled)
		return
	}

	limit := defaultResultsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, apperrors.ErrInvalidInput.WithDetails("limit must be a positive integer"))
			return
		}
		limit = min(n, maxResultsLimit)
	}

	results, err := h.results.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load results"))
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"results": results,
	}, http.StatusOK)
}

// index 服務資訊
func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"message":   "Escape room game server",
		"status":    "running",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"uptime":    time.Since(h.startedAt).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.conns != nil {
		resp["connections"] = h.conns()
	}

	h.jsonResponse(w, resp, http.StatusOK)
}

// notFound 未知路徑
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.errorResponse(w, "Not found", http.StatusNotFound)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"success": false,
		"error":   message,
	}, status)
}

// writeError 依錯誤碼決定狀態碼
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求處理失敗",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}

	h.jsonResponse(w, map[string]any{
		"success": false,
		"error":   errorMessage(err),
		"code":    apperrors.Code(err),
	}, status)
}

// requestID 請求 ID 中間件
//
// 沿用客戶端的 X-Request-ID，沒有則生成。
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.jsonResponse(w, map[string]any{
					"success": false,
					"error":   "Internal server error",
					"message": fmt.Sprint(rec),
				}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
