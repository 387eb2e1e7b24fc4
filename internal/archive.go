package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// GameResult 一局遊戲的存檔記錄
type GameResult struct {
	ID          int64      `json:"id"`
	RoomID      string     `json:"roomId"`
	RoomName    string     `json:"roomName"`
	PlayerNames []string   `json:"playerNames"`
	StartedAt   *time.Time `json:"startedAt"`
	EndedAt     time.Time  `json:"endedAt"`
	Success     bool       `json:"success"`
	DurationMS  *int64     `json:"durationMs"`
}

// Archive 遊戲結果存檔（PostgreSQL）
//
// 只處理 game-ended 事件，其他事件直接忽略。
// 房間狀態本身仍只存在記憶體中，存檔僅保留結束的對局。
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewArchive 創建存檔
func NewArchive(pool *pgxpool.Pool, logger *slog.Logger) *Archive {
	return &Archive{pool: pool, logger: logger}
}

// Name 實現 Sink
func (a *Archive) Name() string { return "postgres" }

// Publish 實現 Sink
func (a *Archive) Publish(ctx context.Context, ev RoomEvent) error {
	if ev.Name != EventGameEnded {
		return nil
	}
	return a.Record(ctx, resultFromSnapshot(ev.Room, ev.At))
}

// Record 寫入一筆結果
func (a *Archive) Record(ctx context.Context, res GameResult) error {
	const query = `
		INSERT INTO game_results (room_id, room_name, player_names, started_at, ended_at, success, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := a.pool.Exec(ctx, query,
		res.RoomID,
		res.RoomName,
		res.PlayerNames,
		res.StartedAt,
		res.EndedAt,
		res.Success,
		res.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert game result: %w", err)
	}

	a.logger.Debug("遊戲結果已存檔", "room_id", res.RoomID, "success", res.Success)
	return nil
}

// Recent 最近結束的對局（新到舊）
func (a *Archive) Recent(ctx context.Context, limit int) ([]GameResult, error) {
	const query = `
		SELECT id, room_id, room_name, player_names, started_at, ended_at, success, duration_ms
		FROM game_results
		ORDER BY ended_at DESC, id DESC
		LIMIT $1`

	rows, err := a.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query game results: %w", err)
	}
	defer rows.Close()

	results := make([]GameResult, 0, limit)
	for rows.Next() {
		var r GameResult
		if err := rows.Scan(
			&r.ID,
			&r.RoomID,
			&r.RoomName,
			&r.PlayerNames,
			&r.StartedAt,
			&r.EndedAt,
			&r.Success,
			&r.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scan game result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game results: %w", err)
	}

	return results, nil
}

// resultFromSnapshot 將結束時的房間快照轉成存檔記錄
func resultFromSnapshot(snap RoomSnapshot, at time.Time) GameResult {
	res := GameResult{
		RoomID:      snap.ID,
		RoomName:    snap.Name,
		PlayerNames: make([]string, 0, len(snap.Players)),
		StartedAt:   snap.StartTime,
		EndedAt:     at,
	}

	for _, p := range snap.Players {
		res.PlayerNames = append(res.PlayerNames, p.Name)
	}
	if snap.EndTime != nil {
		res.EndedAt = *snap.EndTime
	}
	if snap.Success != nil {
		res.Success = *snap.Success
	}
	if snap.StartTime != nil {
		ms := res.EndedAt.Sub(*snap.StartTime).Milliseconds()
		res.DurationMS = &ms
	}

	return res
}
