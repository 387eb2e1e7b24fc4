package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror 將房間快照鏡像到 Redis
//
// 系統設計考量：
//   - 外部工具（管理後台、其他實例）不必連進遊戲服務器就能查看房間
//   - Key：{prefix}room:{id}，值為 RoomSnapshot JSON，帶 TTL 避免殘留
//   - Channel：{prefix}events:{id}，發布完整事件供訂閱者即時接收
//   - room-closed 時刪除快照
//   - 使用 TxPipeline：快照更新與發布在同一次往返完成
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror 創建 Redis 鏡像
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Name 實現 Sink
func (m *RedisMirror) Name() string { return "redis" }

// RoomKey 房間快照的 key
func (m *RedisMirror) RoomKey(roomID string) string {
	return m.prefix + "room:" + roomID
}

// Channel 房間事件的 pub/sub 頻道
func (m *RedisMirror) Channel(roomID string) string {
	return m.prefix + "events:" + roomID
}

// Publish 實現 Sink
func (m *RedisMirror) Publish(ctx context.Context, ev RoomEvent) error {
	envelope, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := m.client.TxPipeline()

	if ev.Name == EventRoomClosed {
		pipe.Del(ctx, m.RoomKey(ev.Room.ID))
	} else {
		snapshot, err := json.Marshal(ev.Room)
		if err != nil {
			return fmt.Errorf("marshal room: %w", err)
		}
		pipe.Set(ctx, m.RoomKey(ev.Room.ID), snapshot, m.ttl)
	}

	pipe.Publish(ctx, m.Channel(ev.Room.ID), envelope)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
