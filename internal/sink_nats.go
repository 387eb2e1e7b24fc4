package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConn NATS 發布介面（*nats.Conn 滿足此介面）
type NATSConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher 將房間生命週期事件發布到 NATS
//
// Subject 命名：{prefix}.{roomId}.{event}
// 範例：escape.rooms.R1.game-ended
// 保證：同一個房間的事件在同一個 subject 前綴下，訂閱 escape.rooms.R1.> 即可取得全部
//
// 使用 Core NATS 而非 JetStream：事件是通知性質，持久化由 PostgreSQL 存檔負責。
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

// NewNATSPublisher 創建 NATS 發布者
func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// ConnectNATS 連接 NATS Server
//
// 選項說明：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("escape-room"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS 連接中斷", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連接", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}

// Name 實現 Sink
func (p *NATSPublisher) Name() string { return "nats" }

// Subject 計算事件的 subject
func (p *NATSPublisher) Subject(roomID, event string) string {
	return p.prefix + "." + subjectToken(roomID) + "." + event
}

// Publish 實現 Sink
func (p *NATSPublisher) Publish(ctx context.Context, ev RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(ev.Room.ID, ev.Name), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// subjectToken 房間 ID 由客戶端決定，替換 subject 中有特殊意義的字元
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
